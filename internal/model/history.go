package model

import "time"

// ScanRef points at the location of a recorded scan. LocationID is zero when
// the result row only carried a code.
type ScanRef struct {
	LocationID int64
	Code       string
	At         time.Time
}

// ScanResult is one recorded scan as written by the result recording layer.
type ScanResult struct {
	Worker         string
	LocationID     int64
	Code           string
	HasDiscrepancy bool
	At             time.Time
}
