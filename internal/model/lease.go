package model

import (
	"math"
	"time"
)

// Lease is a time-bounded, exclusive claim by one worker over one zone.
type Lease struct {
	ID         int64       `json:"task_id" yaml:"task_id"`
	ZonePrefix string      `json:"zone" yaml:"zone"`
	Holder     string      `json:"badge" yaml:"badge"`
	AssignedAt time.Time   `json:"assigned_at" yaml:"assigned_at"`
	ExpiresAt  time.Time   `json:"expires_at" yaml:"expires_at"`
	Status     LeaseStatus `json:"status" yaml:"status"`
}

// IsLive reports whether the lease is active and not yet expired at now.
// Only live leases count toward zone occupancy.
func (l Lease) IsLive(now time.Time) bool {
	return l.Status == LeaseActive && l.ExpiresAt.After(now)
}

// ActiveLease is a listing row for operational visibility.
type ActiveLease struct {
	Lease
	HoursLeft float64 `json:"hours_left"`
}

// NewActiveLease derives the hours left at now, rounded to one decimal.
func NewActiveLease(l Lease, now time.Time) ActiveLease {
	left := l.ExpiresAt.Sub(now).Hours()
	if left < 0 {
		left = 0
	}
	return ActiveLease{Lease: l, HoursLeft: math.Round(left*10) / 10}
}

// Zone is the unit of assignment handed to a worker: a prefix and its locations.
type Zone struct {
	Prefix    string     `json:"zone"`
	Locations []Location `json:"places"`
}

// Assignment is the result of a successful zone request.
type Assignment struct {
	Lease Lease `json:"lease"`
	Zone  Zone  `json:"zone"`
}

// Identity is the opaque caller identity supplied by the session layer.
type Identity struct {
	Worker string `json:"badge"`
	Admin  bool   `json:"admin"`
}

// CandidateZone is one proximity recommendation.
type CandidateZone struct {
	Code      string `json:"mx_code"`
	Zone      string `json:"zone"`
	Highlight bool   `json:"highlight"`
	Distance  int    `json:"distance"`
}
