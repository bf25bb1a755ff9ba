package model

import "fmt"

type LeaseStatus string

const (
	LeaseActive    LeaseStatus = "active"
	LeaseExpired   LeaseStatus = "expired"
	LeaseCompleted LeaseStatus = "completed"
)

var terminalLeaseStatuses = map[LeaseStatus]bool{
	LeaseExpired:   true,
	LeaseCompleted: true,
}

// Expired and completed leases are history; only an active lease moves.
var validLeaseTransitions = map[LeaseStatus]map[LeaseStatus]bool{
	LeaseActive: {
		LeaseExpired:   true,
		LeaseCompleted: true,
	},
}

func IsLeaseTerminal(s LeaseStatus) bool {
	return terminalLeaseStatuses[s]
}

func ValidateLeaseTransition(from, to LeaseStatus) error {
	if IsLeaseTerminal(from) {
		return fmt.Errorf("cannot transition from terminal lease status %q", from)
	}
	allowed, ok := validLeaseTransitions[from]
	if !ok {
		return fmt.Errorf("unknown lease status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid lease transition: %q → %q", from, to)
	}
	return nil
}

func ParseLeaseStatus(s string) (LeaseStatus, error) {
	switch st := LeaseStatus(s); st {
	case LeaseActive, LeaseExpired, LeaseCompleted:
		return st, nil
	default:
		return "", fmt.Errorf("unknown lease status %q", s)
	}
}
