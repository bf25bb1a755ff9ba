package model

import "errors"

var (
	// ErrAllZonesBusy means the retry budget ran out without finding a free zone.
	// Callers should retry later.
	ErrAllZonesBusy = errors.New("all zones busy")
	// ErrCatalogEmpty means the catalog has no locations at all. Not retryable.
	ErrCatalogEmpty = errors.New("catalog empty")
	// ErrLeaseNotFound means an admin operation targeted a lease that is not active.
	ErrLeaseNotFound = errors.New("lease not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrForbidden     = errors.New("admin identity required")
)

// IsRetryable reports whether err is an allocation condition a client may retry
// as is. Store failures are not retryable here; the caller decides.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAllZonesBusy)
}

// IsDomainError reports whether err is one of the engine's own conditions rather
// than a failure of the underlying store.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrAllZonesBusy) ||
		errors.Is(err, ErrCatalogEmpty) ||
		errors.Is(err, ErrLeaseNotFound) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrForbidden)
}

// Stable error codes shared by the HTTP API and the local control socket.
const (
	CodeAllZonesBusy = "ALL_ZONES_BUSY"
	CodeCatalogEmpty = "CATALOG_EMPTY"
	CodeNotFound     = "NOT_FOUND"
	CodeValidation   = "VALIDATION_ERROR"
	CodeForbidden    = "FORBIDDEN"
	CodeStore        = "STORE_ERROR"
)

// ErrorCode maps err to its wire code. Anything that is not a domain
// condition is reported as a store failure.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAllZonesBusy):
		return CodeAllZonesBusy
	case errors.Is(err, ErrCatalogEmpty):
		return CodeCatalogEmpty
	case errors.Is(err, ErrLeaseNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidInput):
		return CodeValidation
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	default:
		return CodeStore
	}
}

// ErrorForCode is the inverse of ErrorCode for domain codes, used by clients
// to turn a remote failure back into a sentinel. Unknown codes return nil.
func ErrorForCode(code string) error {
	switch code {
	case CodeAllZonesBusy:
		return ErrAllZonesBusy
	case CodeCatalogEmpty:
		return ErrCatalogEmpty
	case CodeNotFound:
		return ErrLeaseNotFound
	case CodeValidation:
		return ErrInvalidInput
	case CodeForbidden:
		return ErrForbidden
	default:
		return nil
	}
}
