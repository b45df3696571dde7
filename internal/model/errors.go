package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMissingCredential = errors.New("missing API key")
	ErrInvalidCredential = errors.New("invalid API key")
	ErrQuotaExceeded     = errors.New("rate limit exceeded")
	ErrDuplicateKey      = errors.New("API key already exists")
	ErrNotFound          = errors.New("not found")
	ErrStoreUnavailable  = errors.New("store unavailable")

	ErrInvalidTier     = errors.New("invalid tier")
	ErrInvalidLimit    = errors.New("limit must be positive")
	ErrInvalidDuration = errors.New("duration must be positive")
	ErrDuplicateUser   = errors.New("user already exists")
)

// QuotaError is returned when a key has no quota left in its window.
type QuotaError struct {
	Limit   int64
	ResetAt time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("rate limit exceeded: limit %d, resets at %s", e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// StoreError wraps a backend failure so it matches ErrStoreUnavailable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// Unavailable wraps err as a StoreError for op. It returns nil for a nil err.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
