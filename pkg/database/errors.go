package database

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("database: not found")
	// ErrStore marks a persistence failure (unreachable, timed out, rejected write).
	// Business no-ops are never reported with it.
	ErrStore = errors.New("database: store failure")
)

// StoreError wraps err so callers can match it with errors.Is(err, ErrStore)
// while keeping the original cause in the chain.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &storeError{op: op, err: err}
}

type storeError struct {
	op  string
	err error
}

func (e *storeError) Error() string { return e.op + ": " + e.err.Error() }

func (e *storeError) Unwrap() []error { return []error{ErrStore, e.err} }
