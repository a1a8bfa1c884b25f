package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no distribution exists under the key.
	ErrNotFound = errors.New("distribution not found")

	// ErrBinNotFound means the distribution exists but the bin was never
	// incremented.
	ErrBinNotFound = errors.New("bin not found")

	// ErrStoreUnavailable wraps every failure reported by the store.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConflict means a decay update lost the optimistic commit race on
	// every attempt.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrInvalidInput rejects empty keys, empty bins and non-positive counts.
	ErrInvalidInput = errors.New("invalid input")
)

// storeErr tags a store failure with ErrStoreUnavailable while keeping the
// cause reachable through errors.Is.
func storeErr(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrStoreUnavailable, op, key, err)
}
