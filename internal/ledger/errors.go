package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNoValidHold means a commit arrived with no live hold covering
	// the requested seats; the caller must re-reserve.
	ErrNoValidHold = errors.New("no valid hold")

	ErrBusNotFound = errors.New("bus not found")
)

// SeatConflictError carries the exact overlap plus the current
// availability so the client can retry with a corrected selection.
type SeatConflictError struct {
	Conflicting []int
	Available   []int
}

func (e *SeatConflictError) Error() string {
	return fmt.Sprintf("seats unavailable: %v", e.Conflicting)
}

// ValidationError rejects a request before any mutation happens.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }
