package conversation

import "errors"

var (
	// ErrInvariantViolation is returned when a mutation would leave the log
	// with more than one placeholder, or with a placeholder that is not last.
	ErrInvariantViolation = errors.New("conversation invariant violation")

	// ErrNotFound is returned when a trailing placeholder was expected but the
	// last entry is not one.
	ErrNotFound = errors.New("trailing thinking message not found")
)
