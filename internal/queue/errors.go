package queue

import "errors"

var (
	// ErrInvalidPriority means a priority outside the closed enumeration reached the ledger.
	ErrInvalidPriority = errors.New("invalid task priority")
	ErrInvalidConfig   = errors.New("invalid queue config")
)
