package ingestion

import "errors"

// Cycle failures. Both abort only the current cycle.
var (
	// ErrUpstream wraps a failed or malformed provider response.
	ErrUpstream = errors.New("upstream listings unavailable")

	// ErrPersistence wraps a failed batch commit. Nothing from the cycle is stored.
	ErrPersistence = errors.New("cycle commit failed")

	// ErrCycleInProgress is returned when a cycle is requested while another runs.
	ErrCycleInProgress = errors.New("ingestion cycle already in progress")
)
