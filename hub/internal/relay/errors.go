package relay

import (
	"errors"
	"fmt"
)

// Delegation and routing failures. The error text is what the caller sees in
// the synthetic agent.response.
var (
	ErrNoTarget          = errors.New("target agent not connected")
	ErrDepthExceeded     = errors.New("depth exceeded")
	ErrDelegationTimeout = errors.New("timeout")
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrTargetGone        = errors.New("target agent disconnected")
	ErrHubShutdown       = errors.New("hub shutting down")
)

// ErrShuttingDown is returned by the supervisor once Shutdown was called.
var ErrShuttingDown = errors.New("relay: supervisor shutting down")

// ErrBusy is returned when the blocking I/O pool cannot take more work.
var ErrBusy = errors.New("relay: worker pool saturated")

// StoreError is a persistence failure that survived every retry.
type StoreError struct {
	Attempts int
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
