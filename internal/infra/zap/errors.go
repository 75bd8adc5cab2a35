package zap

import (
	"errors"
	"fmt"
)

// Errors
var (
	// ErrTargetUnreachable means the target site itself cannot be reached.
	// Surfaced by the pre-flight check; never retried by the orchestrator.
	ErrTargetUnreachable = errors.New("zap: target unreachable")

	// ErrScannerInternal is the scanner's own 5xx, often DNS-related and
	// possibly transient. Non-fatal on non-critical paths such as context
	// registration.
	ErrScannerInternal = errors.New("zap: scanner internal error")
)

// CallError means a required scanner call exhausted its retries. It aborts
// the current orchestrator step only, not the whole session.
type CallError struct {
	Endpoint string
	Err      error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	return fmt.Sprintf("zap: call to %s failed after retries: %v", e.Endpoint, e.Err)
}

// Unwrap returns the last error seen before giving up.
func (e *CallError) Unwrap() error {
	return e.Err
}
