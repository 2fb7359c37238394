package session

import "fmt"

// ActivationError reports that a backend could not be provisioned or seeded.
// The session itself stays loaded; the next query retries activation.
type ActivationError struct {
	SessionID string
	Err       error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("failed to activate session %s: %v", e.SessionID, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// QueryExecutionError reports that a query failed after the backend was
// active: the engine faulted, the stream broke, or the upstream returned an
// error result.
type QueryExecutionError struct {
	SessionID string
	Err       error
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("query failed for session %s: %v", e.SessionID, e.Err)
}

func (e *QueryExecutionError) Unwrap() error { return e.Err }
