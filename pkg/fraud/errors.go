package fraud

import "fmt"

// ValidationError reports malformed or missing required input: an empty
// message list, an unsupported audio format, or an out-of-bounds buffer size.
// Validation failures are surfaced immediately and never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// Validationf builds a *ValidationError from a format string.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ProcessingError reports a failure of the external transcoding engine,
// carrying the engine's diagnostic output.
type ProcessingError struct {
	Stage string // e.g. "transcode", "decode"
	Diag  string // engine stderr or equivalent diagnostic
	Err   error
}

func (e *ProcessingError) Error() string {
	if e.Diag != "" {
		return fmt.Sprintf("processing: %s: %v: %s", e.Stage, e.Err, e.Diag)
	}
	return fmt.Sprintf("processing: %s: %v", e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// GatewayError reports an unreachable, non-2xx, or timed-out inference
// endpoint. Callers convert it into a fail-safe degraded result rather than
// propagating it: a broken model must never read as "fraud detected".
type GatewayError struct {
	Endpoint string
	Err      error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway: %s: %v", e.Endpoint, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// PersistenceError reports a store write failure. This is the one hard
// failure allowed to bubble out of the immediate-analysis path — silently
// dropping a record would make it look like the call was never checked.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
