package protocol

import "fmt"

// ValidationError reports a command that failed per-tag validation before
// encoding. These are rejected locally and never sent over the wire.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("VALIDATION: %s: %s", e.Field, e.Reason)
}

// DecodeError reports an inbound frame that could not be parsed. The link
// session drops and counts these; they must never desynchronize framing.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("DECODE: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("DECODE: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
