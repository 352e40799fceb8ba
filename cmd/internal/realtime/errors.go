package realtime

import (
	"errors"
	"fmt"

	v1 "collab/shared/contracts/collab/v1"
)

// Sentinel kinds. Callers match with errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrNotInRoom         = errors.New("not in room")
	ErrTransport         = errors.New("bus transport unavailable")
	ErrUnknownConnection = errors.New("unknown connection")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Msg is human readable and is delivered to the client as-is; do not put internals in it.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *OpError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

// Unwrap exposes both the kind and the underlying cause.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind error, msg string) error {
	return &OpError{Op: op, Kind: kind, Msg: msg}
}

// ValidationError reports a malformed inbound field.
// Reason mirrors the schema rule that failed: empty, too_long, pattern.
type ValidationError struct {
	Field   string
	Reason  string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// CodeOf maps an error to its wire code.
func CodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return v1.CodeValidation
	case errors.Is(err, ErrRateLimited):
		return v1.CodeRateLimited
	case errors.Is(err, ErrNotInRoom):
		return v1.CodeNotInRoom
	case errors.Is(err, ErrTransport):
		return v1.CodeTransport
	default:
		return v1.CodeInternal
	}
}

// publicMessage returns the message safe to send to a client.
func publicMessage(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	var oe *OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	switch CodeOf(err) {
	case v1.CodeRateLimited:
		return "too many requests, please slow down"
	case v1.CodeNotInRoom:
		return "join the room first"
	case v1.CodeTransport:
		return "edit was not relayed to other instances"
	default:
		return "an error occurred"
	}
}
