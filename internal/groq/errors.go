package groq

import (
	"errors"
	"fmt"
)

// Kind classifies a completion failure so callers can map it to a transport
// status without inspecting upstream details.
type Kind string

const (
	KindConfiguration   Kind = "configuration"
	KindAuth            Kind = "auth"
	KindRateLimited     Kind = "rate_limited"
	KindUpstream        Kind = "upstream"
	KindTimeout         Kind = "timeout"
	KindConnectivity    Kind = "connectivity"
	KindEmptyCompletion Kind = "empty_completion"
	KindExhausted       Kind = "exhausted"
)

// Error is a classified completion failure. Status is the upstream HTTP
// status when one was observed, zero otherwise.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("groq %s (status %d): %s", e.Kind, e.Status, e.Message)
	case e.Message == "" && e.Err != nil:
		return fmt.Sprintf("groq %s: %v", e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("groq %s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("groq %s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the failure kind carried by err, or "" when err is not a
// classified completion error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
