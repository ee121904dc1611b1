// Package taskerr defines the error taxonomy the Task Execution Engine
// branches its control flow on (§7). It wraps an underlying error with a
// Kind so callers can distinguish "retry locally" from "bubble to teardown"
// without string-matching error messages, while still composing with the
// standard library's errors.As/errors.Is.
package taskerr

import "fmt"

// Kind enumerates the error taxonomy from the engine's design.
type Kind string

const (
	InvalidParams      Kind = "INVALID_PARAMS"
	TransientNet       Kind = "TRANSIENT_NET"
	PermanentVenue     Kind = "PERMANENT_VENUE"
	CostInvalid        Kind = "COST_INVALID"
	OrderTimeout       Kind = "ORDER_TIMEOUT"
	HedgePriceRejected Kind = "HEDGE_PRICE_REJECTED"
	UserCancelled      Kind = "USER_CANCELLED"
	InternalInvariant  Kind = "INTERNAL_INVARIANT"
)

// TaskError wraps an error with its taxonomy Kind.
type TaskError struct {
	Kind Kind
	Err  error
}

func (e *TaskError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// New wraps err with the given Kind. err may be nil.
func New(kind Kind, err error) *TaskError {
	return &TaskError{Kind: kind, Err: err}
}

// Newf formats a message and wraps it with the given Kind.
func Newf(kind Kind, format string, args ...any) *TaskError {
	return &TaskError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err is a *TaskError of the given Kind.
func Is(err error, kind Kind) bool {
	te, ok := err.(*TaskError)
	if !ok {
		return false
	}
	return te.Kind == kind
}

// Retriable reports whether Kind indicates the operation should be retried
// locally rather than bubbled to the executor's teardown path.
func (k Kind) Retriable() bool {
	return k == TransientNet
}
