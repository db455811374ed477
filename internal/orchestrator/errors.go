package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/robofleet/orchestrator/internal/balancer"
	"github.com/robofleet/orchestrator/internal/breaker"
	"github.com/robofleet/orchestrator/internal/security"
	"github.com/robofleet/orchestrator/internal/state"
)

// Code classifies an orchestrator error for callers
type Code string

const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeRateLimited  Code = "RATE_LIMITED"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeNoModule     Code = "NO_MODULE_AVAILABLE"
	CodeCircuitOpen  Code = "CIRCUIT_OPEN"
	CodeStore        Code = "STORE_ERROR"
	CodeInternal     Code = "INTERNAL_ERROR"
)

// Error is the orchestrator's caller-facing error. Retryable tells the
// caller whether backing off and retrying can help; RetryAfter carries
// a hint when one is known.
type Error struct {
	Code       Code
	Op         string
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func validationError(op, message string) *Error {
	return &Error{Code: CodeValidation, Op: op, Message: message}
}

func notFoundError(op, message string) *Error {
	return &Error{Code: CodeNotFound, Op: op, Message: message}
}

// classify maps errors from the underlying components into the
// caller-facing taxonomy
func classify(op string, err error) *Error {
	switch {
	case errors.Is(err, security.ErrInvalidKey), errors.Is(err, security.ErrKeyExpired):
		return &Error{Code: CodeUnauthorized, Op: op, Err: err}
	case errors.Is(err, security.ErrForbidden):
		return &Error{Code: CodeForbidden, Op: op, Err: err}
	case errors.Is(err, security.ErrRateLimited):
		return &Error{Code: CodeRateLimited, Op: op, Retryable: true, RetryAfter: time.Minute, Err: err}
	case errors.Is(err, security.ErrPayloadTooLarge), errors.Is(err, security.ErrMalformedPayload):
		return &Error{Code: CodeValidation, Op: op, Err: err}
	case errors.Is(err, balancer.ErrNoCandidates):
		return &Error{Code: CodeNoModule, Op: op, Retryable: true, RetryAfter: 30 * time.Second, Err: err}
	case errors.Is(err, breaker.ErrCircuitOpen):
		return &Error{Code: CodeCircuitOpen, Op: op, Retryable: true, RetryAfter: time.Minute, Err: err}
	case errors.Is(err, state.ErrRobotTerminal), errors.Is(err, state.ErrInvalidTransition):
		return &Error{Code: CodeConflict, Op: op, Err: err}
	case errors.Is(err, state.ErrExecutionNotFound):
		return &Error{Code: CodeNotFound, Op: op, Err: err}
	default:
		return &Error{Code: CodeStore, Op: op, Retryable: true, Err: err}
	}
}
