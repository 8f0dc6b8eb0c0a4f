package model

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the category of a ledger error.
// A Kind is itself an error so callers can test categories with errors.Is:
//
//	if errors.Is(err, model.KindNotFound) { ... }
type Kind uint8

const (
	// KindUnknown is returned by KindOf for errors that carry no category.
	KindUnknown Kind = iota
	// KindNotFound means an entity id does not resolve.
	KindNotFound
	// KindInvalidInput means a malformed amount or a missing required field.
	KindInvalidInput
	// KindInvalidState means the entity is in a state that forbids the operation.
	KindInvalidState
	// KindPolicyViolation means the operation is disallowed by policy.
	KindPolicyViolation
	// KindDependency means storage was unavailable, timed out or failed transiently.
	KindDependency
)

// String returns the category name used in logs and responses.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	case KindInvalidState:
		return "invalid_state"
	case KindPolicyViolation:
		return "policy_violation"
	case KindDependency:
		return "dependency_failure"
	default:
		return "unknown"
	}
}

// Error makes Kind usable as an errors.Is target.
func (k Kind) Error() string {
	return "ledger: " + k.String()
}

// Retryable reports whether retrying the same call may change the outcome.
func (k Kind) Retryable() bool {
	return k == KindDependency
}

// Error is a categorized ledger error.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return "ledger: " + e.Msg
}

// Is matches the error's own Kind in addition to identity.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Ledger errors returned by the engine and the storage implementations.
var (
	ErrAccountNotFound = &Error{KindNotFound, "account not found"}
	ErrRequestNotFound = &Error{KindNotFound, "request not found"}
	ErrAlertNotFound   = &Error{KindNotFound, "alert not found"}

	ErrInvalidAmount = &Error{KindInvalidInput, "amount must be greater than zero"}
	ErrInvalidInput  = &Error{KindInvalidInput, "invalid input"}

	ErrAccountInactive   = &Error{KindInvalidState, "account is inactive"}
	ErrAlreadyDecided    = &Error{KindInvalidState, "request already processed"}
	ErrInsufficientFunds = &Error{KindInvalidState, "insufficient funds"}
	ErrConflict          = &Error{KindInvalidState, "conflicting record"}
	ErrEmailTaken        = &Error{KindInvalidState, "email is already registered"}

	ErrDepositBlocked = &Error{KindPolicyViolation, "deposit failed, please contact admin to complete this transaction"}

	ErrStoreUnavailable = &Error{KindDependency, "storage unavailable"}
	ErrTimeout          = &Error{KindDependency, "storage operation timed out"}
	ErrCircuitOpen      = &Error{KindDependency, "storage circuit breaker open"}
)

// ErrApprovalFailed marks a rolled-back approval. It is always joined with
// the cause, so the category of the failure is the category of the cause.
var ErrApprovalFailed = errors.New("ledger: approval failed")

// Invalid returns an InvalidInput error naming the offending field.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Unavailable wraps a storage driver error as a dependency failure.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// KindOf returns the category of err. Context deadline and cancellation
// errors count as dependency failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindDependency
	}
	return KindUnknown
}

// IsNotFound reports whether err is in the NotFound category.
func IsNotFound(err error) bool {
	return errors.Is(err, KindNotFound)
}

// IsRetryable reports whether the caller may retry the failed call.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// ClassifyError returns a low-cardinality label for metrics.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, ErrApprovalFailed) && KindOf(err) == KindDependency:
		return "approval_failed_dependency"
	case errors.Is(err, ErrApprovalFailed):
		return "approval_failed"
	case errors.Is(err, ErrAlreadyDecided):
		return "already_decided"
	case errors.Is(err, ErrDepositBlocked):
		return "deposit_blocked"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	}
	return KindOf(err).String()
}
