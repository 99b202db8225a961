package usecase

import "fmt"

// ErrorCode is the stable machine-readable error kind surfaced to callers.
type ErrorCode string

const (
	ErrorUnauthenticated         ErrorCode = "UNAUTHENTICATED"
	ErrorForbidden               ErrorCode = "FORBIDDEN"
	ErrorNotFound                ErrorCode = "NOT_FOUND"
	ErrorConversationNotActive   ErrorCode = "CONVERSATION_NOT_ACTIVE"
	ErrorTurnAlreadyAnswered     ErrorCode = "TURN_ALREADY_ANSWERED"
	ErrorNoPreviousTurn          ErrorCode = "NO_PREVIOUS_TURN"
	ErrorRewindBudgetExhausted   ErrorCode = "REWIND_BUDGET_EXHAUSTED"
	ErrorOwnerMustUseOwnerRewind ErrorCode = "OWNER_MUST_USE_OWNER_REWIND"
	// ErrorGenerationFailed: the question-generation collaborator errored or
	// was unreachable. Safe to retry the identical call.
	ErrorGenerationFailed ErrorCode = "GENERATION_FAILED"
	// ErrorValidationFailed: a payload failed validation against the question
	// shape contract, whether a caller's answer that does not fit its
	// question or generator output that does not conform. Distinguished from
	// ErrorGenerationFailed because retrying the identical call cannot
	// succeed.
	ErrorValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrorInternal         ErrorCode = "INTERNAL_ERROR"
)

// Error pairs a stable code with a machine-readable reason and the wrapped
// cause, if any.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
