package errors

import "fmt"

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Kind groups error codes by how a client is expected to react.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindStateConflict Kind = "state_conflict"
	KindResource      Kind = "resource"
	KindNotFound      Kind = "not_found"
	KindInternal      Kind = "internal"
)

const (
	CodeValidation         = "VALIDATION"
	CodeInvalidBet         = "INVALID_BET"
	CodeInvalidIndex       = "INVALID_INDEX"
	CodeMalformedEvent     = "MALFORMED_EVENT"
	CodeNotYourTurn        = "NOT_YOUR_TURN"
	CodeMatchNotJoinable   = "MATCH_NOT_JOINABLE"
	CodeSelfJoin           = "SELF_JOIN"
	CodeGameNotActive      = "GAME_NOT_ACTIVE"
	CodeIllegalMove        = "ILLEGAL_MOVE"
	CodeNotParticipant     = "NOT_PARTICIPANT"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeTransactionClosed  = "TRANSACTION_RESOLVED"
	CodeInsufficientFunds  = "INSUFFICIENT_FUNDS"
	CodeMatchNotFound      = "MATCH_NOT_FOUND"
	CodeUnknownUser        = "UNKNOWN_USER"
	CodeInviteNotFound     = "INVITE_NOT_FOUND"
	CodeTargetOffline      = "TARGET_OFFLINE"
	CodeTransactionMissing = "TRANSACTION_NOT_FOUND"
	CodeForbidden          = "FORBIDDEN"
	CodeDatabase           = "DATABASE"
	CodeExternalAPI        = "EXTERNAL_API"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL"
)

type AppError struct {
	Code        string
	Kind        Kind
	Message     string
	UserMessage string
	Severity    Severity
	Retryable   bool
	cause       error
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}

	return e.Message
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.cause
}

func (e *AppError) Cause() error {
	return e.Unwrap()
}

// Is matches two AppErrors by code so sentinel values survive re-construction.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok || e == nil || t == nil {
		return false
	}

	return e.Code != "" && e.Code == t.Code
}

func NewValidationError(code, msg string) *AppError {
	if code == "" {
		code = CodeValidation
	}

	return &AppError{
		Code:        code,
		Kind:        KindValidation,
		Message:     msg,
		UserMessage: fmt.Sprintf("Invalid request. %s", msg),
		Severity:    SeverityLow,
		Retryable:   false,
	}
}

func NewStateError(code, msg string) *AppError {
	return &AppError{
		Code:        code,
		Kind:        KindStateConflict,
		Message:     msg,
		UserMessage: "The operation is not possible in the current game state",
		Severity:    SeverityLow,
		Retryable:   false,
	}
}

func NewResourceError(code, msg string) *AppError {
	return &AppError{
		Code:        code,
		Kind:        KindResource,
		Message:     msg,
		UserMessage: "Not enough funds",
		Severity:    SeverityLow,
		Retryable:   false,
	}
}

func NewNotFoundError(code, msg string) *AppError {
	return &AppError{
		Code:        code,
		Kind:        KindNotFound,
		Message:     msg,
		UserMessage: "Not found",
		Severity:    SeverityLow,
		Retryable:   false,
	}
}

func NewDatabaseError(cause error) *AppError {
	var underlyingMsg string
	if cause != nil {
		underlyingMsg = cause.Error()
	}

	return &AppError{
		Code:        CodeDatabase,
		Kind:        KindInternal,
		Message:     fmt.Sprintf("Database error: %s", underlyingMsg),
		UserMessage: "Temporary problem, please try again later",
		Severity:    SeverityHigh,
		Retryable:   true,
		cause:       cause,
	}
}

func NewExternalAPIError(apiName string, cause error) *AppError {
	return &AppError{
		Code:        CodeExternalAPI,
		Kind:        KindInternal,
		Message:     fmt.Sprintf("External API error: %s", apiName),
		UserMessage: "Service temporarily unavailable",
		Severity:    SeverityMedium,
		Retryable:   true,
		cause:       cause,
	}
}

func NewRateLimitError(retryAfter int) *AppError {
	return &AppError{
		Code:        CodeRateLimited,
		Kind:        KindResource,
		Message:     fmt.Sprintf("Rate limit exceeded: retry after %d seconds", retryAfter),
		UserMessage: fmt.Sprintf("Too many requests. Try again in %d seconds", retryAfter),
		Severity:    SeverityLow,
		Retryable:   false,
	}
}

// Wrap attaches cause to a copy of e, keeping code and classification.
func Wrap(e *AppError, cause error) *AppError {
	if e == nil {
		return nil
	}

	clone := *e
	clone.cause = cause
	if cause != nil {
		clone.Message = fmt.Sprintf("%s: %s", e.Message, cause.Error())
	}

	return &clone
}
