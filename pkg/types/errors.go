package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrorKind groups error codes by the handling they require.
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindSession        ErrorKind = "session"
	KindRateLimit      ErrorKind = "rate_limit"
	KindInfrastructure ErrorKind = "infrastructure"
	KindValidation     ErrorKind = "validation"
	KindInternal       ErrorKind = "internal"
)

// Stable error codes delivered to clients in error envelopes.
const (
	CodeAuthenticationRequired = "AUTHENTICATION_REQUIRED"
	CodeInvalidToken           = "INVALID_TOKEN"

	CodeSessionNotFound         = "SESSION_NOT_FOUND"
	CodeSessionInactive         = "SESSION_INACTIVE"
	CodeSessionCapacityExceeded = "SESSION_CAPACITY_EXCEEDED"
	CodeAnonymousNotAllowed     = "ANONYMOUS_NOT_ALLOWED"
	CodeNotInSession            = "NOT_IN_SESSION"

	CodeServerCapacityExceeded  = "SERVER_CAPACITY_EXCEEDED"
	CodeUserConcurrentExceeded  = "USER_CONCURRENT_LIMIT_EXCEEDED"
	CodeUserRateExceeded        = "USER_RATE_LIMIT_EXCEEDED"
	CodeUserHourlyExceeded      = "USER_HOURLY_LIMIT_EXCEEDED"
	CodeContentSizeExceeded     = "CONTENT_SIZE_LIMIT_EXCEEDED"
	CodeSessionLimitExceeded    = "SESSION_LIMIT_EXCEEDED"
	CodeSessionDurationExceeded = "SESSION_DURATION_EXCEEDED"
	CodeGlobalLimitExceeded     = "GLOBAL_LIMIT_EXCEEDED"
	CodeMessageRateExceeded     = "MESSAGE_RATE_EXCEEDED"

	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeInfrastructure = "INFRASTRUCTURE_ERROR"
	CodeInternal       = "INTERNAL_ERROR"
)

// GatewayError is the single structured error type business logic inspects.
// Anything else is converted at the boundary with Normalize or AsGatewayError.
type GatewayError struct {
	Kind       ErrorKind
	Code       string
	Message    string
	Cause      error
	RetryAfter time.Duration
}

func (e *GatewayError) Error() string {
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// Is matches another GatewayError by code so sentinel comparisons work with errors.Is.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// NewError builds a GatewayError without a cause.
func NewError(kind ErrorKind, code, message string) *GatewayError {
	return &GatewayError{Kind: kind, Code: code, Message: message}
}

// NewRateLimitError builds a rate-limit denial carrying retry guidance.
func NewRateLimitError(code, message string, retryAfter time.Duration) *GatewayError {
	return &GatewayError{Kind: KindRateLimit, Code: code, Message: message, RetryAfter: retryAfter}
}

// Sentinels for session-state failures.
var (
	ErrSessionNotFound         = NewError(KindSession, CodeSessionNotFound, "Session not found")
	ErrSessionInactive         = NewError(KindSession, CodeSessionInactive, "Session is not active")
	ErrSessionCapacityExceeded = NewError(KindSession, CodeSessionCapacityExceeded, "Session is at capacity")
	ErrAnonymousNotAllowed     = NewError(KindSession, CodeAnonymousNotAllowed, "Session does not allow anonymous participants")
	ErrNotInSession            = NewError(KindSession, CodeNotInSession, "Connection has not joined a session")
)

// causeError keeps a non-error failure value around as an error.
type causeError struct {
	msg string
}

func (c *causeError) Error() string { return c.msg }

// DescribeCause renders any failure value as a readable message. Strings are
// kept verbatim, nil becomes "nil", structs are rendered as JSON when possible.
func DescribeCause(v interface{}) string {
	switch c := v.(type) {
	case nil:
		return "nil"
	case error:
		if msg := c.Error(); msg != "" {
			return msg
		}
		return fmt.Sprintf("%T", c)
	case string:
		if c == "" {
			return "empty error"
		}
		return c
	case fmt.Stringer:
		return c.String()
	case []byte:
		return string(c)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
		return fmt.Sprintf("%v", c)
	default:
		if data, err := json.Marshal(c); err == nil && string(data) != "{}" {
			return string(data)
		}
		return fmt.Sprintf("%+v", c)
	}
}

// Normalize converts any failure value into an infrastructure GatewayError
// whose message is "<prefix>: <original message>". GatewayErrors pass through.
func Normalize(prefix string, v interface{}) *GatewayError {
	var ge *GatewayError
	if err, ok := v.(error); ok && errors.As(err, &ge) {
		return ge
	}

	cause, ok := v.(error)
	if !ok || cause == nil {
		cause = &causeError{msg: DescribeCause(v)}
	}

	msg := DescribeCause(v)
	if prefix != "" {
		msg = prefix + ": " + msg
	}
	return &GatewayError{
		Kind:    KindInfrastructure,
		Code:    CodeInfrastructure,
		Message: msg,
		Cause:   cause,
	}
}

// AsGatewayError returns err as a GatewayError, falling back to a generic
// internal error with a stable code.
func AsGatewayError(err error) *GatewayError {
	if err == nil {
		return nil
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return &GatewayError{
		Kind:    KindInternal,
		Code:    CodeInternal,
		Message: "Internal server error",
		Cause:   err,
	}
}

// IsKind reports whether err is a GatewayError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Kind == kind
}
