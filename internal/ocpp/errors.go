package ocpp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type ErrorCode string

// CallError codes
const (
	NotImplemented                ErrorCode = "NotImplemented"
	NotSupported                  ErrorCode = "NotSupported"
	InternalError                 ErrorCode = "InternalError"
	ProtocolError                 ErrorCode = "ProtocolError"
	SecurityError                 ErrorCode = "SecurityError"
	FormationViolation            ErrorCode = "FormationViolation"
	PropertyConstraintViolation   ErrorCode = "PropertyConstraintViolation"
	OccurrenceConstraintViolation ErrorCode = "OccurrenceConstraintViolation"
	TypeConstraintViolation       ErrorCode = "TypeConstraintViolation"
	GenericError                  ErrorCode = "GenericError"
)

func (c ErrorCode) Valid() bool {
	switch c {
	case NotImplemented, NotSupported, InternalError, ProtocolError, SecurityError, FormationViolation,
		PropertyConstraintViolation, OccurrenceConstraintViolation, TypeConstraintViolation, GenericError:
		return true
	}
	return false
}

var (
	ErrMalformedURL             = errors.New("malformed url")
	ErrUnsupportedProtocol      = errors.New("unsupported protocol")
	ErrIdentityValidationFailed = errors.New("identity validation failed")
	ErrNotAllowedForDirection   = errors.New("command not allowed for direction")
	ErrNotImplemented           = errors.New("command not implemented")
	ErrRateLimited              = errors.New("rate limited")
	ErrRequestTimeout           = errors.New("request timeout")
	ErrConnectionClosed         = errors.New("connection closed")
	ErrDuplicateConnection      = errors.New("superseded by a newer connection")
	ErrInternal                 = errors.New("internal error")
	ErrNotConnected             = errors.New("station not connected")
)

// Reasons carried in CallError details so a remote caller can tell failures apart.
const (
	ReasonNotAllowed       = "NotAllowedForDirection"
	ReasonNotImplemented   = "NotImplemented"
	ReasonRateLimited      = "RateLimited"
	ReasonRequestTimeout   = "RequestTimeout"
	ReasonConnectionClosed = "ConnectionClosed"
	ReasonNotConnected     = "NotConnected"
	ReasonInternal         = "InternalError"
	DetailReason           = "reason"
)

// Error is an OCPP-J CallError, either received from the peer or about to be sent.
type Error struct {
	Code        ErrorCode
	Description string
	Details     any
	cause       error
}

func NewError(code ErrorCode, description string, details any) *Error {
	return &Error{Code: code, Description: description, Details: details}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Reason returns details.reason when present.
func (e *Error) Reason() string {
	if m, ok := e.Details.(map[string]any); ok {
		if r, ok := m[DetailReason].(string); ok {
			return r
		}
	}
	return ""
}

// TimeoutError is returned to the issuer of an outbound Call that got no reply in time.
type TimeoutError struct {
	MessageID string
	Action    string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timeout after %s: message %s, action %s", e.Timeout, e.MessageID, e.Action)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrRequestTimeout
}

// FrameError reports an inbound frame that could not be decoded.
// MessageID is set when it could still be recovered from the frame.
type FrameError struct {
	MessageID string
	Cause     *Error
}

func (e *FrameError) Error() string {
	if e.MessageID == "" {
		return "invalid frame: " + e.Cause.Error()
	}
	return fmt.Sprintf("invalid frame %s: %s", e.MessageID, e.Cause.Error())
}

func (e *FrameError) Unwrap() error {
	return e.Cause
}

func reasonDetails(reason string) map[string]any {
	return map[string]any{DetailReason: reason}
}

// ToError maps any error onto the CallError vocabulary.
func ToError(err error) *Error {
	var ocppErr *Error
	if errors.As(err, &ocppErr) {
		return ocppErr
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var code ErrorCode
	var reason string
	switch {
	case errors.Is(err, ErrNotAllowedForDirection):
		code, reason = NotImplemented, ReasonNotAllowed
	case errors.Is(err, ErrNotImplemented):
		code, reason = NotImplemented, ReasonNotImplemented
	case errors.Is(err, ErrRateLimited):
		code, reason = GenericError, ReasonRateLimited
	case errors.Is(err, ErrRequestTimeout):
		code, reason = GenericError, ReasonRequestTimeout
	case errors.Is(err, ErrNotConnected):
		code, reason = GenericError, ReasonNotConnected
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrDuplicateConnection):
		code, reason = GenericError, ReasonConnectionClosed
	case errors.As(err, &syntaxErr):
		code, reason = FormationViolation, string(FormationViolation)
	case errors.As(err, &typeErr):
		code, reason = TypeConstraintViolation, string(TypeConstraintViolation)
	default:
		code, reason = InternalError, ReasonInternal
	}
	return &Error{Code: code, Description: err.Error(), Details: reasonDetails(reason), cause: err}
}
