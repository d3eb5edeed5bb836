package errors

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeValidationError ErrorCode = "VALIDATION_ERROR"
	CodeConflict        ErrorCode = "CONFLICT"
	CodeInternal        ErrorCode = "INTERNAL_ERROR"
	CodeNotSupported    ErrorCode = "NOT_SUPPORTED"

	CodeUnsupportedLanguage ErrorCode = "UNSUPPORTED_LANGUAGE"
	CodeSequenceGap         ErrorCode = "SEQUENCE_GAP"
	CodeParseTimeout        ErrorCode = "PARSE_TIMEOUT"
	CodeQueryMissing        ErrorCode = "QUERY_MISSING"
	CodeQueryMalformed      ErrorCode = "QUERY_MALFORMED"
	CodeChannelDisconnected ErrorCode = "CHANNEL_DISCONNECTED"
	CodeInvariantViolation  ErrorCode = "INVARIANT_VIOLATION"
	CodeMalformedRequest    ErrorCode = "MALFORMED_REQUEST"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeSuperseded          ErrorCode = "SUPERSEDED"
)

type DomainError struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]interface{}
}

const (
	CtxPath      = "path"
	CtxOperation = "operation"
	CtxLanguage  = "language"
	CtxBuffer    = "buffer"
	CtxSession   = "session"
	CtxSeq       = "seq"
)

func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func (e *DomainError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if len(e.Context) > 0 {
		msg += fmt.Sprintf(" %v", e.Context)
	}
	return msg
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func New(code ErrorCode, msg string) error {
	return &DomainError{Code: code, Message: msg}
}

func Newf(code ErrorCode, format string, args ...interface{}) error {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, code ErrorCode, msg string) error {
	return &DomainError{Code: code, Message: msg, Err: err}
}

// AddContext attaches a key to err, promoting plain errors to CodeInternal.
func AddContext(err error, key string, value interface{}) error {
	var de *DomainError
	if errors.As(err, &de) {
		de.WithContext(key, value)
		return de
	}
	return &DomainError{
		Code:    CodeInternal,
		Message: "wrapped error",
		Err:     err,
		Context: map[string]interface{}{key: value},
	}
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf returns the outermost domain code, or CodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// MessageOf returns the domain message without code prefix or context.
func MessageOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		if de.Err != nil {
			return fmt.Sprintf("%s: %v", de.Message, de.Err)
		}
		return de.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
