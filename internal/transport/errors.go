package transport

import (
	"fmt"
)

// 传输层错误定义，用 errors.Is 按错误码比较
var (
	ErrNotReady        = NewTpError(1001, "Handshake not established", "")
	ErrTimeout         = NewTpError(1002, "Request timed out", "")
	ErrConnectionLost  = NewTpError(1003, "Connection lost", "")
	ErrHandshakeFailed = NewTpError(1004, "Handshake failed", "")
	ErrConnect         = NewTpError(1005, "Connect failed", "")
	ErrStreamClosed    = NewTpError(1006, "Push stream closed", "")
	ErrBodyTooLarge    = NewTpError(1007, "Body too large", "")
)

type tpError struct {
	code    int
	msg     string
	context string
	cause   error
}

func (e *tpError) Error() string {
	s := fmt.Sprintf("Error %d: %s", e.code, e.msg)
	if e.context != "" {
		s += fmt.Sprintf(" (context: %s)", e.context)
	}
	if e.cause != nil {
		s += ": " + e.cause.Error()
	}
	return s
}

// Code 错误码
func (e *tpError) Code() int { return e.code }

func (e *tpError) Unwrap() error { return e.cause }

// Is 同错误码即视为同一类错误
func (e *tpError) Is(target error) bool {
	t, ok := target.(*tpError)
	return ok && t.code == e.code
}

// with 基于同一错误码派生带上下文和原因的错误
func (e *tpError) with(context string, cause error) *tpError {
	return &tpError{code: e.code, msg: e.msg, context: context, cause: cause}
}

func NewTpError(code int, message string, context string) *tpError {
	return &tpError{
		code:    code,
		msg:     message,
		context: context,
	}
}
