package bridge

import (
	"errors"
	"fmt"
)

// Reject codes returned to the application runtime.
const (
	CodeNotSupported   = "nfc_not_supported"
	CodeNotAvailable   = "nfc_not_available"
	CodeDisabled       = "nfc_disabled"
	CodeNFCError       = "nfc_error"
	CodeStopError      = "stop_error"
	CodeSessionBusy    = "session_busy"
	CodeSessionTimeout = "session_timeout"
	CodeUnknownMethod  = "unknown_method"
	CodeUnknownModule  = "unknown_module"
	CodeInvalidArgs    = "invalid_args"
	CodeUnknownEvent   = "unknown_event"
)

// Error is a rejected call: a stable code plus a human readable message.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Reject builds an *Error.
func Reject(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the reject code carried by err, or CodeNFCError for any
// other failure.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeNFCError
}
