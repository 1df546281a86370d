package session

import "errors"

// Reasons a session is invalidated. Exactly one of them (or an
// *InvalidationError) reaches Delegate.SessionDidInvalidate.
var (
	ErrUserCanceled       = errors.New("session invalidated by user")
	ErrSessionTimeout     = errors.New("session timeout")
	ErrFirstTagRead       = errors.New("session invalidated after first tag read")
	ErrReaderUnavailable  = errors.New("NFC reader unavailable")
	ErrSessionInvalidated = errors.New("session is invalidated")
	ErrSystemBusy         = errors.New("session already started")
)

// InvalidationError carries the message passed to InvalidateWithError.
type InvalidationError struct {
	Message string
}

func (e *InvalidationError) Error() string {
	return "session invalidated: " + e.Message
}

// IsNormalEnd reports whether err ends a session without a failure: the
// caller stopped it or the first tag was read.
func IsNormalEnd(err error) bool {
	return errors.Is(err, ErrUserCanceled) || errors.Is(err, ErrFirstTagRead)
}
