package session

import (
	"log"
	"time"

	"github.com/dubu/turbo-nfc/nfc"
)

const (
	// DefaultTimeout bounds a session when no timeout is configured.
	DefaultTimeout = 60 * time.Second

	// ReaderCheckInterval is how often an active session confirms the
	// reader is still connected.
	ReaderCheckInterval = 250 * time.Millisecond
)

type options struct {
	timeout          time.Duration
	invalidateOnRead bool
	technologies     map[string]bool
	alertMessage     string
	clock            nfc.Clock
	logger           *log.Logger
}

func defaultOptions() options {
	return options{
		timeout:          DefaultTimeout,
		invalidateOnRead: true,
		clock:            nfc.NewRealClock(),
		logger:           logger,
	}
}

// Option configures a Session.
type Option func(*options)

// WithTimeout bounds how long the session polls. Non-positive values keep
// the default.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithInvalidateAfterFirstRead controls whether the session ends after the
// first tag it reports. Defaults to true.
func WithInvalidateAfterFirstRead(v bool) Option {
	return func(o *options) { o.invalidateOnRead = v }
}

// WithTechnologies restricts reported tags to the given technologies
// (nfc.TechISO14443A, ...). No technologies means all of them.
func WithTechnologies(techs ...string) Option {
	return func(o *options) {
		if len(techs) == 0 {
			o.technologies = nil
			return
		}
		o.technologies = make(map[string]bool, len(techs))
		for _, t := range techs {
			o.technologies[t] = true
		}
	}
}

// WithAlertMessage sets the initial user-facing prompt.
func WithAlertMessage(msg string) Option {
	return func(o *options) { o.alertMessage = msg }
}

func WithClock(c nfc.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
