// Package session implements a tag-reader session: a time-bounded scan
// that reports detected tags to a Delegate and ends with exactly one
// invalidation callback.
package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/dubu/turbo-nfc/nfc"
)

var logger = log.New(os.Stderr, "[session] ", log.LstdFlags)

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateInvalidated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateInvalidated:
		return "invalidated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Delegate receives session callbacks. Callbacks run on the session's
// goroutine in order; SessionDidInvalidate is always the last one and is
// delivered exactly once.
type Delegate interface {
	SessionDidBecomeActive(s *Session)
	SessionDidDetectTags(s *Session, tags []nfc.Tag)
	SessionDidInvalidate(s *Session, err error)
}

// Source feeds detections to sessions. *nfc.Poller implements it.
type Source interface {
	Subscribe(buffer int) (<-chan nfc.Detection, func())
	Status() nfc.DeviceStatus
}

// Session is a single scan. It is not reusable: once invalidated a new
// Session has to be created.
type Session struct {
	id       string
	src      Source
	delegate Delegate
	opts     options

	mu        sync.Mutex
	state     State
	alert     string
	err       error
	requested error

	wake chan struct{}
	done chan struct{}
}

// New creates an idle session reading from src.
func New(src Source, delegate Delegate, opts ...Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Session{
		id:       uuid.NewString(),
		src:      src,
		delegate: delegate,
		opts:     o,
		alert:    o.alertMessage,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsReady reports whether the session is polling for tags.
func (s *Session) IsReady() bool {
	return s.State() == StateActive
}

func (s *Session) AlertMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alert
}

func (s *Session) SetAlertMessage(msg string) {
	s.mu.Lock()
	s.alert = msg
	s.mu.Unlock()
}

// Done is closed after SessionDidInvalidate returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the invalidation reason once the session has ended.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Begin starts polling. The session becomes active asynchronously; reader
// problems are reported through SessionDidInvalidate, not returned. ctx
// bounds the whole session.
func (s *Session) Begin(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateInvalidated:
		s.mu.Unlock()
		return ErrSessionInvalidated
	case StateStarting, StateActive:
		s.mu.Unlock()
		return ErrSystemBusy
	}
	s.state = StateStarting
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Invalidate ends the session with ErrUserCanceled.
func (s *Session) Invalidate() {
	s.invalidate(ErrUserCanceled)
}

// InvalidateWithError ends the session with an *InvalidationError
// carrying msg.
func (s *Session) InvalidateWithError(msg string) {
	s.invalidate(&InvalidationError{Message: msg})
}

func (s *Session) invalidate(reason error) {
	s.mu.Lock()
	if s.state == StateInvalidated || s.requested != nil {
		s.mu.Unlock()
		return
	}
	s.requested = reason
	idle := s.state == StateIdle
	if idle {
		s.state = StateStarting
	}
	s.mu.Unlock()

	if idle {
		// Never begun: the session goroutine only delivers the invalidation.
		go s.finish(reason)
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) run(ctx context.Context) {
	if !s.src.Status().Connected {
		s.finish(ErrReaderUnavailable)
		return
	}

	detections, unsubscribe := s.src.Subscribe(8)
	defer unsubscribe()

	timer := s.opts.clock.NewTimer(s.opts.timeout)
	defer timer.Stop()
	readerCheck := s.opts.clock.NewTicker(ReaderCheckInterval)
	defer readerCheck.Stop()

	s.mu.Lock()
	if s.requested != nil {
		reason := s.requested
		s.mu.Unlock()
		s.finish(reason)
		return
	}
	s.state = StateActive
	s.mu.Unlock()

	s.opts.logger.Printf("%s active (timeout %v)", s.id, s.opts.timeout)
	s.delegate.SessionDidBecomeActive(s)

	for {
		select {
		case <-ctx.Done():
			s.finish(fmt.Errorf("%w: %w", ErrUserCanceled, ctx.Err()))
			return
		case <-s.wake:
			s.mu.Lock()
			reason := s.requested
			s.mu.Unlock()
			s.finish(reason)
			return
		case <-timer.C():
			s.finish(ErrSessionTimeout)
			return
		case <-readerCheck.C():
			if !s.src.Status().Connected {
				s.finish(ErrReaderUnavailable)
				return
			}
		case d := <-detections:
			if d.Tag == nil || !s.accepts(d.Tag) {
				continue
			}
			s.delegate.SessionDidDetectTags(s, []nfc.Tag{d.Tag})
			if s.opts.invalidateOnRead {
				s.finish(ErrFirstTagRead)
				return
			}
		}
	}
}

func (s *Session) accepts(tag nfc.Tag) bool {
	return len(s.opts.technologies) == 0 || s.opts.technologies[tag.Technology()]
}

func (s *Session) finish(reason error) {
	s.mu.Lock()
	if s.state == StateInvalidated {
		s.mu.Unlock()
		return
	}
	s.state = StateInvalidated
	s.err = reason
	s.mu.Unlock()

	s.opts.logger.Printf("%s invalidated: %v", s.id, reason)
	s.delegate.SessionDidInvalidate(s, reason)
	close(s.done)
}
