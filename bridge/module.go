// Package bridge exposes NFC tag reading to an application runtime as a
// native module: callable methods, a registration surface and an event
// channel.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dubu/turbo-nfc/nfc"
	"github.com/dubu/turbo-nfc/session"
)

// ModuleName is the name the NFC module registers under.
const ModuleName = "TurboNfc"

// ReadResult settles a startTagReading call.
type ReadResult struct {
	Success bool   `json:"success"`
	Payload string `json:"payload,omitempty"`
	Message string `json:"message,omitempty"`
}

// Reader is the hardware the module drives. *nfc.Poller implements it.
type Reader interface {
	session.Source
	LastTag() nfc.Tag
}

// Config wires a Module. Manager is used for reader discovery; Reader
// supplies detections. Either may be nil on hosts without NFC support.
type Config struct {
	Manager        nfc.Manager
	Reader         Reader
	SessionOptions []session.Option
}

// Module is the TurboNfc native module. It is both the event emitter and
// the delegate of the single session it owns.
type Module struct {
	manager     nfc.Manager
	reader      Reader
	sessionOpts []session.Option
	emitter     *Emitter

	mu         sync.Mutex
	session    *session.Session
	pending    chan ReadResult
	startedAt  time.Time
	infoPageID string
	alert      string
}

var _ session.Delegate = (*Module)(nil)

func NewModule(cfg Config) *Module {
	return &Module{
		manager:     cfg.Manager,
		reader:      cfg.Reader,
		sessionOpts: cfg.SessionOptions,
		emitter:     NewEmitter(EventTagDiscovered, EventStatusChange, EventSessionError),
	}
}

func (m *Module) Name() string { return ModuleName }

// CanOverrideExistingModule lets this module replace another registration
// under the same name.
func (m *Module) CanOverrideExistingModule() bool { return true }

func (m *Module) Emitter() *Emitter { return m.emitter }

// IsSupported reports whether the host has any NFC reader.
func (m *Module) IsSupported(ctx context.Context) (bool, error) {
	if m.manager == nil {
		return false, Reject(CodeNotSupported, "NFC is not supported on this device")
	}
	devices, err := m.manager.ListDevices()
	if err != nil || len(devices) == 0 {
		if err != nil {
			logger.Printf("listing readers: %v", err)
		}
		return false, Reject(CodeNotSupported, "NFC is not supported on this device")
	}
	return true, nil
}

// IsEnabled reports whether a reader is connected and ready. It never fails.
func (m *Module) IsEnabled(ctx context.Context) bool {
	if m.reader == nil {
		return false
	}
	return m.reader.Status().Connected
}

// SetInfoPageTagID marks the tag whose discovery events carry
// isInfoPageTag=true. An empty id clears it.
func (m *Module) SetInfoPageTagID(id string) {
	m.mu.Lock()
	m.infoPageID = nfc.NormalizeUID(id)
	m.mu.Unlock()
}

// SetAlertMessage sets the prompt shown while a session scans. It applies
// to the active session and every later one.
func (m *Module) SetAlertMessage(msg string) {
	m.mu.Lock()
	m.alert = msg
	s := m.session
	m.mu.Unlock()
	if s != nil {
		s.SetAlertMessage(msg)
	}
}

func (m *Module) AddListener(event string) error { return m.emitter.AddListener(event) }
func (m *Module) RemoveListeners(count int)      { m.emitter.RemoveListeners(count) }

// StartTagReading begins a reader session and blocks until it settles: with
// the first tag's UID, or with success=false when the session is stopped,
// times out or fails. Cancelling ctx stops the session.
func (m *Module) StartTagReading(ctx context.Context) (ReadResult, error) {
	m.mu.Lock()
	if m.manager == nil || m.reader == nil {
		m.mu.Unlock()
		return ReadResult{}, Reject(CodeNotAvailable, "NFC adapter is not available")
	}
	if !m.reader.Status().Connected {
		m.mu.Unlock()
		return ReadResult{}, Reject(CodeDisabled, "NFC is disabled")
	}
	if m.session != nil {
		m.mu.Unlock()
		return ReadResult{}, Reject(CodeSessionBusy, "a tag reading session is already active")
	}

	opts := m.sessionOpts
	if m.alert != "" {
		opts = append(opts[:len(opts):len(opts)], session.WithAlertMessage(m.alert))
	}
	s := session.New(m.reader, m, opts...)
	pending := make(chan ReadResult, 1)
	m.session = s
	m.pending = pending
	m.startedAt = time.Now()
	// SessionDidInvalidate decrements, and may run before Begin returns.
	metricActiveSessions.Inc()
	m.mu.Unlock()

	// The session outlives this call's ctx only until the select below
	// notices the cancellation.
	if err := s.Begin(context.Background()); err != nil {
		// A stop that raced Begin still settles pending through
		// SessionDidInvalidate.
		if !errors.Is(err, session.ErrSystemBusy) && !errors.Is(err, session.ErrSessionInvalidated) {
			metricActiveSessions.Dec()
			m.clearSession(s)
			return ReadResult{}, Reject(CodeNFCError, "failed to start NFC scanning: %v", err)
		}
	}

	select {
	case res := <-pending:
		return res, nil
	case <-ctx.Done():
		s.Invalidate()
		<-s.Done()
		return <-pending, ctx.Err()
	}
}

// StopTagReading ends the active session, if any, and settles a pending
// StartTagReading with success=false.
func (m *Module) StopTagReading(ctx context.Context) (bool, error) {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()

	if s != nil {
		s.Invalidate()
		select {
		case <-s.Done():
		case <-ctx.Done():
			return false, Reject(CodeStopError, "failed to stop NFC scanning: %v", ctx.Err())
		}
	}

	m.emit(EventStatusChange, map[string]any{"status": StatusStopped})
	return true, nil
}

// Shutdown ends the active session, if any, as a failure carrying reason,
// and waits for it to invalidate. A pending StartTagReading settles with
// success=false and listeners get an nfc_error session error.
func (m *Module) Shutdown(ctx context.Context, reason string) error {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	s.InvalidateWithError(reason)
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports whether a session is running.
func (m *Module) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

func (m *Module) SessionDidBecomeActive(s *session.Session) {
	body := map[string]any{"status": StatusActive}
	if msg := s.AlertMessage(); msg != "" {
		body["message"] = msg
	}
	m.emit(EventStatusChange, body)
}

func (m *Module) SessionDidDetectTags(s *session.Session, tags []nfc.Tag) {
	m.mu.Lock()
	infoPage := m.infoPageID
	m.mu.Unlock()

	for _, tag := range tags {
		uid := tag.UID()
		metricTagsDiscovered.WithLabelValues(tag.Type()).Inc()
		m.emit(EventTagDiscovered, map[string]any{
			"success":       true,
			"tagId":         uid,
			"type":          tag.Type(),
			"technology":    tag.Technology(),
			"isInfoPageTag": infoPage != "" && uid == infoPage,
		})
		m.settle(s, ReadResult{Success: true, Payload: uid})
	}
}

func (m *Module) SessionDidInvalidate(s *session.Session, err error) {
	metricActiveSessions.Dec()
	metricSessionsEnded.WithLabelValues(endReason(err)).Inc()

	m.settle(s, ReadResult{Success: false, Message: err.Error()})
	m.clearSession(s)

	if !session.IsNormalEnd(err) {
		m.emit(EventSessionError, map[string]any{
			"code":    sessionErrorCode(err),
			"message": err.Error(),
		})
	}
}

// settle resolves the pending read of s once.
func (m *Module) settle(s *session.Session, res ReadResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != s || m.pending == nil {
		return
	}
	m.pending <- res
	m.pending = nil
	metricReadSeconds.Observe(time.Since(m.startedAt).Seconds())
}

func (m *Module) clearSession(s *session.Session) {
	m.mu.Lock()
	if m.session == s {
		m.session = nil
		m.pending = nil
	}
	m.mu.Unlock()
}

func (m *Module) emit(name string, body map[string]any) {
	if _, err := m.emitter.Emit(name, body); err != nil {
		logger.Printf("emit %s: %v", name, err)
	}
}

func endReason(err error) string {
	switch {
	case errors.Is(err, session.ErrFirstTagRead):
		return "first_tag_read"
	case errors.Is(err, session.ErrUserCanceled):
		return "canceled"
	case errors.Is(err, session.ErrSessionTimeout):
		return "timeout"
	case errors.Is(err, session.ErrReaderUnavailable):
		return "reader_unavailable"
	}
	return "error"
}

func sessionErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionTimeout):
		return CodeSessionTimeout
	case errors.Is(err, session.ErrReaderUnavailable):
		return CodeDisabled
	}
	return CodeNFCError
}

// Methods exposes the module to a Registry using the runtime's method names.
func (m *Module) Methods() map[string]Method {
	return map[string]Method{
		"isSupported": func(ctx context.Context, _ json.RawMessage) (any, error) {
			return m.IsSupported(ctx)
		},
		"isEnabled": func(ctx context.Context, _ json.RawMessage) (any, error) {
			return m.IsEnabled(ctx), nil
		},
		"startTagReading": func(ctx context.Context, _ json.RawMessage) (any, error) {
			res, err := m.StartTagReading(ctx)
			if err != nil {
				return nil, err
			}
			return res, nil
		},
		"stopTagReading": func(ctx context.Context, _ json.RawMessage) (any, error) {
			return m.StopTagReading(ctx)
		},
		"addListener": func(_ context.Context, args json.RawMessage) (any, error) {
			var event string
			if err := DecodeArgs(args, &event); err != nil {
				return nil, err
			}
			return nil, m.AddListener(event)
		},
		"removeListeners": func(_ context.Context, args json.RawMessage) (any, error) {
			var count int
			if err := DecodeArgs(args, &count); err != nil {
				return nil, err
			}
			m.RemoveListeners(count)
			return nil, nil
		},
		"setInfoPageTagId": func(_ context.Context, args json.RawMessage) (any, error) {
			var id string
			if err := DecodeArgs(args, &id); err != nil {
				return nil, err
			}
			m.SetInfoPageTagID(id)
			return true, nil
		},
		"setAlertMessage": func(_ context.Context, args json.RawMessage) (any, error) {
			var msg string
			if err := DecodeArgs(args, &msg); err != nil {
				return nil, err
			}
			m.SetAlertMessage(msg)
			return true, nil
		},
		"getLastTag": func(_ context.Context, _ json.RawMessage) (any, error) {
			if m.reader == nil {
				return nil, nil
			}
			tag := m.reader.LastTag()
			if tag == nil {
				return nil, nil
			}
			return map[string]string{
				"tagId":      tag.UID(),
				"type":       tag.Type(),
				"technology": tag.Technology(),
			}, nil
		},
	}
}
