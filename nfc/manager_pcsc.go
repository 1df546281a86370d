package nfc

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ebfe/scard"
)

// pcscManager talks to readers through the platform PC/SC service
// (pcscd, WinSCard or CryptoTokenKit).
type pcscManager struct {
	mu  sync.Mutex
	ctx *scard.Context
}

func newPCSCManager() *pcscManager {
	return &pcscManager{}
}

// context returns a live PC/SC context, re-establishing it when the
// service was restarted underneath us.
func (m *pcscManager) context() (*scard.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx != nil {
		if ok, err := m.ctx.IsValid(); err == nil && ok {
			return m.ctx, nil
		}
		m.ctx.Release()
		m.ctx = nil
	}

	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish PC/SC context: %w", err)
	}
	m.ctx = ctx
	return ctx, nil
}

// OpenDevice connects to the named reader, or the first contactless reader
// when name is empty. It fails with a no-card error when the field is empty
// so callers can keep polling without treating it as a device fault.
func (m *pcscManager) OpenDevice(name string) (Device, error) {
	ctx, err := m.context()
	if err != nil {
		return nil, err
	}

	if name == "" {
		readers, err := ctx.ListReaders()
		if err != nil {
			return nil, fmt.Errorf("list readers: %w", err)
		}
		readers = contactlessReaders(readers)
		if len(readers) == 0 {
			return nil, ErrNoReaders
		}
		name = readers[0]
	}

	present, err := cardPresent(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("card presence on %s: %w", name, err)
	}
	if !present {
		return nil, &noCardError{ReaderName: name}
	}

	card, err := ctx.Connect(name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		if IsNoCardError(err) || isCardGonePCSCError(err) {
			return nil, &noCardError{ReaderName: name}
		}
		return nil, fmt.Errorf("connect to %s: %w", name, err)
	}

	dev, err := newPCSCDevice(ctx, card, name)
	if err != nil {
		card.Disconnect(scard.LeaveCard)
		return nil, err
	}
	return dev, nil
}

// cardPresent reads the reader state without waiting for a change.
func cardPresent(ctx *scard.Context, reader string) (bool, error) {
	states := []scard.ReaderState{{Reader: reader, CurrentState: scard.StateUnaware}}
	if err := ctx.GetStatusChange(states, 0); err != nil && err != scard.ErrTimeout {
		return false, err
	}
	return states[0].EventState&scard.StatePresent != 0, nil
}

func (m *pcscManager) ListDevices() ([]string, error) {
	var lastErr error
	for i := 0; i < DeviceEnumRetries; i++ {
		if i > 0 {
			time.Sleep(100 * time.Millisecond)
		}
		ctx, err := m.context()
		if err != nil {
			lastErr = err
			continue
		}
		readers, err := ctx.ListReaders()
		if err == scard.ErrNoReadersAvailable {
			return nil, nil
		}
		if err != nil {
			lastErr = err
			continue
		}
		return contactlessReaders(readers), nil
	}
	return nil, fmt.Errorf("list PC/SC readers after %d attempts: %w", DeviceEnumRetries, lastErr)
}

// DeviceChanges polls the reader list; PC/SC has no portable hotplug
// notification.
func (m *pcscManager) DeviceChanges() <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		var last []string
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			readers, err := m.ListDevices()
			if err != nil || slices.Equal(readers, last) {
				continue
			}
			last = readers
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch
}

func (m *pcscManager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return nil
	}
	err := m.ctx.Release()
	m.ctx = nil
	return err
}

// contactlessReaders drops SAM slots, which never see a tag.
func contactlessReaders(readers []string) []string {
	out := readers[:0:0]
	for _, r := range readers {
		if strings.Contains(strings.ToUpper(r), "SAM") {
			continue
		}
		out = append(out, r)
	}
	return out
}
