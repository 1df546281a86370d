package nfc

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DeviceEventType classifies DeviceManager lifecycle events.
type DeviceEventType int

const (
	DeviceConnected DeviceEventType = iota
	DeviceDisconnected
	DeviceReconnecting
	DeviceReconnectFailed
	CooldownStarted
	CooldownEnded
	DeviceError
	ReaderIdle
)

func (t DeviceEventType) String() string {
	switch t {
	case DeviceConnected:
		return "DeviceConnected"
	case DeviceDisconnected:
		return "DeviceDisconnected"
	case DeviceReconnecting:
		return "DeviceReconnecting"
	case DeviceReconnectFailed:
		return "DeviceReconnectFailed"
	case CooldownStarted:
		return "CooldownStarted"
	case CooldownEnded:
		return "CooldownEnded"
	case DeviceError:
		return "DeviceError"
	case ReaderIdle:
		return "ReaderIdle"
	}
	return fmt.Sprintf("Unknown(%d)", int(t))
}

// DeviceEvent is published on DeviceManager.Events.
type DeviceEvent struct {
	Type    DeviceEventType
	Message string
	Device  Device
	Err     error
}

const deviceEventBuffer = 10

var errReconnectAborted = errors.New("reconnection aborted by stop signal")

// DeviceManager keeps one reader connected. It reconnects with backoff after
// recoverable failures and parks the reader in a cooldown after faults that
// only clear when the reader is left alone.
//
// A PC/SC reader is opened per card; while its field is empty the manager
// reports the reader as ready without holding a Device.
type DeviceManager struct {
	manager Manager
	clock   Clock

	mu          sync.RWMutex
	device      Device
	devicePath  string
	readerReady bool
	inCooldown  bool
	retryCount  int

	cooldownTimer Timer
	events        chan DeviceEvent
}

// NewDeviceManager creates a DeviceManager for devicePath, or for the first
// listed reader when devicePath is empty.
func NewDeviceManager(manager Manager, devicePath string, clock Clock) *DeviceManager {
	if clock == nil {
		clock = NewRealClock()
	}
	timer := clock.NewTimer(time.Hour)
	timer.Stop()

	return &DeviceManager{
		manager:       manager,
		clock:         clock,
		devicePath:    devicePath,
		cooldownTimer: timer,
		events:        make(chan DeviceEvent, deviceEventBuffer),
	}
}

// Events delivers lifecycle events. Events are dropped when the buffer is full.
func (dm *DeviceManager) Events() <-chan DeviceEvent {
	return dm.events
}

func (dm *DeviceManager) emitEvent(t DeviceEventType, msg string, err error) {
	ev := DeviceEvent{Type: t, Message: msg, Device: dm.Device(), Err: err}
	select {
	case dm.events <- ev:
	default:
	}
}

func (dm *DeviceManager) Device() Device {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.device
}

func (dm *DeviceManager) HasDevice() bool {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.device != nil
}

// Ready reports whether a reader is usable: either a device is open or a
// PC/SC reader is waiting for a card.
func (dm *DeviceManager) Ready() bool {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.device != nil || dm.readerReady
}

func (dm *DeviceManager) InCooldown() bool {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.inCooldown
}

func (dm *DeviceManager) DevicePath() string {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.devicePath
}

// TryConnect opens the reader unless the current device still answers
// InitiatorInit. A PC/SC no-card error marks the reader ready and is
// returned unchanged.
func (dm *DeviceManager) TryConnect() error {
	if dev := dm.Device(); dev != nil {
		err := dev.InitiatorInit()
		if err == nil {
			return nil
		}
		logger.Printf("device %s stopped answering: %v", dev, err)
		dm.dropDevice(false)
	}

	path := dm.DevicePath()
	if path == "" {
		devices, err := dm.manager.ListDevices()
		if err != nil {
			return fmt.Errorf("list NFC devices: %w", err)
		}
		if len(devices) == 0 {
			return ErrNoReaders
		}
		path = devices[0]
	}

	dev, err := dm.manager.OpenDevice(path)
	if err != nil {
		if IsNoCardError(err) {
			dm.setReaderIdle(path)
			return err
		}
		return fmt.Errorf("open device %s: %w", path, err)
	}
	if err := dev.InitiatorInit(); err != nil {
		dev.Close()
		return fmt.Errorf("initialise device %s: %w", path, err)
	}

	dm.mu.Lock()
	wasReady := dm.readerReady
	dm.device = dev
	dm.devicePath = path
	dm.readerReady = true
	dm.retryCount = 0
	dm.mu.Unlock()

	// A PC/SC reader reconnects for every card; only the first open is news.
	if !wasReady {
		logger.Printf("connected to %s", dev)
		dm.emitEvent(DeviceConnected, "Connected to "+dev.String(), nil)
	}
	return nil
}

func (dm *DeviceManager) setReaderIdle(path string) {
	dm.mu.Lock()
	wasReady := dm.readerReady
	dm.readerReady = true
	dm.devicePath = path
	dm.mu.Unlock()
	if !wasReady {
		logger.Printf("reader %s is waiting for a card", path)
		dm.emitEvent(ReaderIdle, "Waiting for a card on "+path, nil)
	}
}

// dropDevice closes the current device. keepReader leaves the reader marked
// ready, which is the PC/SC card-removed case.
func (dm *DeviceManager) dropDevice(keepReader bool) {
	dm.mu.Lock()
	dev := dm.device
	dm.device = nil
	dm.readerReady = keepReader
	dm.mu.Unlock()

	if dev != nil {
		if err := dev.Close(); err != nil {
			logger.Printf("closing %s: %v", dev, err)
		}
	}
	if !keepReader {
		dm.emitEvent(DeviceDisconnected, "Device disconnected", nil)
	}
}

// Reconnect retries TryConnect with linear backoff.
func (dm *DeviceManager) Reconnect(stop <-chan struct{}) error {
	return dm.reconnect(false, stop)
}

// ForceReconnect closes the device, waits for it to reset and retries.
func (dm *DeviceManager) ForceReconnect(stop <-chan struct{}) error {
	return dm.reconnect(true, stop)
}

func (dm *DeviceManager) reconnect(force bool, stop <-chan struct{}) error {
	attempts, step := MaxReconnectTries, ReconnectDelay
	if force {
		attempts, step = 3, time.Second
	}

	if dm.HasDevice() {
		dm.dropDevice(false)
	}
	dm.emitEvent(DeviceReconnecting, fmt.Sprintf("Reconnecting (up to %d attempts)", attempts), nil)

	if force {
		select {
		case <-dm.clock.After(DeviceResetWaitTime):
		case <-stop:
			return errReconnectAborted
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := dm.TryConnect()
		if err == nil || IsNoCardError(err) {
			return nil
		}
		lastErr = err
		logger.Printf("reconnect attempt %d/%d failed: %v", attempt, attempts, err)

		select {
		case <-dm.clock.After(step * time.Duration(attempt)):
		case <-stop:
			return errReconnectAborted
		}
	}

	err := fmt.Errorf("reconnect failed after %d attempts: %w", attempts, lastErr)
	dm.emitEvent(DeviceReconnectFailed, err.Error(), lastErr)
	return err
}

// Close closes the current device.
func (dm *DeviceManager) Close() {
	if dm.Ready() {
		dm.dropDevice(false)
	}
}

// HandleError recovers from a GetTags failure and reports whether the
// manager entered a cooldown.
func (dm *DeviceManager) HandleError(err error, stop <-chan struct{}) bool {
	switch {
	case IsCardRemovedError(err) || IsNoCardError(err):
		dm.dropDevice(true)
		return false

	case IsUnsupportedTagError(err):
		logger.Printf("%v", err)
		return false

	case IsIOError(err) || IsDeviceConfigError(err) || IsACR122Error(err):
		logger.Printf("device I/O failure: %v", err)
		dm.dropDevice(false)
		if IsACR122Error(err) {
			dm.startCooldown(DeviceErrorCooldownPeriod, err)
			return true
		}
		select {
		case <-dm.clock.After(PostErrorPauseTime):
		case <-stop:
			return false
		}
		if rerr := dm.ForceReconnect(stop); rerr != nil {
			logger.Printf("force reconnect: %v", rerr)
		}
		return false

	case IsTimeoutError(err) || IsDeviceClosedError(err):
		dm.mu.Lock()
		retry := dm.retryCount
		if retry < MaxRetries {
			dm.retryCount++
		}
		dm.mu.Unlock()

		if retry >= MaxRetries {
			logger.Printf("giving up after %d retries: %v", MaxRetries, err)
			dm.dropDevice(false)
			dm.startCooldown(MaxRetriesCooldownPeriod, err)
			return true
		}

		delay := BaseDelay << retry
		dm.emitEvent(DeviceReconnecting, fmt.Sprintf("Retrying in %v (attempt %d/%d)", delay, retry+1, MaxRetries), err)
		select {
		case <-dm.clock.After(delay):
		case <-stop:
			return false
		}
		if rerr := dm.Reconnect(stop); rerr != nil {
			logger.Printf("reconnect: %v", rerr)
		}
		return false
	}

	logger.Printf("device error: %v", err)
	dm.emitEvent(DeviceError, err.Error(), err)
	return false
}

func (dm *DeviceManager) startCooldown(d time.Duration, cause error) {
	dm.mu.Lock()
	if dm.inCooldown {
		dm.mu.Unlock()
		return
	}
	dm.inCooldown = true
	dm.cooldownTimer.Reset(d)
	dm.mu.Unlock()

	logger.Printf("cooling down for %v", d)
	dm.emitEvent(CooldownStarted, fmt.Sprintf("Cooling down for %v", d), cause)
}

// EndCooldown leaves the cooldown and reconnects.
func (dm *DeviceManager) EndCooldown(stop <-chan struct{}) {
	dm.mu.Lock()
	dm.inCooldown = false
	dm.retryCount = 0
	dm.mu.Unlock()

	dm.emitEvent(CooldownEnded, "Cooldown ended", nil)
	if err := dm.ForceReconnect(stop); err != nil {
		logger.Printf("reconnect after cooldown: %v", err)
	}
}

// CooldownChannel fires when the current cooldown elapses.
func (dm *DeviceManager) CooldownChannel() <-chan time.Time {
	return dm.cooldownTimer.C()
}
