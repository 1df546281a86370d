package nfc

import (
	"errors"
	"strings"
)

// Sentinel errors for device operations
var (
	// ErrTimeout indicates a timeout occurred during device communication
	ErrTimeout = errors.New("device operation timed out")

	// ErrDeviceClosed indicates the device connection was closed
	ErrDeviceClosed = errors.New("device closed")

	// ErrIO indicates an input/output error with the device
	ErrIO = errors.New("device I/O error")

	// ErrDeviceConfig indicates a device configuration error
	ErrDeviceConfig = errors.New("device configuration error")

	// ErrNoReaders is returned when the host stack lists no readers at all.
	ErrNoReaders = errors.New("no NFC readers found")

	// ErrACR122 marks ACR122 USB failures that need the reader left idle.
	ErrACR122 = errors.New("ACR122 reader fault")
)

// noCardError is returned when attempting to connect to a reader with no card present.
// This is a normal condition for PC/SC readers and should not be treated as a device error.
type noCardError struct {
	ReaderName string
}

func (e *noCardError) Error() string {
	return "no card present in reader " + e.ReaderName
}

// IsNoCardError checks if an error indicates no card is present in the reader.
func IsNoCardError(err error) bool {
	if err == nil {
		return false
	}
	var noCard *noCardError
	if errors.As(err, &noCard) {
		return true
	}
	errLower := strings.ToLower(err.Error())
	return strings.Contains(errLower, "no card present") ||
		strings.Contains(errLower, "no smart card") ||
		strings.Contains(errLower, "card is not present")
}

// unsupportedTagError is returned when a tag is present but its type is not supported.
type unsupportedTagError struct {
	ATR string
}

func (e *unsupportedTagError) Error() string {
	return "unsupported tag type (ATR: " + e.ATR + ")"
}

// NewUnsupportedTagError creates an unsupported tag error.
func NewUnsupportedTagError(atr string) error {
	return &unsupportedTagError{ATR: atr}
}

// IsUnsupportedTagError checks if an error indicates the tag type is not supported.
func IsUnsupportedTagError(err error) bool {
	if err == nil {
		return false
	}
	var unsupported *unsupportedTagError
	return errors.As(err, &unsupported)
}

// cardRemovedError indicates the card was removed during an operation.
// The device connection has to be reopened to see the next card.
type cardRemovedError struct {
	Cause error
}

func (e *cardRemovedError) Error() string {
	if e.Cause != nil {
		return "card was removed: " + e.Cause.Error()
	}
	return "card was removed"
}

func (e *cardRemovedError) Unwrap() error {
	return e.Cause
}

// NewCardRemovedError creates a card removed error.
func NewCardRemovedError(cause error) error {
	return &cardRemovedError{Cause: cause}
}

// IsCardRemovedError checks if an error indicates the card was removed during operation.
func IsCardRemovedError(err error) bool {
	if err == nil {
		return false
	}
	var cardRemoved *cardRemovedError
	return errors.As(err, &cardRemoved)
}

// Error checking helpers. libnfc reports most failures as plain strings,
// so each helper checks the typed error first and falls back to matching
// the messages the host stack is known to produce.

func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Operation timed out") ||
		strings.Contains(errStr, "operation timed out") ||
		strings.Contains(errStr, "Unable to write to USB") ||
		strings.Contains(errStr, "timeout")
}

func IsDeviceClosedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDeviceClosed) {
		return true
	}
	return strings.Contains(err.Error(), "device closed")
}

func IsIOError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrIO) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "input / output error") ||
		strings.Contains(errStr, "Input/output error") ||
		strings.Contains(errStr, "i/o error") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "Operation not permitted")
}

func IsDeviceConfigError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDeviceConfig) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "device not configured") ||
		strings.Contains(errStr, "Device not configured") ||
		strings.Contains(errStr, "Unable to write to USB") ||
		strings.Contains(errStr, "RDR_to_PC_DataBlock")
}

// IsACR122Error reports the ACR122 failure modes that only clear after the
// reader has been left alone for a while.
func IsACR122Error(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrACR122) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Operation not permitted") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "RDR_to_PC_DataBlock")
}

// IsRecoverableError reports whether the device manager knows how to recover
// from err (by reconnecting or cooling down).
func IsRecoverableError(err error) bool {
	return IsIOError(err) || IsDeviceConfigError(err) || IsTimeoutError(err) || IsDeviceClosedError(err)
}
