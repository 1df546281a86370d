package nfc

import "fmt"

// Manager handles NFC device discovery.
//
// Manager provides methods to list available NFC readers and open connections
// to devices.
//
// Example:
//
//	manager := nfc.NewManager()
//	devices, _ := manager.ListDevices()
//	device, _ := manager.OpenDevice(devices[0])
//	tags, _ := device.GetTags()
type Manager interface {
	OpenDevice(deviceStr string) (Device, error)
	ListDevices() ([]string, error)
}

// DeviceChangeNotifier is optionally implemented by Managers that support
// notifying when devices are added or removed.
type DeviceChangeNotifier interface {
	DeviceChanges() <-chan struct{}
}

// Releaser is implemented by Managers holding host resources.
type Releaser interface {
	Release() error
}

// NewManager creates a new Manager using the default libnfc/freefare implementation.
func NewManager() Manager {
	return &libnfcManager{}
}

// NewManagerForDriver returns the Manager for a driver name ("libnfc" or "pcsc").
// An empty name selects libnfc.
func NewManagerForDriver(driver string) (Manager, error) {
	switch driver {
	case "", DriverLibNFC:
		return NewManager(), nil
	case DriverPCSC:
		return newPCSCManager(), nil
	default:
		return nil, fmt.Errorf("unknown NFC driver %q (want %q or %q)", driver, DriverLibNFC, DriverPCSC)
	}
}
