package nfc

// Device represents an NFC reader hardware device.
//
// A Device is obtained from a Manager and polls for tags in range.
//
// Example:
//
//	manager := nfc.NewManager()
//	device, err := manager.OpenDevice("")
//	defer device.Close()
type Device interface {
	Close() error
	InitiatorInit() error
	String() string
	Connection() string
	GetTags() ([]Tag, error)
}

// DeviceInfoProvider is optionally implemented by devices that can describe
// their driver.
type DeviceInfoProvider interface {
	DeviceType() string
}
