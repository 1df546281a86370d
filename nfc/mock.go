package nfc

import (
	"fmt"
	"sync"
)

// MockManager is a Manager backed by in-memory fixtures.
//
// Example:
//
//	manager := NewMockManager()
//	manager.MockDevice.SetTags([]Tag{NewMockTag("04A1B2C3")})
//	poller, _ := NewPoller(manager, "", nil)
type MockManager struct {
	// DevicesList is returned by ListDevices.
	DevicesList []string

	// ListDevicesError, if set, is returned by ListDevices.
	ListDevicesError error

	// MockDevice is returned by OpenDevice. A fresh MockDevice is created when nil.
	MockDevice *MockDevice

	// OpenDeviceError, if set, is returned by OpenDevice.
	OpenDeviceError error

	// CallLog records method calls in order.
	CallLog []string

	mu sync.Mutex
}

// NewMockManager returns a manager with one reader, "mock:usb:001".
func NewMockManager() *MockManager {
	return &MockManager{
		DevicesList: []string{"mock:usb:001"},
		MockDevice:  NewMockDevice(),
	}
}

func (m *MockManager) OpenDevice(deviceStr string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, fmt.Sprintf("OpenDevice(%s)", deviceStr))
	if m.OpenDeviceError != nil {
		return nil, m.OpenDeviceError
	}
	if m.MockDevice == nil {
		m.MockDevice = NewMockDevice()
	}
	m.MockDevice.reopen(deviceStr)
	return m.MockDevice, nil
}

func (m *MockManager) ListDevices() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "ListDevices")
	if m.ListDevicesError != nil {
		return nil, m.ListDevicesError
	}
	return append([]string(nil), m.DevicesList...), nil
}

// SetOpenDeviceError changes the OpenDevice failure while the manager is in use.
func (m *MockManager) SetOpenDeviceError(err error) {
	m.mu.Lock()
	m.OpenDeviceError = err
	m.mu.Unlock()
}

// SetDevices changes the reader list while the manager is in use.
func (m *MockManager) SetDevices(devices []string) {
	m.mu.Lock()
	m.DevicesList = devices
	m.mu.Unlock()
}

// GetCallLog returns a copy of the call log.
func (m *MockManager) GetCallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}

// MockDevice is a Device whose tags and failures are set by the test.
type MockDevice struct {
	DeviceName       string
	DeviceConnection string
	IsOpen           bool

	// InitError, if set, is returned by InitiatorInit.
	InitError error

	// CloseError, if set, is returned by Close.
	CloseError error

	// GetTagsFunc overrides Tags and GetTagsError when set.
	GetTagsFunc func() ([]Tag, error)

	Tags         []Tag
	GetTagsError error

	CallLog []string

	mu sync.Mutex
}

func NewMockDevice() *MockDevice {
	return &MockDevice{
		DeviceName:       "Mock NFC Reader",
		DeviceConnection: "mock:usb:001",
		IsOpen:           true,
	}
}

func (m *MockDevice) reopen(conn string) {
	m.mu.Lock()
	m.DeviceConnection = conn
	m.IsOpen = true
	m.mu.Unlock()
}

func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "Close")
	if m.CloseError != nil {
		return m.CloseError
	}
	m.IsOpen = false
	return nil
}

func (m *MockDevice) InitiatorInit() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "InitiatorInit")
	if m.InitError != nil {
		return m.InitError
	}
	if !m.IsOpen {
		return ErrDeviceClosed
	}
	return nil
}

func (m *MockDevice) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.DeviceName
}

func (m *MockDevice) Connection() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.DeviceConnection
}

func (m *MockDevice) DeviceType() string { return "mock" }

func (m *MockDevice) GetTags() ([]Tag, error) {
	m.mu.Lock()
	fn := m.GetTagsFunc
	m.CallLog = append(m.CallLog, "GetTags")
	if fn == nil {
		defer m.mu.Unlock()
		if m.GetTagsError != nil {
			return nil, m.GetTagsError
		}
		return append([]Tag(nil), m.Tags...), nil
	}
	m.mu.Unlock()
	return fn()
}

// SetTags replaces the tags in the field.
func (m *MockDevice) SetTags(tags []Tag) {
	m.mu.Lock()
	m.Tags = tags
	m.mu.Unlock()
}

// SetGetTagsError makes GetTags fail until cleared with nil.
func (m *MockDevice) SetGetTagsError(err error) {
	m.mu.Lock()
	m.GetTagsError = err
	m.mu.Unlock()
}

// GetCallLog returns a copy of the call log.
func (m *MockDevice) GetCallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}

// MockTag is a Tag with settable fields.
type MockTag struct {
	TagUID  string
	TagType string
	TagTech string
}

// NewMockTag returns a MIFARE Classic 1K tag with the given UID.
func NewMockTag(uid string) *MockTag {
	return &MockTag{
		TagUID:  uid,
		TagType: CardTypeMifareClassic1K,
		TagTech: TechISO14443A,
	}
}

func (m *MockTag) UID() string        { return m.TagUID }
func (m *MockTag) Type() string       { return m.TagType }
func (m *MockTag) Technology() string { return m.TagTech }
func (m *MockTag) String() string     { return "MockTag{" + m.TagUID + "}" }
