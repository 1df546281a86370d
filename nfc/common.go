package nfc

import (
	"log"
	"os"
	"time"
)

var logger = log.New(os.Stderr, "[nfc] ", log.LstdFlags)

// SetLogger replaces the package logger. A nil logger is ignored.
func SetLogger(l *log.Logger) {
	if l != nil {
		logger = l
	}
}

// Detection is a single tag presentation observed by the Poller.
type Detection struct {
	Tag        Tag
	DetectedAt time.Time
}

// DeviceStatus represents the status of the NFC device.
type DeviceStatus struct {
	Connected   bool   `json:"connected"`
	Device      string `json:"device,omitempty"`
	Message     string `json:"message,omitempty"`
	CardPresent bool   `json:"cardPresent"`
}
