package bridge

// Event names emitted by the NFC module.
const (
	EventTagDiscovered = "onTagDiscovered"
	EventStatusChange  = "nfcStatusChange"
	EventSessionError  = "nfcSessionError"
)

// nfcStatusChange status values.
const (
	StatusActive  = "active"
	StatusStopped = "Stopped NFC scanning"
)

// Event is one notification pushed to the application runtime.
type Event struct {
	Name string         `json:"name"`
	Body map[string]any `json:"body"`
}
