package protocol

import "encoding/json"

// Envelope types.
const (
	TypeHello  = "hello"
	TypeCall   = "call"
	TypeResult = "result"
	TypeEvent  = "event"
	TypePing   = "ping"
	TypePong   = "pong"
)

// Request is a frame sent by the runtime. ID is chosen by the client and
// echoed on the matching result.
type Request struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CallPayload is the payload of a "call" request.
type CallPayload struct {
	Module string          `json:"module"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Result answers a request.
type Result struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	CallResult
}

// Message is a server initiated frame: hello, event or pong.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// EventPayload carries one module event.
type EventPayload struct {
	Name string         `json:"name"`
	Body map[string]any `json:"body"`
}

// HelloPayload is sent once after the connection is accepted.
type HelloPayload struct {
	ConnectionID string       `json:"connectionId"`
	Version      string       `json:"version"`
	Modules      []string     `json:"modules"`
	Reader       ReaderStatus `json:"reader"`
}
