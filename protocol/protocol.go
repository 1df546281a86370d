// Package protocol holds the wire types spoken between the agent and an
// application runtime. It has no server dependencies so clients can
// import it on its own.
package protocol

import "encoding/json"

// HandshakeRequest trades the configured API secret for a token.
type HandshakeRequest struct {
	Secret string `json:"secret,omitempty"`
}

type HandshakeResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"` // RFC3339
}

// CallRequest is the body of POST /api/v1/modules/{module}/{method}.
// Args is the positional argument list, e.g. ["onTagDiscovered"].
type CallRequest struct {
	Args json.RawMessage `json:"args,omitempty"`
}

// CallResult settles a method call over HTTP or WebSocket.
type CallResult struct {
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status    string       `json:"status"`
	Version   string       `json:"version"`
	Reader    ReaderStatus `json:"reader"`
	Timestamp string       `json:"timestamp"`
}

type ReaderStatus struct {
	Connected   bool   `json:"connected"`
	Device      string `json:"device,omitempty"`
	Message     string `json:"message,omitempty"`
	CardPresent bool   `json:"cardPresent"`
}

// Error codes used by the transport itself. Module reject codes such as
// "nfc_disabled" pass through unchanged.
const (
	ErrCodeUnauthorized   = "unauthorized"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeUnknownType    = "unknown_type"
)
