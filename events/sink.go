// Package events relays module events to message brokers so that
// consumers other than the connected runtime can react to tag reads.
package events

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/dubu/turbo-nfc/bridge"
)

var logger = log.New(os.Stderr, "[events] ", log.LstdFlags)

// SetLogger replaces the package logger.
func SetLogger(l *log.Logger) {
	logger = l
}

// Sink receives every event the module emits.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev bridge.Event) error
	Close() error
}

// Message is the wire form published by the broker sinks.
type Message struct {
	Name      string         `json:"name"`
	Body      map[string]any `json:"body"`
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func encode(ev bridge.Event, source string) ([]byte, error) {
	return json.Marshal(Message{
		Name:      ev.Name,
		Body:      ev.Body,
		Source:    source,
		Timestamp: time.Now().UTC(),
	})
}
