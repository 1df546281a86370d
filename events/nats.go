package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dubu/turbo-nfc/bridge"
)

const DefaultNATSSubject = "turbonfc.events"

// NATSConfig configures a NATSSink.
type NATSConfig struct {
	// URL is the NATS server URL. Defaults to nats.DefaultURL.
	URL string

	// Subject is the prefix; events go to "<Subject>.<event name>".
	Subject string

	ConnectTimeout time.Duration
	Source         string
}

// NATSSink publishes events as JSON on per-event NATS subjects.
type NATSSink struct {
	conn    *nats.Conn
	subject string
	source  string
}

func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultNATSSubject
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("turbo-nfc"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Printf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Printf("nats reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &NATSSink{conn: conn, subject: cfg.Subject, source: cfg.Source}, nil
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(event string) string {
	return fmt.Sprintf("%s.%s", s.subject, event)
}

func (s *NATSSink) Publish(ctx context.Context, ev bridge.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encode(ev, s.source)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Name, err)
	}
	return s.conn.Publish(s.Subject(ev.Name), payload)
}

func (s *NATSSink) Close() error {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}
