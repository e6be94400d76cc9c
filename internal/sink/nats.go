package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/corvexai/segment-gateway/internal/config"
	"github.com/corvexai/segment-gateway/internal/resilience"
)

// NATSSink publishes events onto a per-session NATS subject so consumers can
// subscribe to one stream or the full wildcard.
type NATSSink struct {
	conn *nats.Conn
}

// SubjectForSession returns the subject a session's events are published on
func SubjectForSession(sessionID string) string {
	return fmt.Sprintf("segments.events.%s", sessionID)
}

// NewNATSSink connects to the NATS server, retrying with backoff so the
// gateway can come up before the broker during deployment.
func NewNATSSink(ctx context.Context, cfg *config.Config) (*NATSSink, error) {
	if cfg.NATSURL == "" {
		return nil, errors.New("nats url is required")
	}

	var conn *nats.Conn
	connect := func() error {
		var err error
		conn, err = nats.Connect(cfg.NATSURL,
			nats.Name("segment-gateway"),
			nats.Timeout(5*time.Second),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		return err
	}

	reconnectConfig := &resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}

	if err := resilience.Reconnect(ctx, connect, reconnectConfig); err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
	}

	return &NATSSink{conn: conn}, nil
}

// Name implements Sink
func (s *NATSSink) Name() string { return "nats" }

// Publish implements Sink
func (s *NATSSink) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := s.conn.Publish(SubjectForSession(event.SessionID), payload); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}
	return nil
}

// Healthy reports whether the connection is currently established
func (s *NATSSink) Healthy() bool {
	return s.conn != nil && s.conn.Status() == nats.CONNECTED
}

// Close drains buffered messages and closes the connection
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
