// Package sink delivers speech boundary events to downstream consumers.
// Sinks are fanned out in registration order so every consumer observes
// events in the order the segmenter emitted them.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corvexai/segment-gateway/internal/observability"
)

// Event is a speech boundary crossing detected on one media stream.
type Event struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	StreamSID     string    `json:"stream_sid,omitempty"`
	Kind          string    `json:"kind"`
	OffsetSamples int       `json:"offset_samples"`
	OffsetSeconds float64   `json:"offset_seconds"`
	SampleRate    int       `json:"sample_rate"`
	EmittedAt     time.Time `json:"emitted_at"`
}

// NewEvent builds an Event with a fresh ID and timestamp.
func NewEvent(sessionID, streamSID, kind string, offsetSamples, sampleRate int) Event {
	return Event{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		StreamSID:     streamSID,
		Kind:          kind,
		OffsetSamples: offsetSamples,
		OffsetSeconds: float64(offsetSamples) / float64(sampleRate),
		SampleRate:    sampleRate,
		EmittedAt:     time.Now().UTC(),
	}
}

// Sink receives speech boundary events.
type Sink interface {
	// Name identifies the sink in logs and metrics
	Name() string

	// Publish delivers one event
	Publish(ctx context.Context, event Event) error

	// Close releases the sink's resources
	Close() error
}

// Fanout delivers each event to every registered sink in order.
type Fanout struct {
	sinks []Sink
}

// NewFanout creates a fanout over the given sinks
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Name implements Sink
func (f *Fanout) Name() string { return "fanout" }

// Publish delivers the event to every sink. A failing sink does not stop
// delivery to the remaining sinks; all failures are returned together.
func (f *Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, event); err != nil {
			observability.RecordSinkError(s.Name())
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		observability.RecordSinkPublish(s.Name())
	}
	return errors.Join(errs...)
}

// Close closes every sink and returns the collected errors
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to the structured log so operators can follow
// segmentation without any downstream configured.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that logs each event
func NewLogSink() *LogSink {
	return &LogSink{logger: observability.GetLogger()}
}

// Name implements Sink
func (s *LogSink) Name() string { return "log" }

// Publish implements Sink
func (s *LogSink) Publish(ctx context.Context, event Event) error {
	s.logger.Info().
		Str("event_id", event.ID).
		Str("session_id", event.SessionID).
		Str("kind", event.Kind).
		Int("offset_samples", event.OffsetSamples).
		Float64("offset_seconds", event.OffsetSeconds).
		Msg("Speech boundary event")
	return nil
}

// Close implements Sink
func (s *LogSink) Close() error { return nil }
