package sink

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// recordingSink captures published events for assertions
type recordingSink struct {
	name   string
	events []Event
	err    error
	closed bool
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Publish(ctx context.Context, event Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

func TestNewEvent(t *testing.T) {
	event := NewEvent("sess-1", "MZ123", "speech_start", 4000, 8000)

	if event.ID == "" {
		t.Error("Expected event ID to be set")
	}
	if event.SessionID != "sess-1" {
		t.Errorf("Expected session sess-1, got %s", event.SessionID)
	}
	if event.Kind != "speech_start" {
		t.Errorf("Expected kind speech_start, got %s", event.Kind)
	}
	if event.OffsetSamples != 4000 {
		t.Errorf("Expected offset 4000 samples, got %d", event.OffsetSamples)
	}
	if event.OffsetSeconds != 0.5 {
		t.Errorf("Expected offset 0.5s, got %f", event.OffsetSeconds)
	}
	if event.EmittedAt.IsZero() {
		t.Error("Expected emitted timestamp to be set")
	}
	if time.Since(event.EmittedAt) > time.Minute {
		t.Error("Expected emitted timestamp to be recent")
	}
}

func TestFanout_DeliversInOrder(t *testing.T) {
	first := &recordingSink{name: "first"}
	second := &recordingSink{name: "second"}
	fanout := NewFanout(first, second)

	events := []Event{
		NewEvent("sess-1", "", "speech_start", 512, 8000),
		NewEvent("sess-1", "", "speech_end", 4096, 8000),
	}

	for _, event := range events {
		if err := fanout.Publish(context.Background(), event); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	for _, s := range []*recordingSink{first, second} {
		if len(s.events) != 2 {
			t.Fatalf("Expected sink %s to receive 2 events, got %d", s.name, len(s.events))
		}
		if s.events[0].Kind != "speech_start" || s.events[1].Kind != "speech_end" {
			t.Errorf("Expected sink %s to receive events in emit order", s.name)
		}
	}
}

func TestFanout_FailingSinkDoesNotBlockOthers(t *testing.T) {
	failing := &recordingSink{name: "webhook", err: errors.New("connection refused")}
	healthy := &recordingSink{name: "journal"}
	fanout := NewFanout(failing, healthy)

	err := fanout.Publish(context.Background(), NewEvent("sess-1", "", "speech_start", 512, 8000))

	if err == nil {
		t.Fatal("Expected error from failing sink")
	}
	if !strings.Contains(err.Error(), "webhook") {
		t.Errorf("Expected error to name the failing sink, got %v", err)
	}
	if len(healthy.events) != 1 {
		t.Errorf("Expected healthy sink to still receive the event, got %d", len(healthy.events))
	}
}

func TestFanout_Close(t *testing.T) {
	first := &recordingSink{name: "first"}
	second := &recordingSink{name: "second"}
	fanout := NewFanout(first, second)

	if err := fanout.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !first.closed || !second.closed {
		t.Error("Expected all sinks to be closed")
	}
}

func TestLogSink_Publish(t *testing.T) {
	s := NewLogSink()

	if s.Name() != "log" {
		t.Errorf("Expected name log, got %s", s.Name())
	}
	if err := s.Publish(context.Background(), NewEvent("sess-1", "", "speech_end", 8192, 8000)); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Expected no error on close, got %v", err)
	}
}
