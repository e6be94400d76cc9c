package telephony

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corvexai/segment-gateway/internal/audio"
	"github.com/corvexai/segment-gateway/internal/config"
	"github.com/corvexai/segment-gateway/internal/observability"
	"github.com/corvexai/segment-gateway/internal/sink"
)

// recordingSink captures published events and signals each arrival.
type recordingSink struct {
	mu     sync.Mutex
	events []sink.Event
	ch     chan sink.Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan sink.Event, 16)}
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Publish(ctx context.Context, event sink.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	r.ch <- event
	return nil
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) await(t *testing.T, n int, timeout time.Duration) []sink.Event {
	t.Helper()
	deadline := time.After(timeout)
	var out []sink.Event
	for len(out) < n {
		select {
		case event := <-r.ch:
			out = append(out, event)
		case <-deadline:
			t.Fatalf("Timed out waiting for %d events, got %d", n, len(out))
		}
	}
	return out
}

func gatewayTestConfig() *config.Config {
	return &config.Config{
		SampleRate:       8000,
		FrameMs:          32, // 256 samples per frame
		SpeechThreshold:  0.45,
		SilenceThreshold: -1, // derived: 0.30
		MinSilenceMs:     64, // 512 samples
		MinSpeechMs:      32, // 256 samples
		SpeechPadMs:      0,
		EnergyPivot:      1000,
		AudioBufferSize:  8192,
	}
}

// mulawFrame builds one frame's base64 media payload from a repeated PCMU
// byte. 0xFF decodes to silence; 0x80 decodes to a loud +8031.
func mulawFrame(b byte, samples int) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{b}, samples))
}

func TestGateway_MediaStreamSession(t *testing.T) {
	events := newRecordingSink()
	gw := NewGateway(gatewayTestConfig(), events, nil)

	server := httptest.NewServer(gw.HandleMediaStream())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	send := func(v interface{}) {
		t.Helper()
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("WriteJSON failed: %v", err)
		}
	}

	send(map[string]interface{}{"event": "connected"})
	send(map[string]interface{}{
		"event":     "start",
		"callSid":   "CA123",
		"streamSid": "MZ123",
		"start": map[string]interface{}{
			"accountSid": "AC123",
			"callSid":    "CA123",
			"streamSid":  "MZ123",
		},
	})

	// Three silent frames, four loud frames, three silent frames: one
	// segment with the start on frame 4 and the end maturing on frame 10.
	markers := []byte{0xFF, 0xFF, 0xFF, 0x80, 0x80, 0x80, 0x80, 0xFF, 0xFF, 0xFF}
	for _, m := range markers {
		send(map[string]interface{}{
			"event": "media",
			"media": map[string]interface{}{"payload": mulawFrame(m, 256)},
		})
	}

	send(map[string]interface{}{
		"event":     "stop",
		"callSid":   "CA123",
		"streamSid": "MZ123",
	})

	got := events.await(t, 2, 2*time.Second)

	if got[0].Kind != "speech_start" {
		t.Errorf("Expected speech_start, got %s", got[0].Kind)
	}
	// Start triggers at sample 1024: 1024 - 0 - 256 = 768.
	if got[0].OffsetSamples != 768 {
		t.Errorf("Expected start offset 768, got %d", got[0].OffsetSamples)
	}

	if got[1].Kind != "speech_end" {
		t.Errorf("Expected speech_end, got %s", got[1].Kind)
	}
	// Provisional end at sample 2048: 2048 - 256 = 1792.
	if got[1].OffsetSamples != 1792 {
		t.Errorf("Expected end offset 1792, got %d", got[1].OffsetSamples)
	}

	for i, event := range got {
		if event.SessionID == "" {
			t.Errorf("Event %d: expected a session ID", i)
		}
		if event.StreamSID != "MZ123" {
			t.Errorf("Event %d: expected stream SID MZ123, got %s", i, event.StreamSID)
		}
		if event.SampleRate != 8000 {
			t.Errorf("Event %d: expected sample rate 8000, got %d", i, event.SampleRate)
		}
		if event.ID == "" {
			t.Errorf("Event %d: expected an event ID", i)
		}
	}
	if got[0].SessionID != got[1].SessionID {
		t.Errorf("Expected both events from one session, got %s and %s",
			got[0].SessionID, got[1].SessionID)
	}
	if want := float64(768) / float64(8000); got[0].OffsetSeconds != want {
		t.Errorf("Expected start offset %gs, got %gs", want, got[0].OffsetSeconds)
	}
}

func TestGateway_ClientDisconnectEndsSession(t *testing.T) {
	events := newRecordingSink()
	gw := NewGateway(gatewayTestConfig(), events, nil)

	server := httptest.NewServer(gw.HandleMediaStream())
	// Close waits for the handler, so the test hangs if the session leaks.
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	if err := conn.WriteJSON(map[string]interface{}{"event": "connected"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	conn.Close()
}

func TestHandleMediaEvent_ChunkAndPayloadFields(t *testing.T) {
	s := &CallSession{
		audioInBuffer: audio.NewRingBuffer(1024),
		audioNotify:   make(chan struct{}, 1),
		metrics:       observability.NewSessionMetrics("test"),
		logger:        observability.GetLogger(),
	}

	encoded := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})

	s.handleMediaEvent(&TwilioMedia{Chunk: encoded})
	if s.audioInBuffer.Available() != 4 {
		t.Errorf("Expected 4 buffered bytes from chunk field, got %d", s.audioInBuffer.Available())
	}

	// Some stream sources use payload instead of chunk
	s.handleMediaEvent(&TwilioMedia{Payload: encoded})
	if s.audioInBuffer.Available() != 8 {
		t.Errorf("Expected 8 buffered bytes after payload field, got %d", s.audioInBuffer.Available())
	}

	// Invalid base64 and empty media must be ignored
	s.handleMediaEvent(&TwilioMedia{Chunk: "not base64!"})
	s.handleMediaEvent(&TwilioMedia{})
	if s.audioInBuffer.Available() != 8 {
		t.Errorf("Expected bad media ignored, got %d buffered bytes", s.audioInBuffer.Available())
	}

	select {
	case <-s.audioNotify:
	default:
		t.Error("Expected a pending wake-up after buffering audio")
	}
}
