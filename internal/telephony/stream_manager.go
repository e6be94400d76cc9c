package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/corvexai/segment-gateway/internal/audio"
	"github.com/corvexai/segment-gateway/internal/config"
	"github.com/corvexai/segment-gateway/internal/journal"
	"github.com/corvexai/segment-gateway/internal/observability"
	"github.com/corvexai/segment-gateway/internal/segmenter"
	"github.com/corvexai/segment-gateway/internal/sink"
	"github.com/corvexai/segment-gateway/internal/stt"
	"github.com/corvexai/segment-gateway/internal/vad"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin against Twilio's IP ranges
		// For now, allow all origins (development only)
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// TwilioMessage represents a message from Twilio Media Streams
type TwilioMessage struct {
	Event      string       `json:"event"`
	StreamSid  string       `json:"streamSid,omitempty"`
	AccountSid string       `json:"accountSid,omitempty"`
	CallSid    string       `json:"callSid,omitempty"`
	Tracks     []string     `json:"tracks,omitempty"`
	Media      *TwilioMedia `json:"media,omitempty"`
	Start      *TwilioStart `json:"start,omitempty"`
	Stop       *TwilioStop  `json:"stop,omitempty"`
}

// TwilioMedia represents the media payload in a media event
type TwilioMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"` // Base64 encoded audio
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"` // Alternative field name for chunk
}

// TwilioStart represents the start event payload
type TwilioStart struct {
	AccountSid string   `json:"accountSid"`
	CallSid    string   `json:"callSid"`
	Tracks     []string `json:"tracks"`
	StreamSid  string   `json:"streamSid"`
}

// TwilioStop represents the stop event payload
type TwilioStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
	StreamSid  string `json:"streamSid"`
}

// Gateway owns the resources shared across media stream sessions: the event
// sinks, the segment journal, and the STT client factory.
type Gateway struct {
	config  *config.Config
	events  sink.Sink
	journal *journal.Store

	// newSTT is nil when transcription forwarding is disabled
	newSTT func() stt.STTClient
}

// NewGateway creates a gateway publishing to events and recording sessions in
// store. Transcription forwarding activates only when an API key is set.
func NewGateway(cfg *config.Config, events sink.Sink, store *journal.Store) *Gateway {
	g := &Gateway{
		config:  cfg,
		events:  events,
		journal: store,
	}
	if cfg.DeepgramAPIKey != "" {
		g.newSTT = func() stt.STTClient { return stt.NewDeepgramClient(cfg) }
	}
	return g
}

// CallSession holds the state of a single media stream connection
type CallSession struct {
	// Connection
	conn *websocket.Conn

	// Session identifiers
	sessionID  string
	callSid    string
	streamSid  string
	accountSid string

	// State management
	mu       sync.RWMutex
	isActive bool

	// Shared gateway resources
	gateway *Gateway

	// Incoming audio ring plus its wake-up signal
	audioInBuffer *audio.RingBuffer
	audioNotify   chan struct{}

	// Segmentation pipeline
	pipeline *segmenter.Pipeline

	// STT client for transcribing forwarded segments, nil when disabled
	sttClient stt.STTClient

	// Segment events awaiting publication
	eventQueue chan sink.Event

	// Sample offset of the open segment, maintained on the audio goroutine
	lastStartOffset int

	// Configuration
	config *config.Config

	// Observability
	correlationID string
	metrics       *observability.Metrics
	logger        zerolog.Logger

	// Control channels. audioDone closes after the audio goroutine has
	// flushed its final frames, so event publishing drains afterwards.
	done      chan struct{}
	audioDone chan struct{}
	errChan   chan error
}

// newCallSession creates a new media stream session
func (g *Gateway) newCallSession(conn *websocket.Conn) (*CallSession, error) {
	// Generate correlation ID for this session
	correlationID := observability.NewCorrelationID()
	sessionID := generateSessionID()

	// Create logger with correlation ID
	logger := observability.WithCorrelationID(correlationID).
		With().
		Str("session_id", sessionID).
		Logger()

	// Create metrics tracker
	metrics := observability.NewSessionMetrics(sessionID)
	metrics.RecordSessionStart()

	s := &CallSession{
		conn:            conn,
		sessionID:       sessionID,
		gateway:         g,
		audioInBuffer:   audio.NewRingBuffer(g.config.AudioBufferSize),
		audioNotify:     make(chan struct{}, 1),
		eventQueue:      make(chan sink.Event, 100), // Buffered so publishing never stalls the audio path
		lastStartOffset: -1,
		config:          g.config,
		correlationID:   correlationID,
		metrics:         metrics,
		logger:          logger,
		done:            make(chan struct{}),
		audioDone:       make(chan struct{}),
		errChan:         make(chan error, 1),
		isActive:        true,
	}

	scorer, err := audio.NewEnergyScorer(g.config.EnergyPivot)
	if err != nil {
		return nil, err
	}

	pipeline, err := segmenter.New(segmenter.Config{
		Engine:        g.config.SegmentationConfig(),
		FrameLength:   g.config.FrameLength(),
		PreRollFrames: g.config.PreRollFrames(),
		Scorer:        scorer,
		Callbacks: segmenter.Callbacks{
			OnSpeechStart: s.onSpeechStart,
			OnSpeechEnd:   s.onSpeechEnd,
			OnFrame:       s.onFrame,
		},
	})
	if err != nil {
		return nil, err
	}
	s.pipeline = pipeline

	if g.newSTT != nil {
		s.sttClient = g.newSTT()
	}

	return s, nil
}

// HandleMediaStream is the entry point for media stream WebSocket connections
func (g *Gateway) HandleMediaStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := observability.GetLogger()

		// Upgrade HTTP connection to WebSocket
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()

		// Create new media stream session
		session, err := g.newCallSession(conn)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create media stream session")
			return
		}
		session.logger.Info().Msg("New media stream connection established")

		// Start processing goroutines
		go session.processIncomingMessages()
		go session.processIncomingAudio()
		go session.processEventQueue()

		// Wait for session to complete or error
		select {
		case <-session.done:
			session.logger.Info().
				Str("call_sid", session.GetCallSid()).
				Msg("Media stream session ended")
		case err := <-session.errChan:
			session.logger.Error().Err(err).Msg("Media stream session error")
		}
	}
}

// processIncomingMessages handles all incoming WebSocket messages
func (s *CallSession) processIncomingMessages() {
	defer func() {
		// Cleanup STT client when session ends
		if s.sttClient != nil {
			if err := s.sttClient.Close(); err != nil {
				s.logger.Error().Err(err).Msg("Error closing STT client")
			}
		}

		// Stamp the session's end in the journal. The socket may already be
		// gone, so the write gets its own deadline.
		if s.gateway.journal != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.gateway.journal.EndSession(ctx, s.sessionID); err != nil {
				s.logger.Error().Err(err).Msg("Failed to record session end in journal")
				s.metrics.RecordError("journal_error", "journal")
			}
			cancel()
		}

		s.metrics.RecordSessionEnd()
		close(s.done)
	}()

	for {
		// Check if session is still active
		s.mu.RLock()
		active := s.isActive
		s.mu.RUnlock()

		if !active {
			return
		}

		// Read message from WebSocket
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			s.mu.Lock()
			s.isActive = false
			s.mu.Unlock()
			return
		}

		// Parse media stream message
		var twilioMsg TwilioMessage
		if err := json.Unmarshal(message, &twilioMsg); err != nil {
			s.logger.Error().Err(err).Msg("Failed to parse media stream message")
			continue
		}

		// Handle different event types
		switch twilioMsg.Event {
		case "connected":
			s.logger.Info().
				Str("stream_sid", twilioMsg.StreamSid).
				Msg("Media stream connected")
			s.mu.Lock()
			s.streamSid = twilioMsg.StreamSid
			s.mu.Unlock()

		case "start":
			s.logger.Info().
				Str("call_sid", twilioMsg.CallSid).
				Str("stream_sid", twilioMsg.StreamSid).
				Msg("Media stream started")
			s.mu.Lock()
			s.callSid = twilioMsg.CallSid
			s.streamSid = twilioMsg.StreamSid
			if twilioMsg.Start != nil {
				s.accountSid = twilioMsg.Start.AccountSid
			}
			streamSid := s.streamSid
			s.mu.Unlock()

			// Record the session so journaled events can be joined back
			// to their stream
			if s.gateway.journal != nil {
				if err := s.gateway.journal.AppendSession(context.Background(), s.sessionID, streamSid, s.config.SampleRate); err != nil {
					s.logger.Error().Err(err).Msg("Failed to record session in journal")
					s.metrics.RecordError("journal_error", "journal")
				}
			}

			// Initialize the streaming STT connection
			if s.sttClient != nil {
				if err := s.sttClient.Start(); err != nil {
					s.logger.Error().Err(err).Msg("Error starting Deepgram client")
					// Segmentation continues without transcription
				} else {
					s.logger.Info().Msg("Deepgram streaming connection initialized")

					// Start goroutine to process transcriptions
					go s.processTranscriptions()
				}
			}

		case "media":
			// Handle audio media event
			if twilioMsg.Media != nil {
				s.handleMediaEvent(twilioMsg.Media)
			}

		case "stop":
			s.logger.Info().
				Str("call_sid", twilioMsg.CallSid).
				Msg("Media stream stopped")
			s.mu.Lock()
			s.isActive = false
			s.mu.Unlock()

			// Stop the streaming STT connection
			if s.sttClient != nil {
				if err := s.sttClient.Stop(); err != nil {
					s.logger.Error().Err(err).Msg("Error stopping Deepgram client")
				}
			}
			return

		default:
			s.logger.Debug().Str("event", twilioMsg.Event).Msg("Unknown media stream event")
		}
	}
}

// handleMediaEvent processes a media event
func (s *CallSession) handleMediaEvent(media *TwilioMedia) {
	// Extract base64 encoded audio chunk
	var base64Chunk string
	if media.Chunk != "" {
		base64Chunk = media.Chunk
	} else if media.Payload != "" {
		base64Chunk = media.Payload
	} else {
		s.logger.Warn().Msg("Media event missing chunk/payload")
		return
	}

	// Decode base64 to binary
	audioData, err := base64.StdEncoding.DecodeString(base64Chunk)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to decode base64 audio")
		return
	}

	s.metrics.RecordAudioBytes(int64(len(audioData)))

	// Buffer the payload for the audio goroutine
	written := s.audioInBuffer.Write(audioData)
	if written < len(audioData) {
		s.logger.Warn().
			Int("dropped", len(audioData)-written).
			Msg("Audio buffer full, dropping bytes")
		s.metrics.RecordError("audio_overflow", "telephony")
	}

	// Wake the audio goroutine; a pending wake-up already covers this write
	select {
	case s.audioNotify <- struct{}{}:
	default:
	}
}

// processIncomingAudio drains buffered audio frame by frame and feeds the
// segmentation pipeline
func (s *CallSession) processIncomingAudio() {
	defer close(s.audioDone)
	s.logger.Debug().Msg("Starting audio processing goroutine")

	// PCMU carries one byte per sample, so a frame's byte count equals its
	// sample count.
	frame := make([]byte, s.config.FrameLength())

	for {
		select {
		case <-s.audioNotify:
			if !s.pumpBufferedFrames(frame) {
				return
			}

		case <-s.done:
			// Flush frames still buffered at shutdown
			s.pumpBufferedFrames(frame)
			s.logger.Debug().Msg("Audio processing goroutine stopping")
			return
		}
	}
}

// pumpBufferedFrames feeds every buffered full frame through the pipeline.
// It reports false when the session can no longer be trusted.
func (s *CallSession) pumpBufferedFrames(frame []byte) bool {
	for s.audioInBuffer.ReadFrame(frame) {
		samples, err := audio.DecodePCMU(frame)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to decode PCMU frame")
			s.metrics.RecordError("decode_error", "telephony")
			continue
		}

		if err := s.pipeline.Push(samples); err != nil {
			// A contract violation means offsets can no longer be
			// trusted; abort the session.
			s.logger.Error().Err(err).Msg("Segmentation failed")
			s.metrics.RecordError("segmentation_error", "telephony")
			select {
			case s.errChan <- err:
			default:
			}
			return false
		}
	}
	return true
}

// onSpeechStart runs on the audio goroutine when a segment opens.
func (s *CallSession) onSpeechStart(offset int, preroll [][]int16) {
	s.logger.Info().
		Int("offset_samples", offset).
		Int("preroll_frames", len(preroll)).
		Msg("Speech started")

	s.metrics.RecordSpeechEvent(vad.EventSpeechStart.String())
	s.lastStartOffset = offset
	s.enqueueEvent(vad.EventSpeechStart.String(), offset)

	// Forward the pre-roll so the transcriber hears the padded onset
	if s.sttClient != nil && s.sttClient.IsActive() {
		s.metrics.RecordSTTStart()
		for _, f := range preroll {
			s.forwardToSTT(f)
		}
	}
}

// onSpeechEnd runs on the audio goroutine when a segment end is confirmed.
func (s *CallSession) onSpeechEnd(offset int) {
	s.logger.Info().
		Int("offset_samples", offset).
		Msg("Speech ended")

	s.metrics.RecordSpeechEvent(vad.EventSpeechEnd.String())
	if s.lastStartOffset >= 0 && offset > s.lastStartOffset {
		s.metrics.RecordSegmentDuration(float64(offset-s.lastStartOffset) / float64(s.config.SampleRate))
	}
	s.lastStartOffset = -1

	s.enqueueEvent(vad.EventSpeechEnd.String(), offset)
}

// onFrame runs on the audio goroutine for every assembled frame.
func (s *CallSession) onFrame(frame []int16, probability float64, speaking bool) {
	s.metrics.RecordFrame(probability)

	// Only open segments reach the transcriber
	if speaking && s.sttClient != nil && s.sttClient.IsActive() {
		s.forwardToSTT(frame)
	}
}

// forwardToSTT re-encodes a frame to PCMU and sends it to the STT client.
// The round trip is exact, so the transcriber hears the wire audio.
func (s *CallSession) forwardToSTT(samples []int16) {
	payload, err := audio.EncodePCMU(samples)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode audio for STT")
		return
	}

	if err := s.sttClient.SendAudio(payload); err != nil {
		s.logger.Error().Err(err).Msg("Error sending audio to Deepgram")
		s.metrics.RecordError("stt_send_error", "deepgram")
		// Continue processing - the STT client handles reconnection internally
	}
}

// enqueueEvent queues a segment boundary event for publication.
func (s *CallSession) enqueueEvent(kind string, offset int) {
	s.mu.RLock()
	streamSid := s.streamSid
	s.mu.RUnlock()

	event := sink.NewEvent(s.sessionID, streamSid, kind, offset, s.config.SampleRate)
	select {
	case s.eventQueue <- event:
		// Successfully queued
	default:
		s.logger.Warn().Str("kind", kind).Msg("Event queue full, dropping event")
		s.metrics.RecordError("event_overflow", "telephony")
	}
}

// processEventQueue delivers segment events to the configured sinks without
// blocking the audio path
func (s *CallSession) processEventQueue() {
	s.logger.Debug().Msg("Starting event publishing goroutine")

	for {
		select {
		case event := <-s.eventQueue:
			s.publishEvent(event)

		case <-s.audioDone:
			// The audio goroutine has flushed; deliver whatever it queued
			// before stopping
			for {
				select {
				case event := <-s.eventQueue:
					s.publishEvent(event)
				default:
					s.logger.Debug().Msg("Event publishing goroutine stopping")
					return
				}
			}
		}
	}
}

func (s *CallSession) publishEvent(event sink.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.gateway.events.Publish(ctx, event); err != nil {
		s.logger.Error().
			Err(err).
			Str("event_id", event.ID).
			Str("kind", event.Kind).
			Msg("Failed to publish segment event")
		s.metrics.RecordError("sink_publish_error", "sink")
	}
}

// processTranscriptions processes transcription results for the forwarded
// speech segments
func (s *CallSession) processTranscriptions() {
	s.logger.Debug().Msg("Starting transcription processing goroutine")

	transcriptChan := s.sttClient.GetTranscription()
	var lastFinalText string

	for {
		select {
		case result := <-transcriptChan:
			if result == nil {
				s.logger.Debug().Msg("Transcription channel closed")
				return
			}

			if result.IsFinal {
				// Deepgram may send duplicate finals; only log fresh text
				if result.Text != "" && result.Text != lastFinalText {
					s.logger.Info().
						Str("text", result.Text).
						Float64("confidence", result.Confidence).
						Msg("Final transcription")
					lastFinalText = result.Text
					s.metrics.RecordSTTEnd(true)
				}
			} else if result.Text != "" {
				s.logger.Debug().Str("text", result.Text).Msg("Interim transcription")
			}

		case <-s.done:
			s.logger.Debug().Msg("Transcription processing goroutine stopping")
			return
		}
	}
}

// GetCallSid returns the call SID
func (s *CallSession) GetCallSid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callSid
}

// GetStreamSid returns the stream SID
func (s *CallSession) GetStreamSid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamSid
}

// GetSessionID returns the internal session ID
func (s *CallSession) GetSessionID() string {
	return s.sessionID
}

// IsActive returns whether the session is still active
func (s *CallSession) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isActive
}

// generateSessionID generates a unique session ID
func generateSessionID() string {
	return fmt.Sprintf("sess-%s", uuid.New().String())
}
