// Package vad turns a per-frame speech-probability stream into discrete
// speech segments. The Engine is a hysteresis state machine: frames at or
// above the speech threshold open a segment, frames below the silence
// threshold start a silence timer that closes it, and frames between the two
// thresholds change nothing.
package vad

import (
	"fmt"
	"math"
)

// EventType identifies the kind of boundary decision a frame produced.
type EventType int

const (
	// EventNone means the frame produced no boundary decision.
	EventNone EventType = iota
	// EventSpeechStart marks the onset of a speech segment.
	EventSpeechStart
	// EventSpeechEnd marks the confirmed end of a speech segment.
	EventSpeechEnd
)

// String returns the event type name used in logs and sink payloads.
func (t EventType) String() string {
	switch t {
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	default:
		return "none"
	}
}

// Event is a boundary decision with its sample-accurate offset.
// Offset already includes the configured padding.
type Event struct {
	Type   EventType
	Offset int
}

type phase int

const (
	phaseIdle phase = iota
	phaseSpeaking
)

// noPendingEnd marks the pendingEnd field as unset.
const noPendingEnd = -1

// streamState is the explicit machine state: the phase plus the two sample
// markers that only carry meaning while speaking. pendingEnd is the offset
// where the current sub-threshold run began, or noPendingEnd while no
// silence run is being timed.
type streamState struct {
	phase       phase
	speechStart int
	pendingEnd  int
}

func initialState() streamState {
	return streamState{phase: phaseIdle, pendingEnd: noPendingEnd}
}

// Engine converts a stream of (probability, frame length) pairs into
// SpeechStart/SpeechEnd events with sample offsets. It is synchronous and
// performs no I/O or allocation in Process. One instance serves one frame
// sequence at a time; give each concurrent stream its own Engine.
type Engine struct {
	cfg     Config
	state   streamState
	current int // samples consumed since construction or Reset
}

// New constructs an Engine after validating cfg. No partially usable engine
// is returned on invalid configuration.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid segmentation config: %w", err)
	}
	return &Engine{cfg: cfg, state: initialState()}, nil
}

// Process consumes one frame's probability and sample count and returns at
// most one event. probability must be in [0, 1] and frameLength positive;
// violations indicate a defective caller and come back as errors rather than
// being clamped, since clamping could mask a broken scorer.
func (e *Engine) Process(probability float64, frameLength int) (Event, error) {
	if math.IsNaN(probability) || probability < 0 || probability > 1 {
		return Event{}, fmt.Errorf("probability out of range [0, 1]: %g", probability)
	}
	if frameLength <= 0 {
		return Event{}, fmt.Errorf("frame length must be positive, got %d", frameLength)
	}

	e.current += frameLength

	var evt Event
	e.state, evt = transition(e.cfg, e.state, e.current, probability, frameLength)
	return evt, nil
}

// transition is the pure state update: given the configuration, the prior
// state, the post-increment sample clock, and one frame's probability, it
// returns the next state and the event the frame produced, if any.
func transition(cfg Config, s streamState, current int, probability float64, frameLength int) (streamState, Event) {
	// Speech reasserting itself cancels a pending end. Only re-crossing the
	// speech threshold does this; frames inside the hysteresis band leave
	// the silence timer running.
	if probability >= cfg.SpeechThreshold && s.pendingEnd != noPendingEnd {
		s.pendingEnd = noPendingEnd
	}

	if probability >= cfg.SpeechThreshold && s.phase == phaseIdle {
		s.phase = phaseSpeaking
		s.speechStart = current
		// current already counts the triggering frame, so back the offset up
		// to that frame's first sample before applying the pad.
		offset := current - cfg.SpeechPadSamples - frameLength
		if offset < 0 {
			offset = 0
		}
		return s, Event{Type: EventSpeechStart, Offset: offset}
	}

	if probability < cfg.SilenceThreshold && s.phase == phaseSpeaking {
		if s.pendingEnd == noPendingEnd {
			s.pendingEnd = current
		}
		silenceRun := current - s.pendingEnd
		if silenceRun < cfg.MinSilenceSamples {
			// Still waiting for the silence to mature.
			return s, Event{}
		}
		speechRun := s.pendingEnd - s.speechStart
		if speechRun < cfg.MinSpeechSamples {
			// Spurious blip: the start was never validated by enough
			// speech, so the segment is dropped without an end event.
			s.phase = phaseIdle
			s.pendingEnd = noPendingEnd
			return s, Event{}
		}
		offset := s.pendingEnd + cfg.SpeechPadSamples - frameLength
		s.phase = phaseIdle
		s.pendingEnd = noPendingEnd
		return s, Event{Type: EventSpeechEnd, Offset: offset}
	}

	return s, Event{}
}

// Reset returns the engine to its construction-time state so the same
// instance can segment a new independent stream. Configuration is retained.
func (e *Engine) Reset() {
	e.state = initialState()
	e.current = 0
}

// IsSpeaking reports whether the engine currently believes speech is in
// progress.
func (e *Engine) IsSpeaking() bool {
	return e.state.phase == phaseSpeaking
}

// CurrentSample returns the total samples consumed since construction or the
// last Reset.
func (e *Engine) CurrentSample() int {
	return e.current
}

// Config returns the configuration the engine was constructed with.
func (e *Engine) Config() Config {
	return e.cfg
}
