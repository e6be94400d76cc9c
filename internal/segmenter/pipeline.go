// Package segmenter assembles raw PCM into fixed-length frames, scores each
// frame, and drives the hysteresis engine, delivering boundary events and
// per-frame results to caller-supplied callbacks. It is the glue between an
// audio source and the vad state machine; it owns no I/O and no goroutines.
package segmenter

import (
	"fmt"

	"github.com/corvexai/segment-gateway/internal/audio"
	"github.com/corvexai/segment-gateway/internal/vad"
)

// Callbacks receives pipeline output. Nil members are skipped. All callbacks
// run synchronously on the goroutine calling Push; slow work belongs on the
// caller's side of a channel.
type Callbacks struct {
	// OnSpeechStart fires when a segment opens. preroll holds up to
	// PreRollFrames frames preceding the triggering frame, oldest first;
	// the triggering frame itself arrives through OnFrame.
	OnSpeechStart func(offsetSamples int, preroll [][]int16)

	// OnSpeechEnd fires when a segment end is confirmed.
	OnSpeechEnd func(offsetSamples int)

	// OnFrame fires for every assembled frame, after any boundary callback
	// the frame produced. speaking reflects the engine state after the
	// frame. The frame slice is only valid during the callback.
	OnFrame func(frame []int16, probability float64, speaking bool)
}

// Config assembles the pieces of one segmentation pipeline.
type Config struct {
	Engine        vad.Config
	FrameLength   int          // Frame size in samples
	PreRollFrames int          // Frames of audio retained before each speech start
	Scorer        audio.Scorer // nil selects the default energy scorer
	Callbacks     Callbacks
}

// Pipeline feeds arbitrarily chunked PCM through frame assembly, scoring, and
// the segmentation engine. One Pipeline serves one stream; it is not safe for
// concurrent use.
type Pipeline struct {
	cfg       Config
	engine    *vad.Engine
	assembler *audio.FrameAssembler
	scorer    audio.Scorer

	// preroll is a ring of the most recent frames. Slots hold copies;
	// prerollNext is the overwrite position once the ring is full.
	preroll     [][]int16
	prerollNext int
}

// New validates cfg and constructs a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.PreRollFrames < 0 {
		return nil, fmt.Errorf("pre-roll frames must be non-negative, got %d", cfg.PreRollFrames)
	}

	engine, err := vad.New(cfg.Engine)
	if err != nil {
		return nil, err
	}

	assembler, err := audio.NewFrameAssembler(cfg.FrameLength)
	if err != nil {
		return nil, err
	}

	scorer := cfg.Scorer
	if scorer == nil {
		scorer, err = audio.NewEnergyScorer(audio.DefaultEnergyPivot)
		if err != nil {
			return nil, err
		}
	}

	p := &Pipeline{
		cfg:       cfg,
		engine:    engine,
		assembler: assembler,
		scorer:    scorer,
	}
	if cfg.PreRollFrames > 0 {
		p.preroll = make([][]int16, 0, cfg.PreRollFrames)
	}
	return p, nil
}

// Push buffers samples and processes every full frame they complete. Chunk
// boundaries carry no meaning: any split of the same sample stream produces
// the same events at the same offsets.
func (p *Pipeline) Push(samples []int16) error {
	p.assembler.Push(samples)
	for {
		frame, ok := p.assembler.Next()
		if !ok {
			return nil
		}
		if err := p.processFrame(frame); err != nil {
			return err
		}
	}
}

func (p *Pipeline) processFrame(frame []int16) error {
	probability := p.scorer.Score(frame)

	evt, err := p.engine.Process(probability, len(frame))
	if err != nil {
		return fmt.Errorf("frame at sample %d: %w", p.engine.CurrentSample(), err)
	}

	switch evt.Type {
	case vad.EventSpeechStart:
		if p.cfg.Callbacks.OnSpeechStart != nil {
			// Snapshot before this frame enters the ring, so the
			// pre-roll excludes the frame that triggered the start.
			p.cfg.Callbacks.OnSpeechStart(evt.Offset, p.prerollSnapshot())
		}
	case vad.EventSpeechEnd:
		if p.cfg.Callbacks.OnSpeechEnd != nil {
			p.cfg.Callbacks.OnSpeechEnd(evt.Offset)
		}
	}

	if p.cfg.Callbacks.OnFrame != nil {
		p.cfg.Callbacks.OnFrame(frame, probability, p.engine.IsSpeaking())
	}

	p.pushPreroll(frame)
	return nil
}

// pushPreroll records a copy of frame in the ring. Slot storage is reused
// once the ring is full, so pushes stop allocating in steady state.
func (p *Pipeline) pushPreroll(frame []int16) {
	if p.cfg.PreRollFrames == 0 {
		return
	}
	if len(p.preroll) < p.cfg.PreRollFrames {
		stored := make([]int16, len(frame))
		copy(stored, frame)
		p.preroll = append(p.preroll, stored)
		return
	}
	slot := p.preroll[p.prerollNext]
	if len(slot) != len(frame) {
		slot = make([]int16, len(frame))
	}
	copy(slot, frame)
	p.preroll[p.prerollNext] = slot
	p.prerollNext = (p.prerollNext + 1) % p.cfg.PreRollFrames
}

// prerollSnapshot returns the buffered frames oldest first. The returned
// frames are fresh copies; the caller may retain them.
func (p *Pipeline) prerollSnapshot() [][]int16 {
	if len(p.preroll) == 0 {
		return nil
	}
	out := make([][]int16, 0, len(p.preroll))
	appendCopy := func(src []int16) {
		dup := make([]int16, len(src))
		copy(dup, src)
		out = append(out, dup)
	}
	if len(p.preroll) < p.cfg.PreRollFrames {
		for _, f := range p.preroll {
			appendCopy(f)
		}
		return out
	}
	for _, f := range p.preroll[p.prerollNext:] {
		appendCopy(f)
	}
	for _, f := range p.preroll[:p.prerollNext] {
		appendCopy(f)
	}
	return out
}

// Reset returns the pipeline to its initial state: engine clock at zero,
// no pending samples, empty pre-roll. Configuration is retained.
func (p *Pipeline) Reset() {
	p.engine.Reset()
	p.assembler.Reset()
	p.preroll = p.preroll[:0]
	p.prerollNext = 0
}

// Speaking reports whether the engine currently believes speech is open.
func (p *Pipeline) Speaking() bool {
	return p.engine.IsSpeaking()
}

// CurrentSample returns the samples consumed by the engine so far. Samples
// still pending in the assembler are not counted.
func (p *Pipeline) CurrentSample() int {
	return p.engine.CurrentSample()
}

// FrameLength returns the configured frame size in samples.
func (p *Pipeline) FrameLength() int {
	return p.cfg.FrameLength
}
