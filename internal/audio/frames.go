package audio

import (
	"fmt"
)

// FrameAssembler regroups arbitrarily sized sample chunks into fixed-length
// frames. Sources rarely deliver audio in the frame size the segmentation
// pipeline wants; the assembler absorbs the mismatch.
//
// Frames returned by Next alias the assembler's internal buffer and are valid
// only until the following Push or Reset; callers that retain a frame must
// copy it.
type FrameAssembler struct {
	frameLength int
	buf         []int16
	start       int
}

// NewFrameAssembler creates an assembler emitting frames of frameLength
// samples.
func NewFrameAssembler(frameLength int) (*FrameAssembler, error) {
	if frameLength <= 0 {
		return nil, fmt.Errorf("frame length must be positive, got %d", frameLength)
	}
	return &FrameAssembler{
		frameLength: frameLength,
		buf:         make([]int16, 0, frameLength*4),
	}, nil
}

// Push appends samples to the pending buffer.
func (f *FrameAssembler) Push(samples []int16) {
	if f.start == len(f.buf) {
		// Fully drained: rewind instead of growing forever.
		f.buf = f.buf[:0]
		f.start = 0
	} else if f.start > 0 && len(f.buf)+len(samples) > cap(f.buf) {
		// Compact the unread tail before the append would force a grow.
		n := copy(f.buf, f.buf[f.start:])
		f.buf = f.buf[:n]
		f.start = 0
	}
	f.buf = append(f.buf, samples...)
}

// Next returns the next full frame, or false while fewer than frameLength
// samples are pending. Drain it in a loop after each Push.
func (f *FrameAssembler) Next() ([]int16, bool) {
	if len(f.buf)-f.start < f.frameLength {
		return nil, false
	}
	frame := f.buf[f.start : f.start+f.frameLength]
	f.start += f.frameLength
	return frame, true
}

// Pending returns the number of buffered samples not yet emitted as frames.
func (f *FrameAssembler) Pending() int {
	return len(f.buf) - f.start
}

// FrameLength returns the configured frame size in samples.
func (f *FrameAssembler) FrameLength() int {
	return f.frameLength
}

// Reset discards all pending samples.
func (f *FrameAssembler) Reset() {
	f.buf = f.buf[:0]
	f.start = 0
}
