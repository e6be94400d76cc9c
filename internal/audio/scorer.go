package audio

import (
	"fmt"
)

// DefaultEnergyPivot is the RMS level at which the energy scorer reports 0.5,
// tuned for 16-bit telephony speech.
const DefaultEnergyPivot = 1000.0

// Scorer maps a frame of linear PCM to a speech probability in [0, 1].
// Implementations may keep state across frames; the segmentation engine
// treats them as opaque.
type Scorer interface {
	Score(frame []int16) float64
}

// EnergyScorer scores frames by RMS energy through a saturating curve:
//
//	score = rms / (rms + pivot)
//
// so pivot is the RMS at which the score crosses 0.5. The curve is monotonic
// and stays strictly below 1, which keeps quiet line noise well under typical
// speech thresholds while loud speech saturates toward 1. It is stateless and
// deterministic.
type EnergyScorer struct {
	pivot float64
}

// NewEnergyScorer creates an energy scorer. pivot must be positive.
func NewEnergyScorer(pivot float64) (*EnergyScorer, error) {
	if pivot <= 0 {
		return nil, fmt.Errorf("energy pivot must be positive, got %g", pivot)
	}
	return &EnergyScorer{pivot: pivot}, nil
}

// Score returns the speech probability for one frame. An empty frame scores
// zero.
func (s *EnergyScorer) Score(frame []int16) float64 {
	rms := CalculateRMS(frame)
	return rms / (rms + s.pivot)
}
