package audio

import (
	"fmt"
	"math"
	"math/rand"
)

// butterworthQ holds the per-section Q values that make two cascaded biquads
// a 4th-order Butterworth response.
var butterworthQ = [2]float64{0.54119610, 1.30656296}

// biquad is a direct-form-I second-order filter section with its state, so a
// Degrader can process audio in chunks without seams at chunk boundaries.
type biquad struct {
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     float64
}

func (f *biquad) process(x float64) float64 {
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2, f.x1 = f.x1, x
	f.y2, f.y1 = f.y1, y
	return y
}

func (f *biquad) reset() {
	f.x1, f.x2, f.y1, f.y2 = 0, 0, 0, 0
}

func lowpassBiquad(freq, rate, q float64) biquad {
	w0 := 2 * math.Pi * freq / rate
	alpha := math.Sin(w0) / (2 * q)
	cosW0 := math.Cos(w0)
	a0 := 1 + alpha
	return biquad{
		b0: (1 - cosW0) / 2 / a0,
		b1: (1 - cosW0) / a0,
		b2: (1 - cosW0) / 2 / a0,
		a1: -2 * cosW0 / a0,
		a2: (1 - alpha) / a0,
	}
}

func highpassBiquad(freq, rate, q float64) biquad {
	w0 := 2 * math.Pi * freq / rate
	alpha := math.Sin(w0) / (2 * q)
	cosW0 := math.Cos(w0)
	a0 := 1 + alpha
	return biquad{
		b0: (1 + cosW0) / 2 / a0,
		b1: -(1 + cosW0) / a0,
		b2: (1 + cosW0) / 2 / a0,
		a1: -2 * cosW0 / a0,
		a2: (1 - alpha) / a0,
	}
}

// DegradeConfig configures the phone-quality degradation chain.
type DegradeConfig struct {
	InputRate      int     // Rate of the incoming audio in Hz
	OutputRate     int     // Narrowband output rate; must divide InputRate
	HighpassHz     float64 // Lower edge of the passband
	LowpassHz      float64 // Upper edge of the passband
	NoiseStdDev    float64 // Line-noise sigma on the [-1, 1] sample scale
	MulawRoundTrip bool    // Also pass the result through the G.711 codec
	Seed           int64   // Noise generator seed; same seed, same noise
}

// DefaultDegradeConfig returns the standard narrowband telephony chain:
// 300-3400 Hz passband, 16 kHz in, 8 kHz out, subtle line noise.
func DefaultDegradeConfig() DegradeConfig {
	return DegradeConfig{
		InputRate:   16000,
		OutputRate:  8000,
		HighpassHz:  300,
		LowpassHz:   3400,
		NoiseStdDev: 0.002,
	}
}

// Degrader applies phone-quality degradation to wideband audio: band-pass
// filtering to the telephony voice band, integer-ratio downsampling, additive
// line noise, and the dynamic-range compression phone codecs introduce,
// optionally followed by a μ-law encode/decode round trip. It keeps filter
// and decimation state across calls, so feeding a stream chunk by chunk
// produces the same signal as one large call (noise aside).
type Degrader struct {
	cfg   DegradeConfig
	hp    [2]biquad
	lp    [2]biquad
	ratio int
	phase int
	rng   *rand.Rand
}

// NewDegrader validates cfg and builds the filter chain.
func NewDegrader(cfg DegradeConfig) (*Degrader, error) {
	if cfg.InputRate <= 0 || cfg.OutputRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %d -> %d", cfg.InputRate, cfg.OutputRate)
	}
	if cfg.InputRate%cfg.OutputRate != 0 {
		return nil, fmt.Errorf("output rate %d must evenly divide input rate %d", cfg.OutputRate, cfg.InputRate)
	}
	if cfg.HighpassHz <= 0 || cfg.LowpassHz <= cfg.HighpassHz {
		return nil, fmt.Errorf("passband %g-%g Hz is not a valid band", cfg.HighpassHz, cfg.LowpassHz)
	}
	if cfg.LowpassHz >= float64(cfg.OutputRate)/2 {
		return nil, fmt.Errorf("low-pass edge %g Hz must sit below the output Nyquist %d Hz", cfg.LowpassHz, cfg.OutputRate/2)
	}
	if cfg.NoiseStdDev < 0 {
		return nil, fmt.Errorf("noise sigma must be non-negative, got %g", cfg.NoiseStdDev)
	}

	d := &Degrader{
		cfg:   cfg,
		ratio: cfg.InputRate / cfg.OutputRate,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
	rate := float64(cfg.InputRate)
	for i, q := range butterworthQ {
		d.hp[i] = highpassBiquad(cfg.HighpassHz, rate, q)
		d.lp[i] = lowpassBiquad(cfg.LowpassHz, rate, q)
	}
	return d, nil
}

// Process degrades one chunk of input-rate audio and returns the output-rate
// result. The returned slice is freshly allocated.
func (d *Degrader) Process(samples []int16) []int16 {
	out := make([]int16, 0, len(samples)/d.ratio+1)

	for _, s := range samples {
		x := float64(s) / 32768.0

		for i := range d.hp {
			x = d.hp[i].process(x)
		}
		for i := range d.lp {
			x = d.lp[i].process(x)
		}

		// Integer decimation: keep every ratio-th filtered sample, phase
		// carried across calls.
		if d.phase == 0 {
			if d.cfg.NoiseStdDev > 0 {
				x += d.rng.NormFloat64() * d.cfg.NoiseStdDev
			}
			x = math.Tanh(x*1.5) / 1.5
			out = append(out, quantizeSample(x))
		}
		d.phase = (d.phase + 1) % d.ratio
	}

	if d.cfg.MulawRoundTrip {
		for i := range out {
			out[i] = mulawToLinear(linearToMulaw(out[i]))
		}
	}

	return out
}

// OutputRate returns the rate of the audio Process produces.
func (d *Degrader) OutputRate() int {
	return d.cfg.OutputRate
}

// Reset restores the degrader to its construction state, including the noise
// sequence.
func (d *Degrader) Reset() {
	for i := range d.hp {
		d.hp[i].reset()
		d.lp[i].reset()
	}
	d.phase = 0
	d.rng = rand.New(rand.NewSource(d.cfg.Seed))
}

func quantizeSample(x float64) int16 {
	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	}
	return int16(x * 32767)
}
