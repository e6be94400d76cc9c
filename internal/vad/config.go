package vad

import "fmt"

// Config holds the tunable parameters for one segmentation stream.
// All duration parameters are expressed as sample counts against SampleRate;
// SamplesFromMs converts millisecond settings at the configuration boundary.
type Config struct {
	SampleRate        int     // Sampling rate of the frame stream in Hz
	SpeechThreshold   float64 // Probability at or above which a frame counts as speech
	SilenceThreshold  float64 // Probability below which a frame counts as silence
	MinSilenceSamples int     // Sustained silence required before a speech end is confirmed
	MinSpeechSamples  int     // Minimum speech run for a segment to be kept
	SpeechPadSamples  int     // Padding subtracted from start offsets and added to end offsets
}

// DerivedSilenceThreshold returns the default silence threshold for a speech
// threshold: a fixed hysteresis margin of 0.15 below it, clamped to 0.01.
func DerivedSilenceThreshold(speechThreshold float64) float64 {
	t := speechThreshold - 0.15
	if t < 0.01 {
		t = 0.01
	}
	return t
}

// NewConfig returns a Config for the given rate and speech threshold with the
// silence threshold derived and all durations zero. Callers that want an
// explicit silence threshold set the field directly instead.
func NewConfig(sampleRate int, speechThreshold float64) Config {
	return Config{
		SampleRate:       sampleRate,
		SpeechThreshold:  speechThreshold,
		SilenceThreshold: DerivedSilenceThreshold(speechThreshold),
	}
}

// SamplesFromMs converts a millisecond duration to a sample count at rate.
func SamplesFromMs(ms, rate int) int {
	return ms * rate / 1000
}

// Validate checks every parameter against its legal range. The thresholds
// must form a hysteresis band: 0 <= SilenceThreshold < SpeechThreshold <= 1.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.SpeechThreshold <= 0 || c.SpeechThreshold > 1 {
		return fmt.Errorf("speech threshold must be in (0, 1], got %g", c.SpeechThreshold)
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold >= c.SpeechThreshold {
		return fmt.Errorf("silence threshold must be in [0, %g), got %g", c.SpeechThreshold, c.SilenceThreshold)
	}
	if c.MinSilenceSamples < 0 {
		return fmt.Errorf("min silence samples must be non-negative, got %d", c.MinSilenceSamples)
	}
	if c.MinSpeechSamples < 0 {
		return fmt.Errorf("min speech samples must be non-negative, got %d", c.MinSpeechSamples)
	}
	if c.SpeechPadSamples < 0 {
		return fmt.Errorf("speech pad samples must be non-negative, got %d", c.SpeechPadSamples)
	}
	return nil
}
