package audio

import (
	"fmt"
	"math"
)

// DecodePCMU converts G.711 PCMU (μ-law) encoded audio to 16-bit linear PCM
// samples. Telephony media streams carry one μ-law byte per sample.
func DecodePCMU(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty PCMU payload")
	}

	samples := make([]int16, len(payload))
	for i, b := range payload {
		samples[i] = mulawToLinear(b)
	}
	return samples, nil
}

// EncodePCMU converts 16-bit linear PCM samples to G.711 PCMU (μ-law).
func EncodePCMU(samples []int16) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty sample slice")
	}

	payload := make([]byte, len(samples))
	for i, s := range samples {
		payload[i] = linearToMulaw(s)
	}
	return payload, nil
}

// SamplesFromBytes converts little-endian 16-bit PCM bytes to samples.
func SamplesFromBytes(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(data))
	}

	samples := make([]int16, len(data)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples, nil
}

// BytesFromSamples converts samples to little-endian 16-bit PCM bytes.
func BytesFromSamples(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// Resample performs linear interpolation resampling between two rates.
// Adequate for narrowband speech; a sinc-based resampler would be needed for
// anything quality-sensitive.
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// linearToMulaw converts a 16-bit linear PCM sample to 8-bit μ-law
// (ITU-T G.711).
func linearToMulaw(sample int16) byte {
	const (
		clip = 8159 // maximum magnitude (14-bit range)
		bias = 0x21 // 33 decimal
	)

	var sign byte
	magnitude := int32(sample)

	if sample < 0 {
		sign = 0x80
		magnitude = -magnitude
	} else {
		sign = 0x00
	}

	if magnitude > clip {
		magnitude = clip
	}

	magnitude += bias
	// The biased clip value lands one past the top code point; pin it so the
	// mantissa cannot wrap to zero in segment 7.
	if magnitude > 0x1FFF {
		magnitude = 0x1FFF
	}

	// Segment (exponent) is the position of the highest set bit.
	// Segments: 0=33-63, 1=64-127, 2=128-255, ..., 7=4096-8191
	var segment byte
	switch {
	case magnitude >= 0x1000:
		segment = 7
	case magnitude >= 0x800:
		segment = 6
	case magnitude >= 0x400:
		segment = 5
	case magnitude >= 0x200:
		segment = 4
	case magnitude >= 0x100:
		segment = 3
	case magnitude >= 0x80:
		segment = 2
	case magnitude >= 0x40:
		segment = 1
	default:
		segment = 0
	}

	mantissa := byte((magnitude >> (segment + 1)) & 0x0F)

	// Combine sign, segment, and mantissa, then invert all bits.
	return ^(sign | (segment << 4) | mantissa)
}

// mulawToLinear converts an 8-bit μ-law sample to 16-bit linear PCM.
func mulawToLinear(mulawByte byte) int16 {
	// μ-law bytes are stored inverted.
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	// step = (mantissa << (segment + 1)) + (33 << segment); magnitude = step - 33
	step := mantissa << (segment + 1)
	step += int32(33) << segment
	magnitude := step - 33

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// CalculateRMS calculates the root mean square of audio samples. Used for
// level metrics and as the scorer's energy measure.
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
