package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/corvexai/segment-gateway/internal/audio"
	"github.com/corvexai/segment-gateway/internal/segmenter"
	"github.com/corvexai/segment-gateway/internal/vad"
)

type options struct {
	inPath       string
	rawPCM       bool
	rawRate      int
	targetRate   int
	frameMs      int
	threshold    float64
	silence      float64
	minSilenceMs int
	minSpeechMs  int
	padMs        int
	pivot        float64
	phone        bool
	mulaw        bool
	seed         int64
	jsonOut      bool
}

// cliEvent is the JSON-lines shape printed by -json.
type cliEvent struct {
	Kind          string  `json:"kind"`
	OffsetSamples int     `json:"offset_samples"`
	OffsetSeconds float64 `json:"offset_seconds"`
}

func main() {
	var opts options
	flag.StringVar(&opts.inPath, "in", "", "Input audio file (WAV unless -raw)")
	flag.BoolVar(&opts.rawPCM, "raw", false, "Treat input as headerless little-endian 16-bit PCM")
	flag.IntVar(&opts.rawRate, "rate", 16000, "Sample rate of -raw input in Hz")
	flag.IntVar(&opts.targetRate, "target-rate", 8000, "Resample to this rate before segmenting (0 keeps the source rate)")
	flag.IntVar(&opts.frameMs, "frame-ms", 32, "Frame duration in milliseconds")
	flag.Float64Var(&opts.threshold, "threshold", 0.45, "Speech probability threshold")
	flag.Float64Var(&opts.silence, "silence-threshold", -1, "Silence threshold (-1 derives it from the speech threshold)")
	flag.IntVar(&opts.minSilenceMs, "min-silence-ms", 1000, "Silence required to close a segment")
	flag.IntVar(&opts.minSpeechMs, "min-speech-ms", 250, "Minimum segment length to keep")
	flag.IntVar(&opts.padMs, "pad-ms", 100, "Padding applied to reported boundaries")
	flag.Float64Var(&opts.pivot, "energy-pivot", 1000, "RMS level at which the energy scorer reports 0.5")
	flag.BoolVar(&opts.phone, "phone", false, "Degrade the audio to phone quality before segmenting")
	flag.BoolVar(&opts.mulaw, "mulaw", false, "Include a mu-law round trip in the phone degradation")
	flag.Int64Var(&opts.seed, "seed", 0, "Line-noise seed for -phone")
	flag.BoolVar(&opts.jsonOut, "json", false, "Print events as JSON lines")
	flag.Parse()

	if opts.inPath == "" {
		fmt.Fprintln(os.Stderr, "segment: -in is required")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "segment: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	samples, rate, err := readInput(opts.inPath, opts.rawPCM, opts.rawRate)
	if err != nil {
		return err
	}

	// Condition the audio before segmentation: either the full phone-quality
	// chain or a plain resample.
	switch {
	case opts.phone:
		target := opts.targetRate
		if target == 0 {
			target = 8000
		}
		degradeCfg := audio.DefaultDegradeConfig()
		degradeCfg.InputRate = rate
		degradeCfg.OutputRate = target
		degradeCfg.MulawRoundTrip = opts.mulaw
		degradeCfg.Seed = opts.seed
		degrader, err := audio.NewDegrader(degradeCfg)
		if err != nil {
			return err
		}
		samples = degrader.Process(samples)
		rate = degrader.OutputRate()

	case opts.targetRate > 0 && opts.targetRate != rate:
		samples = audio.Resample(samples, rate, opts.targetRate)
		rate = opts.targetRate
	}

	engineCfg := vad.Config{
		SampleRate:        rate,
		SpeechThreshold:   opts.threshold,
		SilenceThreshold:  opts.silence,
		MinSilenceSamples: vad.SamplesFromMs(opts.minSilenceMs, rate),
		MinSpeechSamples:  vad.SamplesFromMs(opts.minSpeechMs, rate),
		SpeechPadSamples:  vad.SamplesFromMs(opts.padMs, rate),
	}
	if opts.silence < 0 {
		engineCfg.SilenceThreshold = vad.DerivedSilenceThreshold(opts.threshold)
	}

	scorer, err := audio.NewEnergyScorer(opts.pivot)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	segments := 0
	voicedSamples := 0
	openOffset := -1

	pipeline, err := segmenter.New(segmenter.Config{
		Engine:      engineCfg,
		FrameLength: vad.SamplesFromMs(opts.frameMs, rate),
		Scorer:      scorer,
		Callbacks: segmenter.Callbacks{
			OnSpeechStart: func(offset int, _ [][]int16) {
				openOffset = offset
				printEvent(enc, opts.jsonOut, "speech_start", offset, rate)
			},
			OnSpeechEnd: func(offset int) {
				segments++
				if openOffset >= 0 {
					voicedSamples += offset - openOffset
				}
				openOffset = -1
				printEvent(enc, opts.jsonOut, "speech_end", offset, rate)
			},
		},
	})
	if err != nil {
		return err
	}

	if err := pipeline.Push(samples); err != nil {
		return err
	}

	if !opts.jsonOut {
		total := pipeline.CurrentSample()
		fmt.Printf("%d segment(s), %.3fs voiced of %.3fs processed at %d Hz\n",
			segments, float64(voicedSamples)/float64(rate), float64(total)/float64(rate), rate)
		if openOffset >= 0 {
			fmt.Printf("segment still open at end of input (started at sample %d)\n", openOffset)
		}
	}
	return nil
}

func printEvent(enc *json.Encoder, asJSON bool, kind string, offset, rate int) {
	seconds := float64(offset) / float64(rate)
	if asJSON {
		_ = enc.Encode(cliEvent{Kind: kind, OffsetSamples: offset, OffsetSeconds: seconds})
		return
	}
	fmt.Printf("%-12s sample=%-10d t=%.3fs\n", kind, offset, seconds)
}

// readInput loads the audio and reports its sample rate. WAV input carries
// its own rate; raw input uses rawRate.
func readInput(path string, rawPCM bool, rawRate int) ([]int16, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	if rawPCM {
		if rawRate <= 0 {
			return nil, 0, fmt.Errorf("-rate must be positive, got %d", rawRate)
		}
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read %s: %w", path, err)
		}
		samples, err := audio.SamplesFromBytes(data)
		if err != nil {
			return nil, 0, err
		}
		return samples, rawRate, nil
	}

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, 0, fmt.Errorf("%s is not a valid WAV file", path)
	}
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read PCM data: %w", err)
	}
	samples, err := samplesFromBuffer(buf)
	if err != nil {
		return nil, 0, err
	}
	return samples, buf.Format.SampleRate, nil
}

// samplesFromBuffer converts a decoded PCM buffer to int16 samples. Only
// mono 16-bit audio is accepted; values already fit int16.
func samplesFromBuffer(buf *goaudio.IntBuffer) ([]int16, error) {
	if buf.Format.NumChannels != 1 {
		return nil, fmt.Errorf("expected mono audio, got %d channels", buf.Format.NumChannels)
	}
	if buf.SourceBitDepth != 16 {
		return nil, fmt.Errorf("expected 16-bit audio, got %d-bit", buf.SourceBitDepth)
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return samples, nil
}
