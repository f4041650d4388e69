// aec-calibrate measures the speaker-to-microphone delay used by the echo
// canceller.
//
// It either analyses an existing pair of recordings:
//
//	aec-calibrate -reference chirp.wav -recorded mic.wav
//
// or plays the reference through the speaker while recording the microphone:
//
//	aec-calibrate -reference chirp.wav -save mic.wav
//
// The printed delay goes into the assistant's -aec-delay-ms flag.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agalue/duplex-assistant/internal/aec"
	"github.com/agalue/duplex-assistant/internal/audio"
)

func main() {
	if err := run(os.Args[1:]); err != nil && !errors.Is(err, flag.ErrHelp) {
		slog.Error("❌ calibration failed", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("aec-calibrate", flag.ContinueOnError)
	reference := fs.String("reference", "", "WAV file played through the speaker (required)")
	recorded := fs.String("recorded", "", "WAV file captured by the microphone; empty records live")
	save := fs.String("save", "", "Where to store a live recording")
	maxDelay := fs.Duration("max-delay", time.Second, "Largest delay to search for")
	input := fs.String("input-device", "", "Input device name substring (live mode)")
	output := fs.String("output-device", "", "Output device name substring (live mode)")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *reference == "" {
		fs.Usage()
		return errors.New("-reference is required")
	}
	ref, err := audio.ReadWAV(*reference)
	if err != nil {
		return err
	}

	var rec audio.Frame
	if *recorded != "" {
		if rec, err = audio.ReadWAV(*recorded); err != nil {
			return err
		}
		if rec.SampleRate != ref.SampleRate {
			rec = audio.NewResampler(rec.SampleRate, ref.SampleRate).ProcessFrame(rec)
		}
	} else {
		rec, err = playAndRecord(ref, *maxDelay, *input, *output, logger)
		if err != nil {
			return err
		}
		if *save != "" {
			if err := audio.WriteWAV(*save, rec); err != nil {
				return err
			}
			logger.Info("💾 recording saved", "path", *save)
		}
	}

	est, err := aec.EstimateDelay(ref.Samples, rec.Samples, ref.SampleRate, *maxDelay)
	if err != nil {
		return err
	}
	ms := est.Delay.Milliseconds()
	fmt.Printf("delay:       %d ms (%d samples at %d Hz)\n", ms, est.Samples, ref.SampleRate)
	fmt.Printf("correlation: %.2f\n", est.Correlation)
	fmt.Printf("\nrun the assistant with: -aec-delay-ms %d\n", ms)
	if est.Correlation < 0.3 {
		fmt.Println("warning: weak correlation, raise the speaker volume or use a louder reference")
	}
	return nil
}

// playAndRecord plays ref on the output device while capturing the input at
// the same rate, for the reference length plus maxDelay.
func playAndRecord(ref audio.Frame, maxDelay time.Duration, input, output string, logger *slog.Logger) (audio.Frame, error) {
	const chunk = 480
	spec := func(name string) audio.DeviceSpec {
		return audio.DeviceSpec{Name: name, Index: -1, SampleRate: ref.SampleRate}
	}
	mic, speaker, closeDevices, err := audio.OpenDevices(spec(input), spec(output), chunk, logger)
	if err != nil {
		return audio.Frame{}, err
	}
	defer closeDevices()

	total := len(ref.Samples) + int(maxDelay.Seconds()*float64(ref.SampleRate))
	out := make([]int16, 0, total+chunk)

	logger.Info("🔊 playing reference", "duration", time.Duration(ref.Duration()*float64(time.Second)))
	var g errgroup.Group
	g.Go(func() error {
		buf := make([]int16, chunk)
		for len(out) < total {
			if err := mic.Read(buf); err != nil {
				return fmt.Errorf("capture: %w", err)
			}
			out = append(out, buf...)
		}
		return nil
	})
	g.Go(func() error {
		for off := 0; off < len(ref.Samples); off += chunk {
			if err := speaker.Write(ref.Samples[off:min(off+chunk, len(ref.Samples))]); err != nil {
				return fmt.Errorf("playback: %w", err)
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return audio.Frame{}, err
	}
	return audio.Frame{Samples: out[:total], SampleRate: ref.SampleRate}, nil
}
