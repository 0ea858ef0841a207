package audioio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/teslashibe/go-companion/pkg/conversation"
)

// RecorderConfig controls when a recording stops.
type RecorderConfig struct {
	// Window is the maximum recording length.
	Window time.Duration

	// SilenceThreshold is the RMS level (0..1) below which a chunk counts
	// as silence. Zero disables silence detection: every recording runs
	// for the full window.
	SilenceThreshold float64

	// SilenceTimeout ends the recording after this much trailing silence
	// once speech has been heard.
	SilenceTimeout time.Duration
}

// DefaultRecorderConfig returns an 8 second window with silence detection
// disabled.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		Window:         8 * time.Second,
		SilenceTimeout: 1500 * time.Millisecond,
	}
}

// RecorderOption configures a Recorder.
type RecorderOption func(*RecorderConfig)

// WithWindow sets the maximum recording length.
func WithWindow(d time.Duration) RecorderOption {
	return func(c *RecorderConfig) { c.Window = d }
}

// WithSilence enables trailing-silence detection.
func WithSilence(threshold float64, timeout time.Duration) RecorderOption {
	return func(c *RecorderConfig) {
		c.SilenceThreshold = threshold
		c.SilenceTimeout = timeout
	}
}

// Recorder records one utterance per Capture call from a Source.
type Recorder struct {
	src    Source
	cfg    RecorderConfig
	logger *slog.Logger
}

// NewRecorder creates a Recorder over src.
func NewRecorder(src Source, logger *slog.Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := DefaultRecorderConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Recorder{
		src:    src,
		cfg:    cfg,
		logger: logger.With("component", "audioio.recorder"),
	}
}

// Name returns the source backend name.
func (r *Recorder) Name() string {
	return r.src.Name()
}

// Capture records until the window elapses or, with silence detection on,
// until trailing silence follows speech. It returns WAV audio and the
// recorded duration. A recording in which no speech was detected is
// returned as empty audio.
func (r *Recorder) Capture(ctx context.Context) (conversation.Audio, time.Duration, error) {
	cfg := r.src.Config()
	if err := r.src.Start(ctx); err != nil {
		return conversation.Audio{}, 0, fmt.Errorf("audioio: start capture: %w", err)
	}
	defer r.src.Stop()

	rate := cfg.SampleRate * cfg.Channels
	maxSamples := samplesIn(r.cfg.Window, rate)
	silenceSamples := samplesIn(r.cfg.SilenceTimeout, rate)
	detect := r.cfg.SilenceThreshold > 0

	var (
		samples []int16
		heard   bool
		quiet   int
	)
	for len(samples) < maxSamples {
		chunk, err := r.src.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return conversation.Audio{}, 0, err
		}
		samples = append(samples, chunk.Samples...)

		if !detect {
			continue
		}
		if CalculateRMS(chunk.Samples) >= r.cfg.SilenceThreshold {
			heard = true
			quiet = 0
			continue
		}
		quiet += len(chunk.Samples)
		if heard && quiet >= silenceSamples {
			r.logger.Debug("trailing silence, stopping")
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return conversation.Audio{}, 0, err
	}
	if len(samples) > maxSamples {
		samples = samples[:maxSamples]
	}

	duration := time.Duration(len(samples)) * time.Second / time.Duration(rate)
	r.logger.Debug("recorded", "samples", len(samples), "duration", duration, "speech", heard || !detect)

	if len(samples) == 0 || (detect && !heard) {
		return conversation.Audio{}, duration, nil
	}
	return conversation.Audio{
		Data:       EncodeWAV(samples, cfg.SampleRate, cfg.Channels),
		Encoding:   "wav",
		SampleRate: cfg.SampleRate,
	}, duration, nil
}

// samplesIn returns the number of samples in d at rate samples per second.
func samplesIn(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}
