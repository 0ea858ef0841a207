// Package audioio provides microphone capture and speaker playback.
//
// Capture backends:
//   - Command - an external recorder (arecord, sox) writing raw PCM16 to stdout
//   - Mock - synthetic audio for CI and development without hardware
//
// A Recorder turns a Source into one utterance per call, stopping at the
// end of the recording window or after trailing silence. Playback goes
// through a Player; CommandPlayer pipes WAV to aplay or afplay.
package audioio

import (
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto uses the command backend when a recorder is installed,
	// otherwise the mock backend.
	BackendAuto Backend = "auto"
	// BackendCommand captures through an external recorder process.
	BackendCommand Backend = "command"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// Config holds audio configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	// Default: "auto"
	Backend Backend `toml:"backend" json:"backend"`

	// SampleRate is the audio sample rate in Hz.
	// Default: 16000 (what speech recognizers expect)
	SampleRate int `toml:"sample_rate" json:"sample_rate"`

	// Channels is the number of audio channels.
	// Default: 1 (mono)
	Channels int `toml:"channels" json:"channels"`

	// BufferDuration is the size of audio buffers.
	// Default: 100ms (1600 samples at 16kHz)
	BufferDuration time.Duration `toml:"buffer_duration" json:"buffer_duration"`

	// Command is the recorder command line for the command backend.
	// {rate} and {channels} are replaced with the configured values.
	// Empty selects a platform default.
	Command string `toml:"command" json:"command"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendAuto,
		SampleRate:     16000,
		Channels:       1,
		BufferDuration: 100 * time.Millisecond,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.BufferDuration <= 0 {
		return fmt.Errorf("buffer_duration must be positive, got %v", c.BufferDuration)
	}
	switch c.Backend {
	case BackendAuto, BackendCommand, BackendMock, "":
	default:
		return fmt.Errorf("unsupported backend: %s", c.Backend)
	}
	return nil
}

// BufferSize returns the number of samples per buffer.
func (c *Config) BufferSize() int {
	return int(float64(c.SampleRate) * c.BufferDuration.Seconds())
}

// BufferBytes returns the size of a buffer in bytes (assuming int16 samples).
func (c *Config) BufferBytes() int {
	return c.BufferSize() * c.Channels * 2 // 2 bytes per int16 sample
}
