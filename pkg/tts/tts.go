// Package tts provides a unified interface for text-to-speech providers.
//
// Two backends exist: OpenAI (hosted voices through go-openai) and Command
// (a local engine such as piper or espeak-ng that writes WAV). Providers can
// be stacked in a Chain so a local engine takes over when the hosted one is
// unreachable.
//
// Example usage:
//
//	provider, _ := tts.NewOpenAI(
//	    tts.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
//	    tts.WithVoice("nova"),
//	)
//	defer provider.Close()
//
//	audio, _ := provider.Synthesize(ctx, "Hello world")
//	// audio.Data contains a WAV file
package tts

import (
	"context"
	"strings"
	"time"

	"github.com/teslashibe/go-companion/pkg/audioio"
	"github.com/teslashibe/go-companion/pkg/conversation"
)

// Provider defines the TTS provider interface.
type Provider interface {
	// Synthesize converts text to a complete audio clip.
	Synthesize(ctx context.Context, text string) (conversation.Audio, error)

	// Name identifies the backend in persisted turns.
	Name() string

	// Health checks provider connectivity and credentials.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// Audio encodings produced by providers.
const (
	EncodingWAV = "wav"
	EncodingMP3 = "mp3"
)

// Duration estimates the playback length of a clip. Only WAV can be
// measured; other encodings report zero.
func Duration(audio conversation.Audio) time.Duration {
	if audio.Encoding != EncodingWAV {
		return 0
	}
	info, err := audioio.DecodeWAV(audio.Data)
	if err != nil {
		return 0
	}
	return info.Duration()
}

// wavAudio validates that data is a WAV file and wraps it.
func wavAudio(provider string, data []byte) (conversation.Audio, error) {
	info, err := audioio.DecodeWAV(data)
	if err != nil {
		return conversation.Audio{}, WrapError(provider, err)
	}
	return conversation.Audio{Data: data, Encoding: EncodingWAV, SampleRate: info.SampleRate}, nil
}

func checkText(provider, text string) error {
	if strings.TrimSpace(text) == "" {
		return WrapError(provider, ErrEmptyText)
	}
	return nil
}
