// Package stt provides speech-to-text providers.
//
// OpenAI sends the captured clip to the hosted Whisper endpoint through
// go-openai. WhisperServer posts it to a local whisper.cpp server, which
// expects 16kHz mono WAV, so audio is normalized before upload. Chain tries
// providers in order.
package stt

import (
	"context"
	"strings"

	"github.com/teslashibe/go-companion/pkg/audioio"
	"github.com/teslashibe/go-companion/pkg/conversation"
)

// Provider converts recorded speech to text.
type Provider interface {
	// Name identifies the backend in persisted turns.
	Name() string

	// Transcribe returns the recognized text, which may be empty when
	// nothing intelligible was said.
	Transcribe(ctx context.Context, audio conversation.Audio) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}

// WhisperRate is the sample rate whisper models are trained on.
const WhisperRate = 16000

func checkAudio(provider string, audio conversation.Audio) error {
	if audio.Empty() {
		return WrapError(provider, ErrNoAudio)
	}
	return nil
}

// toWhisperWAV converts WAV audio of any rate and channel count to 16kHz
// mono. Non-WAV input is returned unchanged.
func toWhisperWAV(audio conversation.Audio) ([]byte, error) {
	if audio.Encoding != "" && audio.Encoding != "wav" {
		return audio.Data, nil
	}
	info, err := audioio.DecodeWAV(audio.Data)
	if err != nil {
		return nil, err
	}
	if info.SampleRate == WhisperRate && info.Channels == 1 {
		return audio.Data, nil
	}
	samples := info.Samples
	if info.Channels == 2 {
		samples = audioio.StereoToMono(samples)
	}
	return audioio.EncodeWAV(audioio.Resample(samples, info.SampleRate, WhisperRate), WhisperRate, 1), nil
}

// cleanText trims whitespace and the bracketed annotations whisper emits
// for non-speech, such as "[BLANK_AUDIO]" or "(wind blowing)".
func cleanText(s string) string {
	for {
		start := strings.IndexAny(s, "[(")
		if start < 0 {
			break
		}
		closer := "]"
		if s[start] == '(' {
			closer = ")"
		}
		end := strings.Index(s[start:], closer)
		if end < 0 {
			break
		}
		s = s[:start] + " " + s[start+end+1:]
	}
	return strings.Join(strings.Fields(s), " ")
}
