package session

import (
	"context"
	"time"

	"github.com/teslashibe/go-companion/pkg/conversation"
	"github.com/teslashibe/go-companion/pkg/protocol"
)

// Capturer records the user's utterance after a wake.
type Capturer interface {
	Capture(ctx context.Context) (conversation.Audio, time.Duration, error)
}

// Transcriber converts captured audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio conversation.Audio) (string, error)
}

// EmotionClassifier labels the emotion in captured audio.
type EmotionClassifier interface {
	Classify(ctx context.Context, audio conversation.Audio) (*conversation.Emotion, error)
}

// ResponseGenerator produces the spoken reply. contextText is prefixed to
// the transcript and may be empty.
type ResponseGenerator interface {
	Generate(ctx context.Context, transcript, contextText string) (string, error)
}

// Synthesizer converts reply text to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (conversation.Audio, error)
}

// Player plays synthesized audio and returns when playback ends.
type Player interface {
	Play(ctx context.Context, audio conversation.Audio) error
}

// ContextProvider supplies memory of previous conversations.
type ContextProvider interface {
	ContextText(ctx context.Context) (string, error)
}

// InsightSubmitter queues a persisted turn for background analysis.
type InsightSubmitter interface {
	Submit(id conversation.TurnID) bool
}

// Broadcaster delivers events to observers. It must not block.
type Broadcaster interface {
	Publish(e protocol.Event)
}

// AudioSpool holds synthesized audio for observers and returns an opaque
// reference to it.
type AudioSpool interface {
	Put(audio conversation.Audio) string
}

// TurnStore is the part of conversation.Store the controller writes to.
type TurnStore interface {
	Persist(ctx context.Context, draft *conversation.TurnDraft) (conversation.TurnID, error)
}

// Named is implemented by collaborators that can report which backend
// served a turn.
type Named interface {
	Name() string
}

func nameOf(v any) string {
	if n, ok := v.(Named); ok {
		return n.Name()
	}
	return ""
}

// Components are the controller's collaborators. Capturer, Transcriber,
// Generator, Synthesizer and Store are required; the rest are optional.
type Components struct {
	Capturer    Capturer
	Transcriber Transcriber
	Emotion     EmotionClassifier
	Generator   ResponseGenerator
	Synthesizer Synthesizer
	Player      Player
	Context     ContextProvider
	Store       TurnStore
	Insights    InsightSubmitter
	Events      Broadcaster
	Spool       AudioSpool
}

func (c *Components) validate() error {
	switch {
	case c.Capturer == nil:
		return missing("capturer")
	case c.Transcriber == nil:
		return missing("transcriber")
	case c.Generator == nil:
		return missing("generator")
	case c.Synthesizer == nil:
		return missing("synthesizer")
	case c.Store == nil:
		return missing("store")
	}
	return nil
}

func missing(name string) error {
	return &missingError{name: name}
}

type missingError struct{ name string }

func (e *missingError) Error() string { return ErrMissing.Error() + ": " + e.name }

func (e *missingError) Is(target error) bool { return target == ErrMissing }

type nopBroadcaster struct{}

func (nopBroadcaster) Publish(protocol.Event) {}
