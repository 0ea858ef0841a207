package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-companion/pkg/conversation"
	"github.com/teslashibe/go-companion/pkg/protocol"
)

// fakes implements every collaborator with overridable funcs and records
// what the controller asked for.
type fakes struct {
	CaptureFunc    func(ctx context.Context) (conversation.Audio, time.Duration, error)
	TranscribeFunc func(ctx context.Context, audio conversation.Audio) (string, error)
	ClassifyFunc   func(ctx context.Context, audio conversation.Audio) (*conversation.Emotion, error)
	GenerateFunc   func(ctx context.Context, transcript, contextText string) (string, error)
	SynthesizeFunc func(ctx context.Context, text string) (conversation.Audio, error)
	PersistFunc    func(ctx context.Context, draft *conversation.TurnDraft) (conversation.TurnID, error)
	ContextFunc    func(ctx context.Context) (string, error)

	mu          sync.Mutex
	events      []protocol.Event
	drafts      []*conversation.TurnDraft
	submitted   []conversation.TurnID
	synthesized []string
	played      int
	prompts     []string
	spooled     int
}

func newFakes() *fakes {
	return &fakes{}
}

func (f *fakes) components() Components {
	return Components{
		Capturer:    f,
		Transcriber: f,
		Emotion:     f,
		Generator:   f,
		Synthesizer: f,
		Player:      f,
		Context:     f,
		Store:       f,
		Insights:    f,
		Events:      f,
		Spool:       f,
	}
}

func (f *fakes) Name() string { return "fake" }

func (f *fakes) Capture(ctx context.Context) (conversation.Audio, time.Duration, error) {
	if f.CaptureFunc != nil {
		return f.CaptureFunc(ctx)
	}
	return conversation.Audio{Data: []byte("RIFF"), Encoding: "wav", SampleRate: 16000}, 2 * time.Second, nil
}

func (f *fakes) Transcribe(ctx context.Context, audio conversation.Audio) (string, error) {
	if f.TranscribeFunc != nil {
		return f.TranscribeFunc(ctx, audio)
	}
	return "why is the sky blue", nil
}

func (f *fakes) Classify(ctx context.Context, audio conversation.Audio) (*conversation.Emotion, error) {
	if f.ClassifyFunc != nil {
		return f.ClassifyFunc(ctx, audio)
	}
	return &conversation.Emotion{Label: "happy", Confidence: 0.8}, nil
}

func (f *fakes) Generate(ctx context.Context, transcript, contextText string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, contextText+transcript)
	f.mu.Unlock()
	if f.GenerateFunc != nil {
		return f.GenerateFunc(ctx, transcript, contextText)
	}
	return "Because air scatters blue light.", nil
}

func (f *fakes) Synthesize(ctx context.Context, text string) (conversation.Audio, error) {
	f.mu.Lock()
	f.synthesized = append(f.synthesized, text)
	f.mu.Unlock()
	if f.SynthesizeFunc != nil {
		return f.SynthesizeFunc(ctx, text)
	}
	return conversation.Audio{Data: []byte("wav:" + text), Encoding: "wav"}, nil
}

func (f *fakes) Play(ctx context.Context, audio conversation.Audio) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played++
	return nil
}

func (f *fakes) ContextText(ctx context.Context) (string, error) {
	if f.ContextFunc != nil {
		return f.ContextFunc(ctx)
	}
	return "", nil
}

func (f *fakes) Persist(ctx context.Context, draft *conversation.TurnDraft) (conversation.TurnID, error) {
	if f.PersistFunc != nil {
		return f.PersistFunc(ctx, draft)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, draft)
	return conversation.TurnID{Date: "20260101", Seq: len(f.drafts)}, nil
}

func (f *fakes) Submit(id conversation.TurnID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, id)
	return true
}

func (f *fakes) Publish(e protocol.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakes) Put(audio conversation.Audio) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spooled++
	return "/api/audio/ref"
}

func (f *fakes) states() []protocol.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.State
	for _, e := range f.events {
		if e.Type == protocol.TypeStateEvent {
			out = append(out, e.State)
		}
	}
	return out
}

func (f *fakes) eventTypes() []protocol.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.EventType
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

func (f *fakes) notices() []protocol.Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Notice
	for _, e := range f.events {
		if e.Type == protocol.TypeNoticeEvent {
			out = append(out, e.Notice)
		}
	}
	return out
}

func (f *fakes) counts() (drafts, submitted int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drafts), len(f.submitted)
}

func newController(t *testing.T, f *fakes, opts ...Option) *Controller {
	t.Helper()
	c, err := New(f.components(), opts...)
	require.NoError(t, err)
	return c
}

func waitIdle(t *testing.T, c *Controller) {
	t.Helper()
	require.Eventually(t, func() bool { return !c.Busy() }, 2*time.Second, 5*time.Millisecond)
}

var fullCycle = []protocol.State{
	protocol.StateListening,
	protocol.StateProcessing,
	protocol.StateSpeaking,
	protocol.StateIdle,
}

func TestRunTurnCompletes(t *testing.T) {
	f := newFakes()
	c := newController(t, f, WithProfile(conversation.Profile{ChildID: "kid-1"}))
	c.SetWakeName("keyboard")

	res, err := c.RunTurn(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, "20260101-0001", res.ID.String())
	assert.Equal(t, "why is the sky blue", res.Transcript)
	assert.False(t, res.Fallback)

	assert.Equal(t, fullCycle, f.states())
	assert.Equal(t, []protocol.EventType{
		protocol.TypeStateEvent, // listening
		protocol.TypeStateEvent, // processing
		protocol.TypeStateEvent, // speaking
		protocol.TypeAudioEvent,
		protocol.TypeTurnEvent,
		protocol.TypeStateEvent, // idle
	}, f.eventTypes())

	require.Len(t, f.drafts, 1)
	d := f.drafts[0]
	assert.Equal(t, "why is the sky blue", d.Transcript)
	assert.Equal(t, "Because air scatters blue light.", d.Response)
	require.NotNil(t, d.Emotion)
	assert.Equal(t, "happy", d.Emotion.Label)
	assert.Equal(t, 2*time.Second, d.AudioDuration)
	assert.Equal(t, "kid-1", d.Profile.ChildID)
	assert.Equal(t, "fake", d.Backends.Transcriber)
	assert.Equal(t, "keyboard", d.Backends.Wake)
	assert.False(t, d.ResponseAudio.Empty())

	assert.Equal(t, []conversation.TurnID{res.ID}, f.submitted)
	assert.Equal(t, 1, f.played)
	assert.Equal(t, StateIdle, c.State())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Turns)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, "20260101-0001", stats.LastTurn)
	assert.Equal(t, 1, c.Metrics().Count())
}

func TestContextPrefixesPrompt(t *testing.T) {
	f := newFakes()
	f.ContextFunc = func(ctx context.Context) (string, error) {
		return "CONTEXT FROM PREVIOUS CONVERSATIONS:\n- Recent topics: space\n\n", nil
	}
	c := newController(t, f)

	_, err := c.RunTurn(context.Background())
	require.NoError(t, err)

	require.Len(t, f.prompts, 1)
	assert.True(t, strings.HasPrefix(f.prompts[0], "CONTEXT FROM PREVIOUS CONVERSATIONS:"))
	assert.True(t, strings.HasSuffix(f.prompts[0], "why is the sky blue"))
}

func TestContextFailureIgnored(t *testing.T) {
	f := newFakes()
	f.ContextFunc = func(ctx context.Context) (string, error) {
		return "", errors.New("disk gone")
	}
	c := newController(t, f)

	res, err := c.RunTurn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, []string{"why is the sky blue"}, f.prompts)
}

func TestEmptyTranscriptShortCircuits(t *testing.T) {
	for _, transcript := range []string{"", "   ", "ok"} {
		t.Run(transcript, func(t *testing.T) {
			f := newFakes()
			f.TranscribeFunc = func(ctx context.Context, audio conversation.Audio) (string, error) {
				return transcript, nil
			}
			c := newController(t, f)

			res, err := c.RunTurn(context.Background())
			require.NoError(t, err)
			assert.Equal(t, OutcomeNothingCaptured, res.Outcome)

			drafts, submitted := f.counts()
			assert.Zero(t, drafts)
			assert.Zero(t, submitted)
			assert.Empty(t, f.synthesized)
			assert.Empty(t, f.prompts)
			assert.Equal(t, []protocol.Notice{protocol.NoticeNothingCaptured}, f.notices())
			assert.Equal(t, []protocol.State{
				protocol.StateListening,
				protocol.StateProcessing,
				protocol.StateIdle,
			}, f.states())
			assert.Equal(t, int64(1), c.Stats().NothingCaptured)
		})
	}
}

func TestEmptyAudioShortCircuits(t *testing.T) {
	f := newFakes()
	f.CaptureFunc = func(ctx context.Context) (conversation.Audio, time.Duration, error) {
		return conversation.Audio{}, 0, nil
	}
	transcribed := false
	f.TranscribeFunc = func(ctx context.Context, audio conversation.Audio) (string, error) {
		transcribed = true
		return "", nil
	}
	c := newController(t, f)

	res, err := c.RunTurn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNothingCaptured, res.Outcome)
	assert.False(t, transcribed)
	assert.Equal(t, []protocol.State{protocol.StateListening, protocol.StateIdle}, f.states())
}

func TestTranscriptionFailureSpeaksUnheardReply(t *testing.T) {
	f := newFakes()
	f.TranscribeFunc = func(ctx context.Context, audio conversation.Audio) (string, error) {
		return "", errors.New("whisper down")
	}
	c := newController(t, f)

	res, err := c.RunTurn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnheard, res.Outcome)
	assert.Equal(t, []string{DefaultUnheardReply}, f.synthesized)
	assert.Equal(t, fullCycle, f.states())
	assert.Equal(t, []protocol.Notice{protocol.NoticeTranscriptionFailed}, f.notices())

	drafts, submitted := f.counts()
	assert.Zero(t, drafts)
	assert.Zero(t, submitted)
}

func TestCaptureFailureSpeaksUnheardReply(t *testing.T) {
	f := newFakes()
	f.CaptureFunc = func(ctx context.Context) (conversation.Audio, time.Duration, error) {
		return conversation.Audio{}, 0, errors.New("no microphone")
	}
	c := newController(t, f, WithUnheardReply("I missed that."))

	res, err := c.RunTurn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnheard, res.Outcome)
	assert.Equal(t, []string{"I missed that."}, f.synthesized)
	assert.Equal(t, []protocol.State{
		protocol.StateListening,
		protocol.StateSpeaking,
		protocol.StateIdle,
	}, f.states())
}

func TestGenerationFailureUsesFallback(t *testing.T) {
	f := newFakes()
	f.GenerateFunc = func(ctx context.Context, transcript, contextText string) (string, error) {
		return "", errors.New("model unavailable")
	}
	c := newController(t, f)

	res, err := c.RunTurn(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, DefaultFallbackReply, res.Response)
	assert.Equal(t, []string{DefaultFallbackReply}, f.synthesized)
	assert.Equal(t, fullCycle, f.states())

	// The turn is still persisted with the fallback reply.
	require.Len(t, f.drafts, 1)
	assert.Equal(t, DefaultFallbackReply, f.drafts[0].Response)
	assert.Equal(t, int64(1), c.Stats().Fallbacks)
}

func TestEmotionFailureIsNonFatal(t *testing.T) {
	f := newFakes()
	f.ClassifyFunc = func(ctx context.Context, audio conversation.Audio) (*conversation.Emotion, error) {
		return nil, errors.New("classifier offline")
	}
	c := newController(t, f)

	res, err := c.RunTurn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	require.Len(t, f.drafts, 1)
	assert.Nil(t, f.drafts[0].Emotion)
	assert.Empty(t, f.notices())
}

func TestSynthesisFailureStillPersists(t *testing.T) {
	f := newFakes()
	f.SynthesizeFunc = func(ctx context.Context, text string) (conversation.Audio, error) {
		return conversation.Audio{}, errors.New("tts quota")
	}
	c := newController(t, f)

	res, err := c.RunTurn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Zero(t, f.played)
	assert.Zero(t, f.spooled)
	require.Len(t, f.drafts, 1)
	assert.True(t, f.drafts[0].ResponseAudio.Empty())
}

func TestPersistFailureSkipsInsight(t *testing.T) {
	f := newFakes()
	f.PersistFunc = func(ctx context.Context, draft *conversation.TurnDraft) (conversation.TurnID, error) {
		return conversation.TurnID{}, &conversation.StorageError{Op: "rename", Path: "/full", Err: errors.New("no space left on device")}
	}
	c := newController(t, f)

	res, err := c.RunTurn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotPersisted, res.Outcome)
	assert.True(t, res.ID.IsZero())

	// The user still heard the reply.
	assert.Equal(t, []string{"Because air scatters blue light."}, f.synthesized)
	assert.Equal(t, fullCycle, f.states())
	assert.Equal(t, []protocol.Notice{protocol.NoticePersistFailed}, f.notices())

	_, submitted := f.counts()
	assert.Zero(t, submitted)
	assert.Equal(t, int64(1), c.Stats().PersistFailures)
}

func TestWakeWhileBusyIsDropped(t *testing.T) {
	f := newFakes()
	generating := make(chan struct{})
	release := make(chan struct{})
	f.GenerateFunc = func(ctx context.Context, transcript, contextText string) (string, error) {
		close(generating)
		<-release
		return "answer", nil
	}
	c := newController(t, f)

	require.NoError(t, c.Wake(context.Background()))
	<-generating
	assert.Equal(t, StateGenerating, c.State())

	assert.ErrorIs(t, c.Wake(context.Background()), ErrBusy)
	_, err := c.RunTurn(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	waitIdle(t, c)

	drafts, _ := f.counts()
	assert.Equal(t, 1, drafts)
	assert.Equal(t, int64(2), c.Stats().DroppedWakes)
	assert.Equal(t, int64(1), c.Stats().Turns)
	assert.Equal(t, fullCycle, f.states())
}

func TestCancelDiscardsTurn(t *testing.T) {
	f := newFakes()
	generating := make(chan struct{})
	f.GenerateFunc = func(ctx context.Context, transcript, contextText string) (string, error) {
		close(generating)
		<-ctx.Done()
		return "", ctx.Err()
	}
	c := newController(t, f)

	errc := make(chan error, 1)
	go func() {
		_, err := c.RunTurn(context.Background())
		errc <- err
	}()
	<-generating

	require.True(t, c.Cancel())
	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.Busy())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("RunTurn did not return after Cancel")
	}

	drafts, submitted := f.counts()
	assert.Zero(t, drafts)
	assert.Zero(t, submitted)
	assert.Empty(t, f.synthesized)
	assert.Equal(t, []protocol.State{
		protocol.StateListening,
		protocol.StateProcessing,
		protocol.StateIdle,
	}, f.states())
	assert.Equal(t, int64(1), c.Stats().Cancelled)

	assert.False(t, c.Cancel(), "nothing in flight")
}

func TestCancelThenNewTurn(t *testing.T) {
	f := newFakes()
	block := make(chan struct{})
	var calls int
	var mu sync.Mutex
	f.CaptureFunc = func(ctx context.Context) (conversation.Audio, time.Duration, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(block)
			<-ctx.Done()
			return conversation.Audio{}, 0, ctx.Err()
		}
		return conversation.Audio{Data: []byte("RIFF"), Encoding: "wav"}, time.Second, nil
	}
	c := newController(t, f)

	require.NoError(t, c.Wake(context.Background()))
	<-block
	require.True(t, c.Cancel())

	res, err := c.RunTurn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, "20260101-0001", res.ID.String())
}

func TestParentContextCancelled(t *testing.T) {
	f := newFakes()
	ctx, cancel := context.WithCancel(context.Background())
	f.TranscribeFunc = func(tctx context.Context, audio conversation.Audio) (string, error) {
		cancel()
		return "hello there", nil
	}
	c := newController(t, f)

	_, err := c.RunTurn(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, protocol.StateIdle, f.states()[len(f.states())-1])

	drafts, _ := f.counts()
	assert.Zero(t, drafts)
}

func TestNewRequiresComponents(t *testing.T) {
	f := newFakes()

	comp := f.components()
	comp.Transcriber = nil
	_, err := New(comp)
	assert.ErrorIs(t, err, ErrMissing)
	assert.Contains(t, err.Error(), "transcriber")

	comp = f.components()
	comp.Store = nil
	_, err = New(comp)
	assert.ErrorIs(t, err, ErrMissing)

	// Optional collaborators may be absent.
	comp = Components{
		Capturer:    f,
		Transcriber: f,
		Generator:   f,
		Synthesizer: f,
		Store:       f,
	}
	c, err := New(comp)
	require.NoError(t, err)
	res, err := c.RunTurn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	_, err = New(f.components(), WithMinTranscriptChars(0))
	assert.Error(t, err)
}

func TestStateObserverMapping(t *testing.T) {
	tests := []struct {
		state State
		want  protocol.State
	}{
		{StateIdle, protocol.StateIdle},
		{StateListening, protocol.StateListening},
		{StateTranscribing, protocol.StateProcessing},
		{StateGenerating, protocol.StateProcessing},
		{StateSpeaking, protocol.StateSpeaking},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.Observer())
		})
	}
	assert.Equal(t, "unknown", State(42).String())
}
