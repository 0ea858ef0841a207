// Package session implements the turn-taking state machine.
//
// A Controller drives one turn at a time through
// Idle → Listening → Transcribing → Generating → Speaking → Idle,
// broadcasting each observer-visible state before the work of that state
// begins. Failures inside a turn never escape as errors: optional
// capabilities are skipped and a failed generation is replaced by a fixed
// reply, so the user always hears something once a transcript exists.
// The only errors RunTurn returns are ErrBusy and ErrCancelled.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/teslashibe/go-companion/pkg/conversation"
	"github.com/teslashibe/go-companion/pkg/protocol"
)

// Default replies.
const (
	DefaultFallbackReply = "Sorry, I'm having trouble thinking right now. Can you ask me again?"
	DefaultUnheardReply  = "Sorry, I didn't hear anything. Try again."
)

// Config configures a Controller.
type Config struct {
	// MinTranscriptChars is the shortest transcript treated as speech.
	MinTranscriptChars int

	// FallbackReply replaces a failed or empty generation.
	FallbackReply string

	// UnheardReply is spoken when capture or transcription fails.
	UnheardReply string

	// Profile attributes persisted turns to a household member.
	Profile conversation.Profile

	// HistorySize is the number of turns kept by the metrics collector.
	HistorySize int

	Logger *slog.Logger

	// Now is the clock used for turn timestamps and latencies.
	Now func() time.Time
}

// Option configures a Controller.
type Option func(*Config)

// WithMinTranscriptChars sets the shortest accepted transcript.
func WithMinTranscriptChars(n int) Option { return func(c *Config) { c.MinTranscriptChars = n } }

// WithFallbackReply sets the reply used when generation fails.
func WithFallbackReply(s string) Option { return func(c *Config) { c.FallbackReply = s } }

// WithUnheardReply sets the reply used when nothing could be transcribed.
func WithUnheardReply(s string) Option { return func(c *Config) { c.UnheardReply = s } }

// WithProfile sets the profile recorded on persisted turns.
func WithProfile(p conversation.Profile) Option { return func(c *Config) { c.Profile = p } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(c *Config) { c.Logger = l } }

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option { return func(c *Config) { c.Now = now } }

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		MinTranscriptChars: 3,
		FallbackReply:      DefaultFallbackReply,
		UnheardReply:       DefaultUnheardReply,
		HistorySize:        100,
		Logger:             slog.Default(),
		Now:                time.Now,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MinTranscriptChars < 1 {
		return errors.New("session: min transcript chars must be positive")
	}
	if strings.TrimSpace(c.FallbackReply) == "" {
		return errors.New("session: fallback reply is required")
	}
	return nil
}

// Outcome describes how a turn ended.
type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"        // Reply spoken and turn persisted
	OutcomeNotPersisted    Outcome = "not_persisted"    // Reply spoken, store failed
	OutcomeNothingCaptured Outcome = "nothing_captured" // Empty audio or transcript
	OutcomeUnheard         Outcome = "unheard"          // Capture or transcription failed
)

// Result summarizes a finished turn.
type Result struct {
	Outcome    Outcome
	ID         conversation.TurnID // Zero unless persisted
	Transcript string
	Response   string
	Fallback   bool // Response is the fallback reply
	Latencies  conversation.Latencies
}

// Stats is a snapshot of controller activity.
type Stats struct {
	State           string                 `json:"state"`
	Turns           int64                  `json:"turns"`
	Completed       int64                  `json:"completed"`
	NothingCaptured int64                  `json:"nothingCaptured"`
	Unheard         int64                  `json:"unheard"`
	Fallbacks       int64                  `json:"fallbacks"`
	PersistFailures int64                  `json:"persistFailures"`
	Cancelled       int64                  `json:"cancelled"`
	DroppedWakes    int64                  `json:"droppedWakes"`
	LastTurn        string                 `json:"lastTurn,omitempty"`
	LastLatency     conversation.Latencies `json:"lastLatency"`
	AvgLatency      conversation.Latencies `json:"avgLatency"`
}

// Controller runs turns. It is safe for concurrent use; at most one turn
// is in flight at any time.
type Controller struct {
	comp    Components
	cfg     *Config
	logger  *slog.Logger
	events  Broadcaster
	metrics *MetricsCollector

	mu       sync.Mutex
	state    State
	busy     bool
	gen      uint64
	cancel   context.CancelFunc
	wakeName string
	stats    Stats
}

// New creates a Controller. Capturer, Transcriber, Generator, Synthesizer
// and Store are required.
func New(comp Components, opts ...Option) (*Controller, error) {
	if err := comp.validate(); err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.UnheardReply == "" {
		cfg.UnheardReply = DefaultUnheardReply
	}
	events := comp.Events
	if events == nil {
		events = nopBroadcaster{}
	}
	return &Controller{
		comp:    comp,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "session.controller"),
		events:  events,
		metrics: NewMetricsCollector(cfg.HistorySize),
		state:   StateIdle,
	}, nil
}

// Metrics returns the latency collector.
func (c *Controller) Metrics() *MetricsCollector {
	return c.metrics
}

// State returns the current internal state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether a turn is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Stats returns a snapshot of controller activity.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	s := c.stats
	s.State = c.state.String()
	c.mu.Unlock()

	s.LastLatency = c.metrics.Last()
	s.AvgLatency = c.metrics.Average()
	return s
}

// SetWakeName records which wake detector triggers turns.
func (c *Controller) SetWakeName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wakeName = name
}

// turn is the bookkeeping of one in-flight turn.
type turn struct {
	ctx    context.Context
	gen    uint64
	logger *slog.Logger
}

// begin claims the controller for a new turn.
func (c *Controller) begin(ctx context.Context) (*turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busy {
		c.stats.DroppedWakes++
		return nil, ErrBusy
	}
	c.busy = true
	c.gen++
	c.stats.Turns++

	tctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	return &turn{
		ctx:    tctx,
		gen:    c.gen,
		logger: c.logger.With("turn", c.stats.Turns),
	}, nil
}

// finish releases the controller and returns to Idle. A turn that was
// cancelled has already been released by Cancel.
func (c *Controller) finish(t *turn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.gen != c.gen || !c.busy {
		return
	}
	c.cancel()
	c.cancel = nil
	c.busy = false
	c.setStateLocked(StateIdle)
}

// enter moves the turn to state s. It fails when the turn was cancelled.
func (c *Controller) enter(t *turn, s State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.gen != c.gen || !c.busy {
		return ErrCancelled
	}
	c.setStateLocked(s)
	return nil
}

// setStateLocked broadcasts only when the observer-visible state changes,
// so Transcribing and Generating share one "processing" event.
func (c *Controller) setStateLocked(s State) {
	prev := c.state
	c.state = s
	if prev.Observer() != s.Observer() {
		c.events.Publish(protocol.NewStateEvent(s.Observer()))
	}
	c.logger.Debug("state", "from", prev.String(), "to", s.String())
}

// publish sends a non-state event for a live turn.
func (c *Controller) publish(t *turn, e protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.gen == c.gen && c.busy {
		c.events.Publish(e)
	}
}

// live reports whether the turn may still act.
func (c *Controller) live(t *turn) bool {
	if t.ctx.Err() != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return t.gen == c.gen && c.busy
}

// Cancel abandons the in-flight turn. The controller returns to Idle
// immediately and the partial turn is discarded. It reports whether a turn
// was in flight.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.busy {
		return false
	}
	c.gen++
	c.busy = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.stats.Cancelled++
	c.setStateLocked(StateIdle)
	c.logger.Info("turn cancelled")
	return true
}

// RunTurn runs one complete turn and blocks until it ends. It returns
// ErrBusy when another turn is in flight and ErrCancelled when the turn
// was abandoned by Cancel or ctx.
func (c *Controller) RunTurn(ctx context.Context) (*Result, error) {
	t, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	return c.run(t)
}

// Wake starts a turn in the background. It returns ErrBusy when a turn is
// already in flight; the wake is dropped, not queued.
func (c *Controller) Wake(ctx context.Context) error {
	t, err := c.begin(ctx)
	if err != nil {
		c.logger.Debug("wake dropped", "state", c.State().String())
		return err
	}
	go c.run(t)
	return nil
}

func (c *Controller) run(t *turn) (res *Result, err error) {
	defer c.finish(t)
	defer func() {
		if errors.Is(err, ErrCancelled) {
			res = nil
			t.logger.Debug("turn discarded")
		}
	}()

	now := c.cfg.Now
	sw := newStopwatch(now)
	draft := &conversation.TurnDraft{
		StartedAt: now(),
		Profile:   c.cfg.Profile,
		Backends:  c.backends(),
	}
	res = &Result{}

	// Listening
	if err := c.enter(t, StateListening); err != nil {
		return nil, err
	}
	audio, duration, err := c.comp.Capturer.Capture(t.ctx)
	draft.Latencies.CaptureMs = sw.lap()
	if !c.live(t) {
		return nil, ErrCancelled
	}
	if err != nil {
		t.logger.Warn("capture failed", "error", err)
		return c.unheard(t, res, protocol.NoticeNothingCaptured)
	}
	if audio.Empty() {
		return c.nothingCaptured(t, res)
	}
	draft.UserAudio = audio
	draft.AudioDuration = duration

	// Transcribing
	if err := c.enter(t, StateTranscribing); err != nil {
		return nil, err
	}
	transcript, err := c.comp.Transcriber.Transcribe(t.ctx, audio)
	draft.Latencies.TranscribeMs = sw.lap()
	if !c.live(t) {
		return nil, ErrCancelled
	}
	if err != nil {
		t.logger.Warn("transcription failed", "error", err)
		return c.unheard(t, res, protocol.NoticeTranscriptionFailed)
	}
	transcript = strings.TrimSpace(transcript)
	if utf8.RuneCountInString(transcript) < c.cfg.MinTranscriptChars {
		t.logger.Info("nothing captured", "transcript", transcript)
		return c.nothingCaptured(t, res)
	}
	draft.Transcript = transcript
	res.Transcript = transcript
	t.logger.Info("heard", "transcript", transcript)

	draft.Emotion = c.classify(t, audio)
	draft.Latencies.EmotionMs = sw.lap()

	contextText := c.contextText(t)
	draft.Latencies.ContextMs = sw.lap()
	if !c.live(t) {
		return nil, ErrCancelled
	}

	// Generating
	if err := c.enter(t, StateGenerating); err != nil {
		return nil, err
	}
	reply, err := c.comp.Generator.Generate(t.ctx, transcript, contextText)
	draft.Latencies.GenerateMs = sw.lap()
	if !c.live(t) {
		return nil, ErrCancelled
	}
	reply = strings.TrimSpace(reply)
	if err != nil || reply == "" {
		t.logger.Warn("generation failed, using fallback reply", "error", err)
		reply = c.cfg.FallbackReply
		res.Fallback = true
		c.count(func(s *Stats) { s.Fallbacks++ })
	}
	draft.Response = reply
	res.Response = reply

	// Speaking
	if err := c.enter(t, StateSpeaking); err != nil {
		return nil, err
	}
	spoken, playMs, err := c.speak(t, reply)
	if err != nil {
		return nil, err
	}
	draft.Latencies.SynthesizeMs = sw.lap() - playMs
	draft.Latencies.PlaybackMs = playMs
	draft.ResponseAudio = spoken

	// Once persistence starts the turn is committed; a late Cancel no
	// longer discards it.
	if !c.live(t) {
		return nil, ErrCancelled
	}
	draft.Latencies.TotalMs = sw.total()
	res.Latencies = draft.Latencies
	c.metrics.Record(draft.Latencies)

	id, err := c.comp.Store.Persist(context.WithoutCancel(t.ctx), draft)
	if err != nil {
		t.logger.Error("persist failed, turn not retained", "error", err)
		c.events.Publish(protocol.NewNoticeEvent(protocol.NoticePersistFailed))
		c.count(func(s *Stats) { s.PersistFailures++ })
		res.Outcome = OutcomeNotPersisted
		return res, nil
	}
	res.ID = id
	res.Outcome = OutcomeCompleted
	c.events.Publish(protocol.NewTurnEvent(id.String()))
	c.count(func(s *Stats) {
		s.Completed++
		s.LastTurn = id.String()
	})

	if c.comp.Insights != nil && !c.comp.Insights.Submit(id) {
		t.logger.Debug("insight job not queued", "id", id.String())
	}
	t.logger.Info("turn complete", "id", id.String(), "latency", FormatLatency(draft.Latencies))
	return res, nil
}

// speak synthesizes and plays text. Synthesis or playback failures are
// logged; the turn continues without audio. It returns the synthesized
// audio and the playback time in milliseconds.
func (c *Controller) speak(t *turn, text string) (conversation.Audio, int64, error) {
	audio, err := c.comp.Synthesizer.Synthesize(t.ctx, text)
	if !c.live(t) {
		return conversation.Audio{}, 0, ErrCancelled
	}
	if err != nil {
		t.logger.Warn("synthesis failed", "error", err)
		return conversation.Audio{}, 0, nil
	}
	if audio.Empty() {
		return audio, 0, nil
	}

	if c.comp.Spool != nil {
		ref := c.comp.Spool.Put(audio)
		c.publish(t, protocol.NewAudioEvent(ref))
	}

	if c.comp.Player == nil {
		return audio, 0, nil
	}
	start := c.cfg.Now()
	err = c.comp.Player.Play(t.ctx, audio)
	playMs := c.cfg.Now().Sub(start).Milliseconds()
	if !c.live(t) {
		return conversation.Audio{}, 0, ErrCancelled
	}
	if err != nil {
		t.logger.Warn("playback failed", "error", err)
	}
	return audio, playMs, nil
}

// classify runs emotion classification. Any failure omits the emotion.
func (c *Controller) classify(t *turn, audio conversation.Audio) *conversation.Emotion {
	if c.comp.Emotion == nil {
		return nil
	}
	emotion, err := c.comp.Emotion.Classify(t.ctx, audio)
	if err != nil {
		t.logger.Warn("emotion classification failed", "error", err)
		return nil
	}
	if emotion != nil {
		t.logger.Debug("emotion", "label", emotion.Label, "confidence", emotion.Confidence)
	}
	return emotion
}

// contextText fetches memory of previous conversations. Any failure yields
// no context.
func (c *Controller) contextText(t *turn) string {
	if c.comp.Context == nil {
		return ""
	}
	text, err := c.comp.Context.ContextText(t.ctx)
	if err != nil {
		t.logger.Warn("context unavailable", "error", err)
		return ""
	}
	return text
}

func (c *Controller) nothingCaptured(t *turn, res *Result) (*Result, error) {
	c.publish(t, protocol.NewNoticeEvent(protocol.NoticeNothingCaptured))
	c.count(func(s *Stats) { s.NothingCaptured++ })
	res.Outcome = OutcomeNothingCaptured
	return res, nil
}

// unheard tells the user their words were lost and ends the turn without
// persisting anything.
func (c *Controller) unheard(t *turn, res *Result, notice protocol.Notice) (*Result, error) {
	c.publish(t, protocol.NewNoticeEvent(notice))
	c.count(func(s *Stats) { s.Unheard++ })
	res.Outcome = OutcomeUnheard
	res.Response = c.cfg.UnheardReply

	if err := c.enter(t, StateSpeaking); err != nil {
		return nil, err
	}
	if _, _, err := c.speak(t, c.cfg.UnheardReply); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Controller) backends() conversation.Backends {
	c.mu.Lock()
	wake := c.wakeName
	c.mu.Unlock()
	return conversation.Backends{
		Transcriber: nameOf(c.comp.Transcriber),
		Generator:   nameOf(c.comp.Generator),
		Synthesizer: nameOf(c.comp.Synthesizer),
		Emotion:     nameOf(c.comp.Emotion),
		Wake:        wake,
	}
}

func (c *Controller) count(fn func(*Stats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.stats)
}
