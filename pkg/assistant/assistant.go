// Package assistant builds the companion from its configuration and runs
// it: the wake loop, background analysis, the event hub and the HTTP and
// remote-control surfaces.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-companion/internal/config"
	"github.com/teslashibe/go-companion/pkg/audioio"
	"github.com/teslashibe/go-companion/pkg/conversation"
	"github.com/teslashibe/go-companion/pkg/hub"
	"github.com/teslashibe/go-companion/pkg/inference"
	"github.com/teslashibe/go-companion/pkg/insight"
	"github.com/teslashibe/go-companion/pkg/memory"
	"github.com/teslashibe/go-companion/pkg/remote"
	"github.com/teslashibe/go-companion/pkg/session"
	"github.com/teslashibe/go-companion/pkg/stt"
	"github.com/teslashibe/go-companion/pkg/tts"
	"github.com/teslashibe/go-companion/pkg/wake"
	"github.com/teslashibe/go-companion/pkg/web"
)

const (
	spoolSize       = 16
	shutdownTimeout = 5 * time.Second
)

// Option overrides a component New would otherwise build from config.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	capturer  session.Capturer
	player    session.Player
	detector  session.Detector
	provider  inference.Provider
	wakeInput io.Reader
	prompt    io.Writer
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCapturer replaces microphone capture.
func WithCapturer(c session.Capturer) Option {
	return func(o *options) { o.capturer = c }
}

// WithPlayer replaces speaker playback.
func WithPlayer(p session.Player) Option {
	return func(o *options) { o.player = p }
}

// WithDetector replaces the configured wake detector.
func WithDetector(d session.Detector) Option {
	return func(o *options) { o.detector = d }
}

// WithProvider replaces the configured chat provider.
func WithProvider(p inference.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithWakeInput sets where the keyboard detector reads. Defaults to stdin.
func WithWakeInput(r io.Reader) Option {
	return func(o *options) { o.wakeInput = r }
}

// WithPrompt sets where the keyboard detector prints its prompt.
func WithPrompt(w io.Writer) Option {
	return func(o *options) { o.prompt = w }
}

// App is the assembled companion.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store       conversation.Store
	transcriber stt.Provider
	synthesizer tts.Provider
	provider    inference.Provider
	shared      *inference.Shared
	aggregator  *memory.Aggregator
	extractor   *insight.Extractor
	backfill    *insight.Backfill
	events      *hub.Hub
	spool       *web.Spool
	ctrl        *session.Controller
	service     *session.Service
	detector    session.Detector
	web         *web.Server
	remote      *remote.Server
	webStarted  atomic.Bool

	base      context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and builds every component. Nothing runs until Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("assistant: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{logger: slog.Default(), wakeInput: os.Stdin}
	for _, opt := range opts {
		opt(o)
	}

	base, cancel := context.WithCancel(context.Background())
	a := &App{
		cfg:    cfg,
		logger: o.logger.With("component", "assistant"),
		base:   base,
		cancel: cancel,
	}
	if err := a.init(o); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(o *options) error {
	cfg, logger := a.cfg, o.logger

	store, err := OpenStore(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = store

	if a.transcriber, err = NewTranscriber(cfg.STT, logger); err != nil {
		return err
	}
	if a.synthesizer, err = NewSynthesizer(cfg.TTS, logger); err != nil {
		return err
	}
	classifier, err := NewEmotion(cfg.Emotion, logger)
	if err != nil {
		return err
	}

	a.provider = o.provider
	if a.provider == nil {
		if a.provider, err = NewProvider(cfg.LLM, logger); err != nil {
			return err
		}
	}
	a.shared = inference.NewShared(a.provider, slotsFor(cfg.LLM.Provider))
	responder := inference.NewResponder(a.shared.Foreground(),
		inference.WithPersona(cfg.LLM.SystemPrompt),
		inference.WithReplyTokens(cfg.LLM.MaxTokens),
		inference.WithReplyTemperature(cfg.LLM.Temperature),
		inference.WithResponderLogger(logger),
	)

	a.aggregator = memory.NewAggregator(store,
		memory.WithLimit(cfg.Context.Window),
		memory.WithScanLimit(cfg.Context.ScanLimit),
		memory.WithThreshold(cfg.Context.TrendThreshold),
		memory.WithMaxChars(cfg.Context.MaxChars),
		memory.WithLogger(logger),
	)

	if cfg.Analysis.Enabled {
		a.extractor, err = insight.New(store, a.shared.Background(),
			insight.WithWorkers(cfg.Analysis.Workers),
			insight.WithQueueSize(cfg.Analysis.QueueSize),
			insight.WithTimeout(cfg.Analysis.Timeout),
			insight.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("insight: %w", err)
		}
		a.backfill = insight.NewBackfill(store, a.extractor, logger)
	}

	a.events = hub.New("events", logger)

	capturer := o.capturer
	if capturer == nil {
		if capturer, err = a.newRecorder(logger); err != nil {
			return err
		}
	}
	player := o.player
	if player == nil {
		player = audioio.NewCommandPlayer(cfg.Audio.PlayCommand, logger)
	}

	comp := session.Components{
		Capturer:    capturer,
		Transcriber: a.transcriber,
		Generator:   responder,
		Synthesizer: a.synthesizer,
		Player:      player,
		Context:     a.aggregator,
		Store:       store,
		Events:      a.events,
	}
	if classifier != nil {
		comp.Emotion = classifier
	}
	if a.extractor != nil {
		comp.Insights = a.extractor
	}
	if cfg.Web.Enabled {
		a.spool = web.NewSpool(spoolSize)
		comp.Spool = a.spool
	}

	a.ctrl, err = session.New(comp,
		session.WithMinTranscriptChars(cfg.Session.MinTranscriptChars),
		session.WithFallbackReply(cfg.Session.FallbackReply),
		session.WithUnheardReply(cfg.Session.UnheardReply),
		session.WithProfile(conversation.Profile{UserID: cfg.Profile.UserID, ChildID: cfg.Profile.ChildID}),
		session.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	a.detector = o.detector
	if a.detector == nil {
		mode, err := wake.ParseMode(cfg.Wake.Mode)
		if err != nil {
			return err
		}
		a.detector = wake.New(mode, wake.Options{
			Command: cfg.Wake.Command,
			Input:   o.wakeInput,
			Prompt:  o.prompt,
			Logger:  logger,
		})
	}
	a.ctrl.SetWakeName(a.detector.Name())
	a.service = session.NewService(a.ctrl, a.detector)

	if cfg.Web.Enabled {
		deps := web.Deps{
			Session: a.service,
			Turns:   store,
			Context: a.aggregator,
			Events:  a.events,
			Spool:   a.spool,
		}
		if a.extractor != nil {
			deps.Analysis = a.extractor
		}
		a.web = web.NewServer(a.base, web.Config{Addr: cfg.Web.Addr, Logger: logger}, deps)

		if cfg.Remote.Enabled {
			a.remote = remote.New(a.service, logger)
			a.remote.RegisterRoutes(a.web.App())
			a.remote.RegisterAPIRoutes(a.web.App().Group("/api"))
		}
	}
	return nil
}

func (a *App) newRecorder(logger *slog.Logger) (*audioio.Recorder, error) {
	acfg := audioio.DefaultConfig()
	acfg.SampleRate = a.cfg.Audio.SampleRate
	acfg.Command = a.cfg.Audio.CaptureCommand
	if acfg.Command != "" {
		acfg.Backend = audioio.BackendCommand
	}
	src, err := audioio.NewSource(acfg, logger)
	if err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}

	ropts := []audioio.RecorderOption{audioio.WithWindow(a.cfg.Session.RecordWindow)}
	if a.cfg.Audio.SilenceThreshold > 0 {
		ropts = append(ropts, audioio.WithSilence(a.cfg.Audio.SilenceThreshold, a.cfg.Audio.SilenceTimeout))
	}
	return audioio.NewRecorder(src, logger, ropts...), nil
}

// Run starts every component and blocks until ctx is done. With the web
// API disabled the wake loop runs in the foreground and its failure ends
// Run; otherwise the loop can be stopped and restarted over HTTP.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-a.base.Done():
			cancel()
		}
	}()

	go a.events.Run(ctx)

	if a.extractor != nil {
		a.extractor.Start(ctx)
		go a.runBackfill(ctx)
	}

	a.logger.Info("companion starting",
		"wake", a.detector.Name(),
		"store", a.cfg.Store.Backend,
		"llm", a.cfg.LLM.Provider,
		"analysis", a.extractor != nil,
		"web", a.web != nil,
	)

	if a.web == nil {
		err := a.ctrl.Run(ctx, a.detector)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	a.web.StartAsync()
	a.webStarted.Store(true)
	if err := a.service.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// runBackfill queues turns left pending by earlier runs, then keeps
// watching when a watch interval is configured.
func (a *App) runBackfill(ctx context.Context) {
	if interval := a.cfg.Analysis.WatchInterval; interval > 0 {
		a.backfill.Watch(ctx, interval)
		return
	}
	if _, err := a.backfill.Run(ctx); err != nil && ctx.Err() == nil {
		a.logger.Warn("backfill failed", "error", err)
	}
}

// Close stops the loop, the servers and the workers, then releases the
// providers and the store. It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if a.service != nil {
			if err := a.service.Stop(ctx); err != nil && !errors.Is(err, session.ErrNotRunning) {
				errs = append(errs, err)
			}
		}
		a.cancel()

		if a.webStarted.Load() {
			if err := a.web.Shutdown(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.extractor != nil {
			a.extractor.Close()
		}
		for _, c := range []io.Closer{a.transcriber, a.synthesizer, a.provider} {
			if c != nil {
				if err := c.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		a.closeErr = errors.Join(errs...)
		a.logger.Info("companion stopped")
	})
	return a.closeErr
}

// Store returns the conversation store.
func (a *App) Store() conversation.Store { return a.store }

// Service returns the session service.
func (a *App) Service() *session.Service { return a.service }

// Extractor returns the insight extractor, nil when analysis is disabled.
func (a *App) Extractor() *insight.Extractor { return a.extractor }

// Aggregator returns the context aggregator.
func (a *App) Aggregator() *memory.Aggregator { return a.aggregator }

// Events returns the event hub.
func (a *App) Events() *hub.Hub { return a.events }

// Web returns the HTTP server, nil when the API is disabled.
func (a *App) Web() *web.Server { return a.web }

var (
	_ web.Session    = (*session.Service)(nil)
	_ remote.Session = (*session.Service)(nil)
)
