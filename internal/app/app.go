// Package app wires all Callwright subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the dataset, the
// operator console, the analysis pipeline and the session engine, Run serves
// the HTTP surface until the context ends, and Shutdown tears everything down
// in order.
//
// For testing, inject doubles via functional options (WithKV, WithDevice,
// WithTelemetry, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callwright/internal/analysis"
	"github.com/MrWong99/callwright/internal/api"
	"github.com/MrWong99/callwright/internal/config"
	"github.com/MrWong99/callwright/internal/health"
	"github.com/MrWong99/callwright/internal/observe"
	"github.com/MrWong99/callwright/internal/resilience"
	"github.com/MrWong99/callwright/internal/session"
	"github.com/MrWong99/callwright/internal/store"
	"github.com/MrWong99/callwright/internal/store/filestore"
	"github.com/MrWong99/callwright/internal/store/memstore"
	"github.com/MrWong99/callwright/internal/store/postgres"
	"github.com/MrWong99/callwright/pkg/audio/capture"
	"github.com/MrWong99/callwright/pkg/audio/console"
	"github.com/MrWong99/callwright/pkg/audio/playback"
	"github.com/MrWong99/callwright/pkg/provider/llm"
	"github.com/MrWong99/callwright/pkg/provider/s2s"
)

// shutdownGrace bounds how long Run waits for in-flight HTTP requests once
// its context ends.
const shutdownGrace = 10 * time.Second

// NamedLLM pairs an LLM provider with its config name for breaker and metric
// labels.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds the constructed providers. S2S is required; LLM may be nil,
// in which case calls end with the transcript heuristic only. Populated by
// main.go via the config registry.
type Providers struct {
	S2S          s2s.Provider
	LLM          llm.Provider
	LLMFallbacks []NamedLLM
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	kv        store.KV
	repo      *store.Repository
	device    capture.Device
	sink      playback.Sink
	hub       *console.Hub
	metrics   *observe.Metrics
	telemetry *observe.Telemetry
	llm       *resilience.LLMFallback
	analyzer  *analysis.Analyzer
	engine    *session.Engine
	health    *health.Handler
	handler   http.Handler
	logLevel  *slog.LevelVar

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithKV injects a KV store instead of creating one from storage config.
func WithKV(kv store.KV) Option {
	return func(a *App) { a.kv = kv }
}

// WithDevice injects a capture device instead of the operator console.
func WithDevice(d capture.Device) Option {
	return func(a *App) { a.device = d }
}

// WithSink injects a playback sink instead of the operator console.
func WithSink(s playback.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithTelemetry injects an initialised SDK instead of calling
// [observe.InitProvider].
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithLogLevel gives the App the level variable behind the process logger so
// config reloads can change verbosity.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: storage connection and
// dataset load, console setup, analysis and engine construction, and route
// registration.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil {
		return nil, errors.New("app: an s2s provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Dataset ──────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Operator console ─────────────────────────────────────────────
	a.initConsole()

	// ── 4. Post-call analysis ───────────────────────────────────────────
	a.initAnalysis()

	// ── 5. Session engine ───────────────────────────────────────────────
	a.initEngine(ctx)

	// ── 6. HTTP surface ─────────────────────────────────────────────────
	a.initRoutes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initTelemetry(ctx context.Context) error {
	if a.telemetry == nil {
		tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "callwright"})
		if err != nil {
			return err
		}
		a.telemetry = tel
		a.closers = append(a.closers, func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tel.Shutdown(sctx)
		})
	}
	a.metrics = observe.DefaultMetrics()
	return nil
}

// initStore opens the configured KV backend and loads the dataset, seeding
// defaults on first start.
func (a *App) initStore(ctx context.Context) error {
	if a.kv == nil {
		switch a.cfg.Storage.Backend {
		case config.StorageFile:
			fs, err := filestore.New(a.cfg.Storage.Path)
			if err != nil {
				return err
			}
			a.kv = fs
		case config.StoragePostgres:
			pg, closePool, err := postgres.Open(ctx, a.cfg.Storage.PostgresDSN)
			if err != nil {
				return err
			}
			a.kv = pg
			a.closers = append(a.closers, func() error {
				closePool()
				return nil
			})
		default:
			a.kv = memstore.New()
		}
	}

	a.repo = store.NewRepository(a.kv, store.WithWriteHook(a.metrics.RecordStoreWrite))
	if err := a.repo.Load(ctx); err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}
	slog.Info("dataset loaded",
		"backend", a.cfg.Storage.Backend,
		"leads", len(a.repo.Leads()),
		"knowledge", len(a.repo.Knowledge()),
	)
	return nil
}

// initConsole creates the operator console hub unless both ends of the audio
// path were injected.
func (a *App) initConsole() {
	if a.device != nil && a.sink != nil {
		return
	}
	a.hub = console.New()
	if a.device == nil {
		a.device = a.hub
	}
	if a.sink == nil {
		a.sink = a.hub
	}
}

// initAnalysis builds the failover LLM chain and the analyzer. Without an
// LLM, calls end with the transcript heuristic only.
func (a *App) initAnalysis() {
	if a.providers.LLM == nil {
		slog.Warn("no llm provider configured, post-call analysis disabled")
		return
	}

	a.llm = resilience.NewLLMFallback(a.providers.LLM, a.cfg.Providers.LLM.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("llm circuit breaker", "provider", name, "from", from, "to", to)
			},
		},
		OnAttempt: func(name string, err error) {
			a.metrics.RecordProviderRequest(context.Background(), name, observe.StatusLabel(err))
			if err != nil {
				a.metrics.RecordProviderError(context.Background(), name)
			}
		},
	})
	for _, fb := range a.providers.LLMFallbacks {
		a.llm.AddFallback(fb.Name, fb.Provider)
	}

	a.analyzer = analysis.New(a.llm, a.repo,
		analysis.WithKnowledgeSink(a.repo),
		analysis.WithStageTimeout(a.cfg.Analysis.Timeout),
		analysis.WithMinExtractionEntries(a.cfg.Analysis.MinExtractionEntries),
		analysis.WithMetrics(a.metrics),
	)
	slog.Info("post-call analysis enabled", "llm_chain", a.llm.Names())
}

func (a *App) initEngine(ctx context.Context) {
	opts := []session.Option{
		session.WithPersona(a.cfg.Agent.Persona),
		session.WithVoice(a.cfg.Agent.Voice),
		session.WithConnectTimeout(a.cfg.Agent.ConnectTimeout),
		session.WithAudioFormat(
			a.cfg.Audio.InputSampleRate,
			a.cfg.Audio.OutputSampleRate,
			a.cfg.Audio.FrameSamples,
			a.cfg.Audio.SendQueue,
		),
		session.WithMetrics(a.metrics),
		session.WithProviderName(a.cfg.Providers.S2S.Name),
		session.WithBaseContext(context.WithoutCancel(ctx)),
	}
	if a.analyzer != nil {
		opts = append(opts, session.WithAnalyzer(a.analyzer))
	}
	a.engine = session.New(a.providers.S2S, a.device, a.sink, a.repo, opts...)
}

// initRoutes builds the handler tree. Control and health routes run behind
// the tracing middleware; /metrics and the console WebSocket are mounted
// directly.
func (a *App) initRoutes() {
	checks := []health.Checker{{
		Name: "store",
		Check: func(ctx context.Context) error {
			_, _, err := a.kv.Get(ctx, store.KeyLeads)
			return err
		},
	}}
	if c, ok := a.device.(interface{ Connected() bool }); ok {
		checks = append(checks, health.Checker{
			Name:     "console",
			Optional: true,
			Check: func(context.Context) error {
				if !c.Connected() {
					return console.ErrNotConnected
				}
				return nil
			},
		})
	}
	a.health = health.New(checks...)

	routes := http.NewServeMux()
	a.health.Register(routes)
	api.New(a.repo, a.engine).Register(routes)

	root := http.NewServeMux()
	root.Handle("/", observe.Middleware(a.metrics)(routes))
	root.Handle("GET /metrics", a.telemetry.Handler())
	if a.hub != nil {
		root.Handle("GET /console", a.hub)
	}
	a.handler = root
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Engine returns the session engine.
func (a *App) Engine() *session.Engine { return a.engine }

// Repository returns the lead and knowledge repository.
func (a *App) Repository() *store.Repository { return a.repo }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP surface on cfg.Server.ListenAddr and blocks until ctx
// is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ApplyConfig applies the hot-reloadable part of a config change: log level
// and agent persona/voice. Sections that need a restart are logged.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AgentChanged {
		a.engine.SetAgent(d.NewAgent.Persona, d.NewAgent.Voice, d.NewAgent.ConnectTimeout)
		slog.Info("agent settings updated, effective from the next call", "voice", d.NewAgent.Voice)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends any live call, waits for background analysis, then tears
// down subsystems in order. It respects the context deadline: if ctx expires
// first, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.engine.Shutdown(ctx); err != nil {
			slog.Warn("engine shutdown", "err", err)
			shutdownErr = err
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs closers after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
	a.closers = nil
}
