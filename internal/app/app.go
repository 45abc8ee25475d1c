// Package app wires the cuecall subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds every subsystem from the
// config, Run serves the control API while the session manager keeps a
// realtime session connected, and Shutdown tears everything down in order.
//
// For testing, inject a listener, metrics or a scheduler via functional
// options. Realtime backends come from the [config.Registry] passed to New,
// so tests register a mock dialer there.
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

	"github.com/MrWong99/cuecall/internal/config"
	"github.com/MrWong99/cuecall/internal/control"
	"github.com/MrWong99/cuecall/internal/control/mcpserver"
	"github.com/MrWong99/cuecall/internal/health"
	"github.com/MrWong99/cuecall/internal/observe"
	"github.com/MrWong99/cuecall/internal/session"
	"github.com/MrWong99/cuecall/pkg/audio"
	"github.com/MrWong99/cuecall/pkg/audio/playback"
)

// shutdownGrace bounds how long in-flight HTTP requests may take once Run's
// context ends.
const shutdownGrace = 5 * time.Second

// errNotConnected is reported by the readiness probe before the first
// session connects.
var errNotConnected = errors.New("realtime backend not connected")

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	registry  *config.Registry
	metrics   *observe.Metrics
	metricsH  http.Handler
	level     *slog.LevelVar
	scheduler session.Scheduler
	strict    bool
	listener  net.Listener

	configPath  string
	watcherOpts []config.WatcherOption
	watcher     *config.Watcher

	// Subsystems, initialised in New, torn down in Shutdown.
	hub      *control.Hub
	queue    *playback.Queue
	ready    *health.Flag
	sessions *SessionManager
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithConfigFile watches path and applies changes to the next session. The
// file is loaded once more by New and replaces the config passed to it.
func WithConfigFile(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.configPath = path
		a.watcherOpts = opts
	}
}

// WithLogLevel lets reloads adjust the level of the process logger.
func WithLogLevel(level *slog.LevelVar) Option {
	return func(a *App) { a.level = level }
}

// WithMetrics injects the metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics instead of
// [observe.MetricsHandler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// WithListener serves on ln instead of listening on the configured address.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithScheduler injects the scheduler used for session timers.
func WithScheduler(s session.Scheduler) Option {
	return func(a *App) { a.scheduler = s }
}

// WithStrictInvariants makes session invariant violations panic.
func WithStrictInvariants() Option {
	return func(a *App) { a.strict = true }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. registry supplies
// the realtime dialer factories; main registers the built-in providers.
func New(cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: registry,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsH == nil {
		a.metricsH = observe.MetricsHandler()
	}

	// ── 1. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.reload, a.watcherOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
		a.cfg = w.Current()
	}
	if a.cfg == nil {
		return nil, errors.New("app: no configuration")
	}

	// ── 2. Stream hub + playback queue ───────────────────────────────────
	clientFormat := audio.Format{SampleRate: a.cfg.Audio.SampleRate, Channels: a.cfg.Audio.Channels}
	a.hub = control.NewHub(clientFormat, a.metrics)
	a.queue = playback.New(a.hub.Audio, playback.WithOnClear(a.hub.Clear))
	a.closers = append(a.closers, a.queue.Close)

	// ── 3. Session manager ───────────────────────────────────────────────
	a.ready = &health.Flag{}
	a.ready.SetNotReady(errNotConnected)
	sm, err := NewSessionManager(SessionManagerConfig{
		Registry:         a.registry,
		Config:           a.cfg,
		Sink:             a.queue,
		Observer:         a.hub,
		Metrics:          a.metrics,
		Ready:            a.ready,
		Scheduler:        a.scheduler,
		StrictInvariants: a.strict,
	})
	if err != nil {
		_ = a.queue.Close()
		return nil, err
	}
	a.sessions = sm

	// ── 4. HTTP server ───────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(a.ready.Checker("realtime")).Register(mux)
	mux.Handle("GET /metrics", a.metricsH)
	control.NewServer(a.sessions, a.hub, control.WithClientFormat(clientFormat)).Register(mux)
	mux.Handle("/mcp", mcpserver.Handler(a.sessions))

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, keeps a realtime session connected and watches the config
// file until ctx is cancelled or one of them fails. When ctx is done, Run
// returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Stream handlers outlive http.Server.Shutdown; tie them to ctx instead.
	a.server.BaseContext = func(net.Listener) context.Context { return ctx }

	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g.Go(func() error {
		slog.Info("app: listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			slog.Warn("app: http shutdown", "err", err)
		}
		return nil
	})

	g.Go(func() error { return a.sessions.Run(ctx) })

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}

	slog.Info("app running", "provider", a.cfg.Realtime.Provider, "fallbacks", len(a.cfg.Realtime.Fallbacks))
	return g.Wait()
}

// reload applies a changed configuration file.
func (a *App) reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(new.Server.LogLevel.SlogLevel())
		slog.Info("app: log level changed", "level", new.Server.LogLevel)
	}
	if d.ListenerChanged {
		slog.Warn("app: server settings changed, restart required to apply them")
	}
	if d.AudioChanged {
		slog.Warn("app: audio format changed, restart required to apply it")
	}
	if d.SessionChanged() {
		a.sessions.Configure(new)
		slog.Info("app: session settings changed, applying to the next session")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

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
