package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/cuecall/internal/config"
	"github.com/MrWong99/cuecall/internal/health"
	"github.com/MrWong99/cuecall/internal/observe"
	"github.com/MrWong99/cuecall/internal/resilience"
	"github.com/MrWong99/cuecall/internal/session"
	"github.com/MrWong99/cuecall/pkg/audio"
	"github.com/MrWong99/cuecall/pkg/realtime"
)

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// Endpoint names the realtime endpoint the session is connected to.
	Endpoint string

	// StartedAt is when the session was started.
	StartedAt time.Time
}

// SessionManager keeps one session bound to the realtime backend. When a
// connection drops it dials again with exponential backoff, trying the
// configured fallback endpoints in order, and starts a fresh session on the
// new connection.
//
// Only one session is active at a time. All exported methods are safe for
// concurrent use.
type SessionManager struct {
	registry  *config.Registry
	sink      audio.Sink
	observer  session.Observer
	metrics   *observe.Metrics
	ready     *health.Flag
	scheduler session.Scheduler
	strict    bool

	mu      sync.Mutex
	cfg     *config.Config
	dialers *resilience.FallbackGroup[realtime.Dialer]
	stale   bool
	current *session.Session
	info    SessionInfo
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Registry builds the realtime dialers. Required.
	Registry *config.Registry

	// Config is the configuration used for the first session. Required.
	Config *config.Config

	// Sink receives the agent audio of every session. Required.
	Sink audio.Sink

	// Observer receives the notifications of every session. May be nil.
	Observer session.Observer

	// Metrics receives dial and session metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Ready is marked ready while a session is connected. May be nil.
	Ready *health.Flag

	// Scheduler creates session timers. Default: [session.SystemScheduler].
	Scheduler session.Scheduler

	// StrictInvariants makes session invariant violations panic.
	StrictInvariants bool
}

// NewSessionManager creates a SessionManager. It builds the dialers for the
// configured endpoints up front so that an unknown provider is reported
// before anything connects.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Registry == nil || cfg.Config == nil || cfg.Sink == nil {
		return nil, errors.New("app: session manager needs a registry, a config and a sink")
	}
	sm := &SessionManager{
		registry:  cfg.Registry,
		sink:      cfg.Sink,
		observer:  cfg.Observer,
		metrics:   cfg.Metrics,
		ready:     cfg.Ready,
		scheduler: cfg.Scheduler,
		strict:    cfg.StrictInvariants,
		cfg:       cfg.Config,
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.ready == nil {
		sm.ready = &health.Flag{}
	}
	dialers, err := sm.buildDialers(cfg.Config.Realtime)
	if err != nil {
		return nil, err
	}
	sm.dialers = dialers
	return sm, nil
}

// Current returns the active session, or nil while disconnected.
func (sm *SessionManager) Current() *session.Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// Info returns metadata about the active session. ok is false while
// disconnected.
func (sm *SessionManager) Info() (info SessionInfo, ok bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info, sm.current != nil
}

// Configure replaces the configuration used for the next session. The active
// session keeps the options it was started with.
func (sm *SessionManager) Configure(cfg *config.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if config.Diff(sm.cfg, cfg).RealtimeChanged {
		sm.stale = true
	}
	sm.cfg = cfg
}

// Run dials the backend and serves sessions until ctx is cancelled. A
// session that ends for any reason other than cancellation is replaced by a
// new one on a fresh connection. Run returns ctx.Err() on cancellation, or an
// error if the dialers for a reloaded configuration cannot be built.
func (sm *SessionManager) Run(ctx context.Context) error {
	for {
		cfg, dialers, err := sm.prepare()
		if err != nil {
			return err
		}

		tr, endpoint, err := sm.connect(ctx, cfg, dialers)
		if err != nil {
			return err
		}

		err = sm.serve(ctx, cfg, tr, endpoint)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("app: session ended, reconnecting", "endpoint", endpoint, "err", err)

		if err := sleepContext(ctx, cfg.Timing.ReconnectInitial); err != nil {
			return err
		}
	}
}

// prepare returns the configuration and dialers for the next connection,
// rebuilding the dialers when the realtime section changed.
func (sm *SessionManager) prepare() (*config.Config, *resilience.FallbackGroup[realtime.Dialer], error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.stale {
		dialers, err := sm.buildDialers(sm.cfg.Realtime)
		if err != nil {
			return nil, nil, err
		}
		sm.dialers = dialers
		sm.stale = false
		slog.Info("app: realtime endpoints rebuilt", "endpoints", dialers.Len())
	}
	return sm.cfg, sm.dialers, nil
}

func (sm *SessionManager) buildDialers(rt config.RealtimeConfig) (*resilience.FallbackGroup[realtime.Dialer], error) {
	primary := rt.Endpoint()
	d, err := sm.registry.CreateRealtime(rt, primary)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	group := resilience.NewFallbackGroup(primary.Name, d, resilience.CircuitBreakerConfig{
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Info("app: endpoint circuit changed", "endpoint", name, "from", from, "to", to)
		},
	})
	for _, ep := range rt.Fallbacks {
		d, err := sm.registry.CreateRealtime(rt, ep)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		group.AddFallback(ep.Name, d)
	}
	return group, nil
}

// connect dials until one endpoint accepts the connection or ctx ends.
func (sm *SessionManager) connect(ctx context.Context, cfg *config.Config, dialers *resilience.FallbackGroup[realtime.Dialer]) (realtime.Transport, string, error) {
	sc := realtime.SessionConfig{
		Voice:              cfg.Realtime.Voice,
		Instructions:       cfg.Realtime.Instructions,
		TranscriptionModel: cfg.Realtime.TranscriptionModel,
	}
	b := resilience.Backoff{
		Initial: cfg.Timing.ReconnectInitial,
		Max:     cfg.Timing.ReconnectMax,
	}

	var (
		tr       realtime.Transport
		endpoint string
	)
	err := b.Retry(ctx, "realtime dial", func(ctx context.Context, attempt int) error {
		ctx, span := observe.StartSpan(ctx, "realtime.dial")
		defer span.End()

		t, name, err := resilience.ExecuteWithResult(ctx, dialers, func(ctx context.Context, d realtime.Dialer) (realtime.Transport, error) {
			return d.Dial(ctx, sc)
		})
		if err != nil {
			span.RecordError(err)
			sm.metrics.RecordDial(ctx, "error")
			sm.ready.SetNotReady(err)
			return err
		}
		sm.metrics.RecordDial(ctx, "ok")
		if attempt > 1 {
			slog.Info("app: realtime connected after retry", "endpoint", name, "attempt", attempt)
		}
		tr, endpoint = t, name
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return tr, endpoint, nil
}

// serve runs one session on tr until it ends.
func (sm *SessionManager) serve(ctx context.Context, cfg *config.Config, tr realtime.Transport, endpoint string) error {
	s := session.New(tr, sm.sink, session.Options{
		Triggers:            cfg.TriggerConfig(),
		ModalitySwitchDelay: cfg.Timing.ModalitySwitchDelay,
		PlaybackGrace:       cfg.Timing.PlaybackGrace,
		ResponseTimeout:     cfg.Timing.ResponseTimeout,
		Scheduler:           sm.scheduler,
		Metrics:             sm.metrics,
		Observer:            sm.observer,
		StrictInvariants:    sm.strict,
	})

	sm.mu.Lock()
	sm.current = s
	sm.info = SessionInfo{SessionID: s.ID(), Endpoint: endpoint, StartedAt: time.Now().UTC()}
	sm.mu.Unlock()
	sm.ready.SetReady()
	slog.Info("app: session started", "session_id", s.ID(), "endpoint", endpoint)

	err := s.Run(ctx)

	sm.mu.Lock()
	sm.current = nil
	sm.info = SessionInfo{}
	sm.mu.Unlock()

	sm.sink.StopAndDiscard()
	if cerr := tr.Close(); cerr != nil {
		slog.Debug("app: close transport", "err", cerr)
	}
	if err == nil || errors.Is(err, context.Canceled) {
		sm.ready.SetNotReady(errors.New("session stopped"))
	} else {
		sm.ready.SetNotReady(err)
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
