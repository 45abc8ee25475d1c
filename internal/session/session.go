// Package session implements cuecall's per-connection controller: an
// always-listening agent that only speaks when a trigger phrase fires and that
// stops the moment the user talks over it.
//
// A [Session] owns one realtime connection. Inbound transport events, control
// calls and timer callbacks are all executed on a single loop goroutine started
// by [Session.Run], so the state machine needs no locks. Read-only observers
// ([Session.Mode], [Session.Transcripts], [Session.Snapshot]) read a snapshot
// the loop publishes after every step.
//
// Mode lifecycle:
//
//	listening ──trigger──▶ generating ──first audio──▶ speaking
//	    ▲                       │                          │
//	    └──── response finished / interrupt ◀──────────────┘
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/cuecall/internal/observe"
	"github.com/MrWong99/cuecall/internal/transcript"
	"github.com/MrWong99/cuecall/internal/trigger"
	"github.com/MrWong99/cuecall/pkg/audio"
	"github.com/MrWong99/cuecall/pkg/realtime"
)

// Default session parameters.
const (
	DefaultWindowSize          = 10
	DefaultShortContext        = 3
	DefaultModalitySwitchDelay = 150 * time.Millisecond
	DefaultPlaybackGrace       = 5 * time.Second
	DefaultResponseTimeout     = 10 * time.Second
)

// ErrTransportClosed is returned by [Session.Run] when the remote side closed
// the connection without reporting an error.
var ErrTransportClosed = errors.New("session: transport closed")

// errAlreadyRunning is returned by a second call to [Session.Run].
var errAlreadyRunning = errors.New("session: already running")

// Options configures a [Session]. Options are fixed for the session's
// lifetime; a configuration reload applies to the next session.
type Options struct {
	// ID identifies the session in logs and the control API. A random id is
	// generated when empty.
	ID string

	// Triggers holds the trigger and interrupt phrases.
	Triggers trigger.Config

	// WindowSize caps the rolling window of user utterances used as response
	// context. Default: 10.
	WindowSize int

	// ShortContext is the number of most recent utterances sent with a short
	// hint. Default: 3.
	ShortContext int

	// ModalitySwitchDelay separates the switch to audio output from the
	// response request that follows it. Default: 150ms.
	ModalitySwitchDelay time.Duration

	// PlaybackGrace is how long playback counts as live after a response
	// finished. Default: 5s.
	PlaybackGrace time.Duration

	// ResponseTimeout is how long a sent response request may go without a
	// response before the episode is abandoned. Default: 10s.
	ResponseTimeout time.Duration

	// Scheduler creates the session's timers. Default: [SystemScheduler].
	Scheduler Scheduler

	// Metrics receives session metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Observer receives transitions, transcript updates and status changes.
	Observer Observer

	// StrictInvariants makes internal invariant violations panic instead of
	// being logged.
	StrictInvariants bool
}

func (o Options) withDefaults() Options {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.WindowSize <= 0 {
		o.WindowSize = DefaultWindowSize
	}
	if o.ShortContext <= 0 {
		o.ShortContext = DefaultShortContext
	}
	if o.ModalitySwitchDelay <= 0 {
		o.ModalitySwitchDelay = DefaultModalitySwitchDelay
	}
	if o.PlaybackGrace <= 0 {
		o.PlaybackGrace = DefaultPlaybackGrace
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = DefaultResponseTimeout
	}
	if o.Scheduler == nil {
		o.Scheduler = SystemScheduler
	}
	if o.Metrics == nil {
		o.Metrics = observe.DefaultMetrics()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}

// Snapshot is a read-only view of a session published by its loop. The
// Transcripts slice is shared between snapshots and must not be modified.
type Snapshot struct {
	ID          string             `json:"id"`
	Mode        Mode               `json:"mode"`
	Since       time.Time          `json:"since"`
	Live        bool               `json:"live"`
	Closed      bool               `json:"closed"`
	Transcripts []transcript.Entry `json:"transcripts"`
}

// Session controls one realtime connection.
type Session struct {
	id   string
	tr   realtime.Transport
	c    *coordinator
	snap atomic.Pointer[Snapshot]

	ops     chan func()
	done    chan struct{}
	started atomic.Bool
}

// New creates a Session for an open transport. Call [Session.Run] to start
// processing events. sink receives the agent's audio.
func New(tr realtime.Transport, sink audio.Sink, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		id:   opts.ID,
		tr:   tr,
		ops:  make(chan func()),
		done: make(chan struct{}),
	}
	s.c = newCoordinator(tr, sink, opts, s.post, &s.snap)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Run processes transport events and control calls until ctx is cancelled or
// the transport's event stream ends. It returns ctx.Err() on cancellation, the
// transport's error if the connection failed, and [ErrTransportClosed] on a
// clean remote close. Run may be called only once.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}
	defer close(s.done)

	ctx, span := observe.StartSpan(ctx, "session.run")
	defer span.End()
	s.c.bind(ctx)

	m := s.c.metrics
	m.ActiveSessions.Add(ctx, 1)
	defer m.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	s.c.log.Info("session started")
	events := s.tr.Events()
	for {
		select {
		case <-ctx.Done():
			s.c.shutdown()
			s.c.log.Info("session stopped")
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				s.c.shutdown()
				if err := s.tr.Err(); err != nil {
					s.c.log.Warn("transport failed", "err", err)
					return fmt.Errorf("session: %w", err)
				}
				s.c.log.Info("transport closed")
				return ErrTransportClosed
			}
			s.c.handle(ev)

		case op := <-s.ops:
			op()
		}
	}
}

// Done is closed once [Session.Run] has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// post queues fn on the loop. It is used by timer callbacks and gives up
// once the loop has exited.
func (s *Session) post(fn func()) {
	select {
	case s.ops <- fn:
	case <-s.done:
	}
}

// do runs fn on the loop and waits for it. It reports false if fn did not run
// because ctx ended or the session is not running.
func (s *Session) do(ctx context.Context, fn func()) bool {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
		s.c.publish()
	}
	select {
	case s.ops <- op:
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
	<-finished
	return true
}

// ── Control surface ──────────────────────────────────────────────────────────

// TriggerShortHint asks for a brief spoken answer using the most recent
// utterances as context. It reports whether the trigger was accepted; it is
// ignored while a response is in flight.
func (s *Session) TriggerShortHint(ctx context.Context) bool {
	var ok bool
	s.do(ctx, func() { ok = s.c.fire(trigger.KindShortHint, SourceManual) })
	return ok
}

// TriggerFullGuidance asks for a longer spoken answer using the whole
// utterance window as context. It reports whether the trigger was accepted.
func (s *Session) TriggerFullGuidance(ctx context.Context) bool {
	var ok bool
	s.do(ctx, func() { ok = s.c.fire(trigger.KindFullGuidance, SourceManual) })
	return ok
}

// Interrupt stops the response in flight. It reports whether there was one;
// calling it while listening is a no-op.
func (s *Session) Interrupt(ctx context.Context) bool {
	var ok bool
	s.do(ctx, func() { ok = s.c.manualInterrupt() })
	return ok
}

// SendAudio forwards a PCM16 microphone chunk to the remote input buffer.
func (s *Session) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	return s.tr.SendAudio(chunk)
}

// ── Observers ────────────────────────────────────────────────────────────────

// Snapshot returns the latest published view of the session.
func (s *Session) Snapshot() Snapshot {
	return *s.snap.Load()
}

// Mode returns the current mode.
func (s *Session) Mode() Mode { return s.snap.Load().Mode }

// Live reports whether agent audio may still be audible.
func (s *Session) Live() bool { return s.snap.Load().Live }

// Transcripts returns every turn seen so far in first-seen order.
func (s *Session) Transcripts() []transcript.Entry {
	return slices.Clone(s.snap.Load().Transcripts)
}
