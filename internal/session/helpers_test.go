package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/cuecall/internal/observe"
	"github.com/MrWong99/cuecall/internal/transcript"
	"github.com/MrWong99/cuecall/internal/trigger"
	audiomock "github.com/MrWong99/cuecall/pkg/audio/mock"
	"github.com/MrWong99/cuecall/pkg/realtime"
	rtmock "github.com/MrWong99/cuecall/pkg/realtime/mock"
)

// ── Fake scheduler ───────────────────────────────────────────────────────────

type fakeTimer struct {
	s       *fakeScheduler
	at      time.Time
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeScheduler is a manually advanced clock. Callbacks run on the goroutine
// calling Advance.
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &fakeTimer{s: s, at: s.now.Add(d), seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the clock forward by d, firing due timers in deadline order.
func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		var due []*fakeTimer
		for _, t := range s.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			s.now = target
			s.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at.Equal(due[j].at) {
				return due[i].seq < due[j].seq
			}
			return due[i].at.Before(due[j].at)
		})
		next := due[0]
		next.fired = true
		s.now = next.at
		s.mu.Unlock()
		next.fn()
	}
}

// Active returns the number of timers that have neither fired nor been
// stopped.
func (s *fakeScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ── Recording observer ───────────────────────────────────────────────────────

type recordingObserver struct {
	mu          sync.Mutex
	transitions []Transition
	transcripts []transcript.Entry
	statuses    []Status
}

func (o *recordingObserver) OnTransition(t Transition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, t)
}

func (o *recordingObserver) OnTranscript(e transcript.Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transcripts = append(o.transcripts, e)
}

func (o *recordingObserver) OnStatus(s Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, s)
}

func (o *recordingObserver) Transitions() []Transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Transition(nil), o.transitions...)
}

func (o *recordingObserver) Statuses() []Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Status(nil), o.statuses...)
}

// ── Metrics ──────────────────────────────────────────────────────────────────

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counterTotal sums every data point of the named int64 counter whose
// attributes include want.
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string, want map[string]string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
		points:
			for _, dp := range sum.DataPoints {
				for k, v := range want {
					got, ok := dp.Attributes.Value(attribute.Key(k))
					if !ok || got.Emit() != v {
						continue points
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

// ── Harness ──────────────────────────────────────────────────────────────────

func testTriggers() trigger.Config {
	return trigger.Config{
		ShortHint:        trigger.Trigger{Phrase: "good question", Duration: 10 * time.Second},
		FullGuidance:     trigger.Trigger{Phrase: "walk me through", Duration: 45 * time.Second},
		InterruptPhrases: []string{"stop", "that's enough"},
		Mode:             trigger.MatchSubstring,
	}
}

// harness drives a coordinator synchronously: posted callbacks run inline and
// timers fire only when the test advances the fake scheduler.
type harness struct {
	t      *testing.T
	c      *coordinator
	tr     *rtmock.Transport
	sink   *audiomock.Sink
	sched  *fakeScheduler
	obs    *recordingObserver
	reader *sdkmetric.ManualReader
	snap   atomic.Pointer[Snapshot]
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	m, reader := newTestMetrics(t)
	h := &harness{
		t:      t,
		tr:     rtmock.NewTransport(),
		sink:   &audiomock.Sink{},
		sched:  newFakeScheduler(),
		obs:    &recordingObserver{},
		reader: reader,
	}
	opts := Options{
		ID:               "test-session",
		Triggers:         testTriggers(),
		Scheduler:        h.sched,
		Metrics:          m,
		Observer:         h.obs,
		StrictInvariants: true,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	h.c = newCoordinator(h.tr, h.sink, opts.withDefaults(), func(fn func()) { fn() }, &h.snap)
	return h
}

func (h *harness) push(evs ...realtime.Event) {
	for _, ev := range evs {
		h.c.handle(ev)
	}
}

// trigger fires a manual trigger the way the control surface does.
func (h *harness) trigger(kind trigger.Kind) bool {
	ok := h.c.fire(kind, SourceManual)
	h.c.publish()
	return ok
}

// interrupt issues a manual interrupt the way the control surface does.
func (h *harness) interrupt() bool {
	ok := h.c.manualInterrupt()
	h.c.publish()
	return ok
}

func (h *harness) mode() Mode { return h.snap.Load().Mode }
func (h *harness) live() bool { return h.snap.Load().Live }

// commands returns the commands sent so far rendered as strings.
func (h *harness) commands() []string {
	var out []string
	for _, c := range h.tr.Commands() {
		out = append(out, c.String())
	}
	return out
}

func (h *harness) wantCommands(want ...string) {
	h.t.Helper()
	got := h.commands()
	if len(got) != len(want) {
		h.t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			h.t.Fatalf("commands = %v, want %v", got, want)
		}
	}
}

func (h *harness) wantMode(want Mode) {
	h.t.Helper()
	if got := h.mode(); got != want {
		h.t.Fatalf("mode = %s, want %s", got, want)
	}
	if h.c.mode != want {
		h.t.Fatalf("snapshot is stale: coordinator mode = %s", h.c.mode)
	}
}

// speak drives the coordinator from listening into speaking for response id.
func (h *harness) speak(responseID string) {
	h.t.Helper()
	if !h.trigger(trigger.KindShortHint) {
		h.t.Fatal("trigger rejected")
	}
	h.sched.Advance(DefaultModalitySwitchDelay)
	h.push(
		responseStarted(responseID),
		audioDelta(responseID, "item-"+responseID),
	)
	h.wantMode(ModeSpeaking)
}

// ── Event constructors ───────────────────────────────────────────────────────

func userSaid(turnID, text string) realtime.Event {
	return realtime.Event{
		Kind:     realtime.EventTranscript,
		TurnID:   turnID,
		Role:     realtime.RoleUser,
		Modality: realtime.ModalityAudio,
		Text:     text,
		Final:    true,
	}
}

func responseStarted(id string) realtime.Event {
	return realtime.Event{Kind: realtime.EventResponseStarted, ResponseID: id}
}

func audioDelta(responseID, turnID string) realtime.Event {
	return realtime.Event{
		Kind:       realtime.EventAudioDelta,
		ResponseID: responseID,
		TurnID:     turnID,
		Audio:      []byte{1, 0, 2, 0},
	}
}

func responseFinished(id string) realtime.Event {
	return realtime.Event{Kind: realtime.EventResponseFinished, ResponseID: id}
}

func speechStarted() realtime.Event { return realtime.Event{Kind: realtime.EventSpeechStarted} }

func serverError(code string) realtime.Event {
	return realtime.Event{Kind: realtime.EventError, Err: &realtime.ServerError{Code: code, Message: code}}
}
