package session

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/cuecall/internal/observe"
	"github.com/MrWong99/cuecall/internal/transcript"
	"github.com/MrWong99/cuecall/internal/trigger"
	"github.com/MrWong99/cuecall/pkg/audio"
	"github.com/MrWong99/cuecall/pkg/realtime"
)

// coordinator is the session state machine. Every method must be called from
// the session loop; nothing here is safe for concurrent use.
type coordinator struct {
	ctx      context.Context
	log      *slog.Logger
	tr       realtime.Transport
	sink     audio.Sink
	sched    Scheduler
	post     func(func())
	detector *trigger.Detector
	metrics  *observe.Metrics
	observer Observer
	opts     Options
	strict   bool

	mode     Mode
	since    time.Time
	modality realtime.Modality
	cache    *transcript.Cache
	window   *window
	live     *liveness

	// gen is bumped on every entry into generating so a deferred
	// response-create from an earlier episode can tell it is stale.
	// createID is the event id the episode's response request is sent with.
	gen         uint64
	pending     Timer
	createSent  bool
	createID    string
	responseID  string
	triggeredAt time.Time
	episode     trace.Span

	// cancelled holds interrupted responses whose trailing events must be
	// dropped. orphans lists, oldest first, the event ids of interrupted
	// response requests that had no response id yet. Each one is settled by
	// the next response.created, which is then cancelled, or by the remote
	// side rejecting the request.
	cancelled map[string]struct{}
	orphans   []string

	snap             *atomic.Pointer[Snapshot]
	transcriptsDirty bool
	closed           bool
}

func newCoordinator(tr realtime.Transport, sink audio.Sink, opts Options, post func(func()), snap *atomic.Pointer[Snapshot]) *coordinator {
	ctx := observe.WithSessionID(context.Background(), opts.ID)
	c := &coordinator{
		ctx:       ctx,
		log:       observe.Logger(ctx),
		tr:        tr,
		sink:      sink,
		sched:     opts.Scheduler,
		post:      post,
		detector:  trigger.New(opts.Triggers),
		metrics:   opts.Metrics,
		observer:  opts.Observer,
		opts:      opts,
		strict:    opts.StrictInvariants || debugBuild,
		mode:      ModeListening,
		modality:  realtime.ModalityText,
		cache:     transcript.New(),
		window:    newWindow(opts.WindowSize),
		cancelled: make(map[string]struct{}),
		snap:      snap,
	}
	c.since = c.sched.Now()
	c.live = &liveness{after: c.after, grace: opts.PlaybackGrace}
	c.publish()
	return c
}

// bind attaches the coordinator to the context the session runs under.
func (c *coordinator) bind(ctx context.Context) {
	c.ctx = observe.WithSessionID(ctx, c.opts.ID)
	c.log = observe.Logger(c.ctx)
}

// after schedules fn on the session loop. The snapshot is republished once fn
// returns.
func (c *coordinator) after(d time.Duration, fn func()) Timer {
	return c.sched.AfterFunc(d, func() {
		c.post(func() {
			fn()
			c.publish()
		})
	})
}

// ── Inbound events ───────────────────────────────────────────────────────────

// handle applies one inbound transport event.
func (c *coordinator) handle(ev realtime.Event) {
	if c.closed {
		return
	}
	switch ev.Kind {
	case realtime.EventSessionReady:
		c.onReady()
	case realtime.EventSpeechStarted:
		c.onSpeechStarted()
	case realtime.EventSpeechStopped:
		// Whether the input buffer needs an explicit commit is up to the
		// transport.
		c.send(realtime.CommitAudio())
	case realtime.EventTranscript:
		c.onTranscript(ev)
	case realtime.EventResponseStarted:
		c.onResponseStarted(ev.ResponseID)
	case realtime.EventAudioDelta:
		c.onAudio(ev)
	case realtime.EventResponseFinished:
		c.onResponseFinished(ev.ResponseID)
	case realtime.EventError:
		c.onError(ev.Err)
	default:
		c.log.Debug("ignoring unknown event", "kind", ev.Kind.String())
	}
	c.publish()
}

// onReady re-asserts silent output so the remote side and the state machine
// agree before the first user turn.
func (c *coordinator) onReady() {
	if c.mode == ModeListening {
		c.send(realtime.SetModality(realtime.ModalityText))
	}
	c.log.Info("realtime session ready")
	c.observer.OnStatus(Status{Kind: StatusConnected})
}

func (c *coordinator) onSpeechStarted() {
	if c.mode.Busy() || c.live.isLive() {
		c.interrupt(SourceBargeIn)
	}
}

func (c *coordinator) onTranscript(ev realtime.Event) {
	entry, ch := c.cache.Observe(transcript.Observation{
		TurnID:   ev.TurnID,
		Role:     ev.Role,
		Modality: ev.Modality,
		Text:     ev.Text,
		Final:    ev.Final,
	})
	if !ch.Text && !ch.Resolved {
		return
	}
	c.transcriptsDirty = true
	c.observer.OnTranscript(entry)

	if entry.Role != realtime.RoleUser || !entry.Resolved {
		return
	}
	c.window.put(entry.TurnID, entry.Text)
	if ch.Resolved {
		c.detect(entry)
	}
}

// detect runs trigger detection once per resolved user turn. An interrupt
// phrase only counts while a response is in flight; otherwise a trigger
// phrase in the same turn still fires.
func (c *coordinator) detect(entry transcript.Entry) {
	busy := c.mode.Busy()
	m := c.detector.Detect(entry.Text).Resolve(busy)
	switch m.Kind {
	case trigger.KindNone:
	case trigger.KindInterrupt:
		if !busy {
			c.log.Debug("interrupt phrase while listening ignored",
				"turn_id", entry.TurnID, "phrase", m.Phrase)
			return
		}
		c.interrupt(SourceVoice)
	case trigger.KindShortHint, trigger.KindFullGuidance:
		c.log.Debug("trigger phrase detected",
			"turn_id", entry.TurnID, "kind", m.Kind.String(), "phrase", m.Phrase)
		c.fire(m.Kind, SourceVoice)
	}
}

func (c *coordinator) onResponseStarted(id string) {
	if id == "" {
		return
	}
	if len(c.orphans) > 0 {
		// A response requested before an interrupt surfaced after it. Make
		// sure the remote side stops it too.
		c.orphans = c.orphans[1:]
		c.cancelled[id] = struct{}{}
		c.log.Debug("cancelling orphaned response", "response_id", id)
		c.send(realtime.CancelResponse())
		return
	}
	if c.isCancelled(id) {
		return
	}
	switch {
	case c.mode == ModeGenerating && c.responseID == "":
		c.responseID = id
		c.stopPending()
		c.log.Debug("response started", "response_id", id)
	case c.mode == ModeListening:
		// Nothing in this session asked for it, typically a request given up
		// on before the remote side answered.
		c.cancelled[id] = struct{}{}
		c.log.Debug("cancelling unrequested response", "response_id", id)
		c.send(realtime.CancelResponse())
	default:
		c.log.Debug("unexpected response started", "response_id", id, "mode", c.mode.String())
	}
}

func (c *coordinator) onAudio(ev realtime.Event) {
	if c.isCancelled(ev.ResponseID) {
		return
	}
	switch c.mode {
	case ModeListening:
		c.log.Debug("dropping audio while listening", "turn_id", ev.TurnID)
		return
	case ModeGenerating:
		if c.isStale(ev.ResponseID) {
			return
		}
		if c.responseID == "" {
			c.responseID = ev.ResponseID
		}
		c.stopPending()
		c.live.set()
		c.setMode(ModeSpeaking, CauseResponseStarted)
		latency := c.sched.Now().Sub(c.triggeredAt)
		c.metrics.FirstAudioLatency.Record(c.ctx, latency.Seconds())
		if c.episode != nil {
			c.episode.AddEvent("first_audio")
		}
	case ModeSpeaking:
		if c.isStale(ev.ResponseID) {
			return
		}
	}
	c.sink.Enqueue(ev.Audio, ev.TurnID)
}

func (c *coordinator) onResponseFinished(id string) {
	if c.isCancelled(id) {
		delete(c.cancelled, id)
		return
	}
	if !c.mode.Busy() {
		c.log.Debug("response finished while listening", "response_id", id)
		return
	}
	if c.isStale(id) || (id != "" && c.responseID == "" && !c.createSent) {
		c.log.Debug("ignoring finish of unrelated response", "response_id", id)
		return
	}

	c.stopPending()
	c.send(realtime.SetModality(realtime.ModalityText))
	c.responseID = ""
	c.setMode(ModeListening, CauseResponseFinished)
	c.endEpisode(CauseResponseFinished)
	c.live.arm()
}

func (c *coordinator) onError(err *realtime.ServerError) {
	if err == nil {
		return
	}
	if err.Benign() {
		c.log.Debug("suppressed benign transport error", "code", err.Code)
		c.metrics.RecordTransportError(c.ctx, err.Code, true)
		return
	}
	if c.settleOrphan(err) {
		c.log.Debug("interrupted response request rejected", "code", err.Code, "event_id", err.EventID)
		c.metrics.RecordTransportError(c.ctx, err.Code, true)
		return
	}
	c.log.Warn("transport error",
		"code", err.Code,
		"type", err.Type,
		"message", err.Message,
		"event_id", err.EventID,
	)
	c.metrics.RecordTransportError(c.ctx, err.Code, false)
	c.observer.OnStatus(Status{Kind: StatusError, Code: err.Code, Message: err.Message})

	if c.rejectsCreate(err) {
		c.abandon(c.gen, "rejected")
	}
}

// settleOrphan drops the interrupted request err rejects and reports whether
// there was one. The remote side answers requests in order, so a rejection
// that carries no event id belongs to the oldest orphan.
func (c *coordinator) settleOrphan(err *realtime.ServerError) bool {
	if err.EventID != "" {
		i := slices.Index(c.orphans, err.EventID)
		if i < 0 {
			return false
		}
		c.orphans = slices.Delete(c.orphans, i, i+1)
		return true
	}
	if err.Code != realtime.CodeActiveResponse || len(c.orphans) == 0 {
		return false
	}
	c.orphans = c.orphans[1:]
	return true
}

// rejectsCreate reports whether err answers the episode's own outstanding
// response request.
func (c *coordinator) rejectsCreate(err *realtime.ServerError) bool {
	if c.mode != ModeGenerating || !c.createSent || c.responseID != "" {
		return false
	}
	if err.EventID != "" {
		return err.EventID == c.createID
	}
	return err.Code == realtime.CodeActiveResponse
}

// abandon ends an episode whose response request was rejected or never
// answered. A response that still turns up later arrives while listening and
// is cancelled then.
func (c *coordinator) abandon(gen uint64, reason string) bool {
	if gen != c.gen || c.mode != ModeGenerating || c.responseID != "" || c.closed {
		return false
	}
	c.stopPending()
	c.createSent = false
	c.send(realtime.SetModality(realtime.ModalityText))
	c.setMode(ModeListening, CauseResponseFinished)
	c.endEpisode(Cause("abandoned-" + reason))
	c.log.Warn("response request abandoned", "reason", reason, "event_id", c.createID)
	return true
}

func (c *coordinator) isCancelled(id string) bool {
	if id == "" {
		return false
	}
	_, ok := c.cancelled[id]
	return ok
}

// isStale reports whether id belongs to a response other than the one in
// flight.
func (c *coordinator) isStale(id string) bool {
	return id != "" && c.responseID != "" && id != c.responseID
}

// ── Triggers ─────────────────────────────────────────────────────────────────

// fire starts a response for an accepted trigger. Triggers are ignored, not
// queued, while a response is in flight.
func (c *coordinator) fire(kind trigger.Kind, source Source) bool {
	if c.closed {
		return false
	}
	if c.mode != ModeListening {
		c.metrics.RecordTrigger(c.ctx, kind.String(), "ignored")
		c.log.Debug("trigger ignored while busy", "kind", kind.String(), "mode", c.mode.String())
		return false
	}

	t, utterances := c.opts.Triggers.ShortHint, c.window.last(c.opts.ShortContext)
	if kind == trigger.KindFullGuidance {
		t, utterances = c.opts.Triggers.FullGuidance, c.window.all()
	}
	c.send(realtime.SetModality(realtime.ModalityAudio))
	c.gen++
	gen := c.gen
	c.createID = "create-" + strconv.FormatUint(gen, 10)
	create := realtime.CreateResponse(t.Render(), utterances)
	create.EventID = c.createID
	c.createSent = false
	c.responseID = ""
	c.triggeredAt = c.sched.Now()
	c.setMode(ModeGenerating, CauseTriggerFired)

	_, c.episode = observe.StartSpan(c.ctx, "session.response",
		trace.WithAttributes(
			attribute.String("trigger.kind", kind.String()),
			attribute.String("trigger.source", string(source)),
			attribute.Int("context.utterances", len(utterances)),
		),
	)
	c.pending = c.after(c.opts.ModalitySwitchDelay, func() { c.sendCreate(gen, create) })

	c.metrics.RecordTrigger(c.ctx, kind.String(), "accepted")
	c.log.Info("trigger accepted",
		"kind", kind.String(),
		"source", string(source),
		"context_utterances", len(utterances),
	)
	return true
}

// sendCreate is the deferred second half of a trigger. It is dropped when the
// episode it belongs to already ended.
func (c *coordinator) sendCreate(gen uint64, cmd realtime.Command) {
	if gen != c.gen || c.mode != ModeGenerating || c.closed {
		c.log.Debug("dropping stale response request", "generation", gen)
		return
	}
	c.createSent = true
	c.send(cmd)
	c.pending = c.after(c.opts.ResponseTimeout, func() {
		if c.abandon(gen, "timeout") {
			c.observer.OnStatus(Status{Kind: StatusError, Code: CodeResponseTimeout, Message: "response request went unanswered"})
		}
	})
}

func (c *coordinator) stopPending() {
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
}

// ── State and I/O helpers ────────────────────────────────────────────────────

func (c *coordinator) setMode(to Mode, cause Cause) {
	from := c.mode
	if !c.invariant(legalTransition(from, to, cause), "illegal transition %s -> %s (%s)", from, to, cause) {
		return
	}
	if to == ModeGenerating {
		c.invariant(c.modality == realtime.ModalityAudio, "entering generating with %s output", c.modality)
	}
	if cause == CauseResponseFinished {
		c.invariant(c.modality == realtime.ModalityText, "leaving %s with %s output", from, c.modality)
	}

	tr := Transition{From: from, To: to, Cause: cause, At: c.sched.Now()}
	c.mode = to
	c.since = tr.At
	c.metrics.RecordTransition(c.ctx, from.String(), to.String(), string(cause))
	c.log.Info("mode changed", "from", from.String(), "to", to.String(), "cause", string(cause))
	c.observer.OnTransition(tr)
}

// send writes one outbound command. Send failures are logged; a broken
// connection ends the event stream and with it the session.
func (c *coordinator) send(cmd realtime.Command) {
	switch cmd.Kind {
	case realtime.CommandCreateResponse:
		if !c.invariant(c.mode == ModeGenerating, "create-response in mode %s", c.mode) {
			return
		}
		if !c.invariant(c.modality == realtime.ModalityAudio, "create-response with %s output", c.modality) {
			return
		}
	case realtime.CommandSetModality:
		c.modality = cmd.Modality
	}
	if err := c.tr.Send(cmd); err != nil {
		c.log.Warn("failed to send command", "command", cmd.String(), "err", err)
	}
}

func (c *coordinator) endEpisode(cause Cause) {
	if c.episode == nil {
		return
	}
	c.episode.SetAttributes(attribute.String("end.cause", string(cause)))
	c.episode.End()
	c.episode = nil
}

// shutdown releases timers and playback once the connection is gone.
func (c *coordinator) shutdown() {
	if c.closed {
		return
	}
	c.closed = true
	c.stopPending()
	c.live.clear()
	c.sink.StopAndDiscard()
	c.endEpisode("disconnect")
	c.observer.OnStatus(Status{Kind: StatusDisconnected})
	c.publish()
}

// publish stores a fresh read-only snapshot for observers on other
// goroutines. The transcript list is rebuilt only when it changed.
func (c *coordinator) publish() {
	prev := c.snap.Load()
	if prev != nil && !c.transcriptsDirty &&
		prev.Mode == c.mode && prev.Live == c.live.isLive() && prev.Closed == c.closed {
		return
	}
	next := &Snapshot{
		ID:     c.opts.ID,
		Mode:   c.mode,
		Since:  c.since,
		Live:   c.live.isLive(),
		Closed: c.closed,
	}
	if prev != nil && !c.transcriptsDirty {
		next.Transcripts = prev.Transcripts
	} else {
		next.Transcripts = c.cache.Entries()
		c.transcriptsDirty = false
	}
	c.snap.Store(next)
}
