// Package playback provides a paced PCM16 playback queue implementing
// [audio.Sink].
//
// Fragments handed to the queue are released to an output callback at the
// rate they would be heard, running at most a configurable lead time ahead of
// the listener. This keeps the amount of already-delivered audio small, so
// that [Queue.StopAndDiscard] silences the agent almost immediately even when
// the remote side produces audio much faster than real time.
package playback

import (
	"sync"
	"time"

	"github.com/MrWong99/cuecall/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Sink = (*Queue)(nil)

const (
	// DefaultLead is how far ahead of the listener the queue releases audio
	// when no explicit lead is configured via [WithLead].
	DefaultLead = 200 * time.Millisecond

	// defaultQueueCap is the initial capacity hint for the fragment queue.
	defaultQueueCap = 64
)

// Output receives paced fragments. It is called sequentially from the
// dispatch goroutine and must not block for extended periods.
type Output func(fragment []byte, turnID string)

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithFormat sets the PCM format used to compute fragment durations.
// Defaults to [audio.DefaultFormat].
func WithFormat(f audio.Format) Option {
	return func(q *Queue) {
		if f.Valid() {
			q.format = f
		}
	}
}

// WithLead sets how far ahead of real time audio may be released. A large
// lead effectively disables pacing.
func WithLead(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.lead = d
		}
	}
}

// WithOnClear registers fn to be called after every StopAndDiscard. Bridges
// use it to tell remote players to flush their own buffers.
func WithOnClear(fn func()) Option {
	return func(q *Queue) { q.onClear = fn }
}

type fragment struct {
	data   []byte
	turnID string
}

// Queue is a FIFO of PCM fragments drained by a background goroutine at
// playback speed.
//
// All exported methods are safe for concurrent use.
type Queue struct {
	output  Output
	onClear func()
	format  audio.Format
	lead    time.Duration

	// outMu is held while a fragment is handed to output so that a discard
	// never overtakes a fragment that was already released.
	outMu sync.Mutex

	mu       sync.Mutex
	queue    []fragment
	queued   time.Duration // total duration of fragments still in queue
	playhead time.Time     // wall time at which released audio finishes playing
	turnID   string        // turn of the most recently released fragment
	epoch    uint64        // bumped by StopAndDiscard to abandon in-flight waits
	cancel   chan struct{} // closed by StopAndDiscard to wake a pacing wait

	notify chan struct{} // signalled when a fragment is enqueued
	done   chan struct{} // closed by Close to stop the dispatch goroutine
	closed bool
}

// New creates a [Queue] that delivers fragments to output and starts its
// dispatch goroutine. Call [Queue.Close] to stop it.
func New(output Output, opts ...Option) *Queue {
	q := &Queue{
		output: output,
		format: audio.DefaultFormat,
		lead:   DefaultLead,
		queue:  make([]fragment, 0, defaultQueueCap),
		cancel: make(chan struct{}),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	go q.dispatch()
	return q
}

// Enqueue appends a copy of data to the queue. Empty fragments are ignored.
func (q *Queue) Enqueue(data []byte, turnID string) {
	if len(data) == 0 {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, fragment{data: cp, turnID: turnID})
	q.queued += q.format.Duration(len(cp))
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// StopAndDiscard drops all queued audio, abandons the fragment being paced
// and resets the playhead. It then invokes the OnClear callback, if any.
func (q *Queue) StopAndDiscard() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queue = q.queue[:0]
	q.queued = 0
	q.playhead = time.Time{}
	q.turnID = ""
	q.epoch++
	close(q.cancel)
	q.cancel = make(chan struct{})
	onClear := q.onClear
	q.mu.Unlock()

	if onClear != nil {
		q.outMu.Lock()
		onClear()
		q.outMu.Unlock()
	}
}

// Pending returns how much audio is still to be heard: queued fragments plus
// released audio the listener has not finished playing.
func (q *Queue) Pending() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.queued
	if ahead := q.playhead.Sub(time.Now()); ahead > 0 {
		pending += ahead
	}
	return pending
}

// TurnID returns the turn of the most recently released fragment, or "" after
// a discard.
func (q *Queue) TurnID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.turnID
}

// Close stops the dispatch goroutine and drops queued audio. Close is
// idempotent and always returns nil.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.queue = nil
	q.queued = 0
	close(q.done)
	return nil
}

// dispatch is the background goroutine that releases fragments. It runs until
// [Queue.Close] is called.
func (q *Queue) dispatch() {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			frag, wait, epoch, cancel, ok := q.next()
			if !ok {
				break
			}

			if wait > 0 {
				timer.Reset(wait)
				select {
				case <-q.done:
					timer.Stop()
					return
				case <-cancel:
					if !timer.Stop() {
						<-timer.C
					}
					continue
				case <-timer.C:
				}
			}

			q.outMu.Lock()
			if q.release(frag, epoch) {
				q.output(frag.data, frag.turnID)
			}
			q.outMu.Unlock()
		}
	}
}

// next peeks the head fragment and computes how long to wait before it may be
// released.
func (q *Queue) next() (frag fragment, wait time.Duration, epoch uint64, cancel chan struct{}, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.queue) == 0 {
		return fragment{}, 0, 0, nil, false
	}
	now := time.Now()
	if q.playhead.Before(now) {
		q.playhead = now
	}
	wait = q.playhead.Sub(now) - q.lead
	return q.queue[0], wait, q.epoch, q.cancel, true
}

// release pops the head fragment and advances the playhead, unless a discard
// happened while the fragment was being paced.
func (q *Queue) release(frag fragment, epoch uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.epoch != epoch || len(q.queue) == 0 {
		return false
	}
	q.queue = q.queue[1:]
	d := q.format.Duration(len(frag.data))
	q.queued -= d
	now := time.Now()
	if q.playhead.Before(now) {
		q.playhead = now
	}
	q.playhead = q.playhead.Add(d)
	q.turnID = frag.turnID
	return true
}
