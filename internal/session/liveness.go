package session

import "time"

// liveness tracks whether agent audio may still be audible. The formal mode
// returns to listening as soon as a response finishes, but the playback sink
// usually holds several seconds of buffered speech at that point; barge-in
// consults this flag instead of the mode.
//
// The flag is set by the first audio fragment of a response and cleared either
// by an interrupt or by the grace timer armed when the response finishes.
type liveness struct {
	after func(d time.Duration, fn func()) Timer
	grace time.Duration

	live  bool
	timer Timer
	epoch uint64
}

func (l *liveness) isLive() bool { return l.live }

// set marks playback live and cancels a pending grace expiry.
func (l *liveness) set() {
	l.stop()
	l.live = true
}

// arm starts the grace countdown. It is a no-op when playback is not live.
func (l *liveness) arm() {
	if !l.live {
		return
	}
	l.stop()
	epoch := l.epoch
	l.timer = l.after(l.grace, func() {
		if l.epoch != epoch {
			return
		}
		l.timer = nil
		l.live = false
	})
}

// clear drops the flag immediately.
func (l *liveness) clear() {
	l.stop()
	l.live = false
}

// stop cancels the grace timer. Bumping the epoch also defeats a callback that
// already fired but has not run yet.
func (l *liveness) stop() {
	l.epoch++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// armed reports whether a grace countdown is pending.
func (l *liveness) armed() bool { return l.timer != nil }
