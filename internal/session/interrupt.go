package session

import "github.com/MrWong99/cuecall/pkg/realtime"

// interrupt stops the agent. State is updated before any outbound I/O, so a
// second signal arriving right after the first finds nothing to do.
//
// While a response is in flight the full sequence runs: clear liveness, return
// to listening, drop buffered playback, cancel the response and switch output
// back to text. During the grace window after a finished response only the
// buffered playback is dropped; the remote side is already silent.
//
// It reports whether anything was interrupted.
func (c *coordinator) interrupt(source Source) bool {
	if c.closed {
		return false
	}
	busy := c.mode.Busy()
	if !busy && !c.live.isLive() {
		return false
	}

	c.live.clear()
	c.stopPending()
	if busy {
		switch {
		case c.responseID != "":
			c.cancelled[c.responseID] = struct{}{}
		case c.createSent:
			c.orphans = append(c.orphans, c.createID)
		}
		c.responseID = ""
		c.createSent = false
		c.setMode(ModeListening, CauseInterrupt)
	}

	c.sink.StopAndDiscard()

	if busy {
		c.send(realtime.CancelResponse())
		c.send(realtime.SetModality(realtime.ModalityText))
		c.endEpisode(CauseInterrupt)
	}

	c.metrics.RecordInterrupt(c.ctx, string(source))
	c.log.Info("interrupted", "source", string(source), "was_busy", busy)
	return true
}

// manualInterrupt is the control-surface entry point. Like a spoken interrupt
// phrase it is only accepted while a response is in flight.
func (c *coordinator) manualInterrupt() bool {
	if !c.mode.Busy() {
		c.log.Debug("manual interrupt ignored while listening")
		return false
	}
	return c.interrupt(SourceManual)
}
