package session

import "fmt"

// invariant reports ok. A false ok is a bug in the state machine: it panics
// under strict checking and is logged at error level otherwise, in which case
// the caller drops the offending action.
func (c *coordinator) invariant(ok bool, format string, args ...any) bool {
	if ok {
		return true
	}
	msg := fmt.Sprintf(format, args...)
	if c.strict {
		panic("session: invariant violated: " + msg)
	}
	c.log.Error("invariant violated", "detail", msg, "mode", c.mode.String())
	return false
}
