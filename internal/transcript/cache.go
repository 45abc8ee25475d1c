// Package transcript reconciles per-turn transcript text reported by the
// realtime backend.
//
// The backend reports a turn's content and its transcript as separate events
// that may arrive in either order, and some of them carry no text at all. The
// [Cache] merges these observations so that every turn has a stable text value:
// a non-empty value is never replaced by an empty one, while a newer non-empty
// value replaces an older one.
package transcript

import (
	"time"

	"github.com/MrWong99/cuecall/pkg/realtime"
)

// Resolve applies the reconciliation rule to one observation. latest is the
// text carried by the newest content-bearing event, cached is the value held
// so far. A non-empty latest wins; otherwise cached is kept.
func Resolve(latest, cached string) string {
	if latest != "" {
		return latest
	}
	return cached
}

// Observation is one transcript-bearing event for a turn.
type Observation struct {
	TurnID   string
	Role     realtime.Role
	Modality realtime.Modality
	Text     string

	// Final marks the observation as the remote side's resolved transcript.
	Final bool
}

// Entry is the reconciled state of one turn.
type Entry struct {
	TurnID   string            `json:"turn_id"`
	Role     realtime.Role     `json:"role"`
	Modality realtime.Modality `json:"modality"`
	Text     string            `json:"text"`

	// Resolved is true once a final observation arrived and the entry holds
	// non-empty text.
	Resolved bool `json:"resolved"`

	UpdatedAt time.Time `json:"updated_at"`
}

// record is an entry plus whether a final observation was ever seen for it.
type record struct {
	Entry
	final bool
}

// Change reports what an observation did to its entry.
type Change struct {
	// Text is true when the entry's text value changed.
	Text bool

	// Resolved is true exactly once per turn: on the observation that first
	// left the entry resolved.
	Resolved bool
}

// Cache maps turn ids to reconciled entries and remembers the order in which
// turns were first seen. Entries are never evicted.
//
// A Cache is not safe for concurrent use. It is owned by a single session loop;
// readers on other goroutines use copies returned by [Cache.Entries].
type Cache struct {
	entries map[string]*record
	order   []string
	now     func() time.Time
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]*record),
		now:     time.Now,
	}
}

// Observe merges obs into the cache and returns the resulting entry together
// with what changed. Observations with an empty turn id are ignored.
func (c *Cache) Observe(obs Observation) (Entry, Change) {
	if obs.TurnID == "" {
		return Entry{}, Change{}
	}

	e, ok := c.entries[obs.TurnID]
	if !ok {
		e = &record{Entry: Entry{TurnID: obs.TurnID}}
		c.entries[obs.TurnID] = e
		c.order = append(c.order, obs.TurnID)
	}

	if obs.Role != "" {
		e.Role = obs.Role
	}
	if obs.Modality != "" {
		e.Modality = obs.Modality
	}

	var ch Change
	if text := Resolve(obs.Text, e.Text); text != e.Text {
		e.Text = text
		ch.Text = true
	}
	// A final observation may carry no text while an earlier or later
	// content event does; the entry resolves once both are known.
	e.final = e.final || obs.Final
	if !e.Resolved && e.final && e.Text != "" {
		e.Resolved = true
		ch.Resolved = true
	}
	e.UpdatedAt = c.now()
	return e.Entry, ch
}

// Get returns the entry for turnID.
func (c *Cache) Get(turnID string) (Entry, bool) {
	e, ok := c.entries[turnID]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// Text returns the reconciled text for turnID, or "" if unknown.
func (c *Cache) Text(turnID string) string {
	if e, ok := c.entries[turnID]; ok {
		return e.Text
	}
	return ""
}

// Entries returns a copy of all entries in first-seen order.
func (c *Cache) Entries() []Entry {
	out := make([]Entry, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entries[id].Entry)
	}
	return out
}

// Len returns the number of turns seen.
func (c *Cache) Len() int { return len(c.order) }
