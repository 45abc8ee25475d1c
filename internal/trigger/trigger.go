// Package trigger decides whether a resolved user transcript asks the agent to
// speak, asks it to stop, or neither.
//
// Detection is a pure function of the transcript and a [Config]. Both sides
// are normalised (lower case, punctuation folded to spaces, whitespace
// collapsed) and compared by substring containment. Interrupt phrases and
// trigger phrases are matched separately. Among triggers the short-hint
// phrase is checked before the full-guidance phrase and the first match wins.
// [Result.Resolve] decides between an interrupt and a trigger found in the
// same utterance.
//
// The optional phonetic mode additionally accepts phrases whose words sound
// alike, which tolerates transcription slips such as "good quest shun".
package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Kind classifies a detection result.
type Kind int

const (
	// KindNone means no configured phrase matched.
	KindNone Kind = iota

	// KindShortHint asks for a brief spoken answer.
	KindShortHint

	// KindFullGuidance asks for a longer spoken walkthrough.
	KindFullGuidance

	// KindInterrupt asks the agent to stop speaking.
	KindInterrupt
)

// String returns the label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindShortHint:
		return "short_hint"
	case KindFullGuidance:
		return "full_guidance"
	case KindInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MatchMode selects how phrases are compared against transcripts.
type MatchMode string

const (
	// MatchSubstring is case-insensitive substring containment.
	MatchSubstring MatchMode = "substring"

	// MatchPhonetic accepts substring matches plus word sequences that sound
	// like the phrase.
	MatchPhonetic MatchMode = "phonetic"
)

// IsValid reports whether m is a recognised match mode.
func (m MatchMode) IsValid() bool {
	return m == MatchSubstring || m == MatchPhonetic
}

// DefaultInstructions is the instruction template used when a trigger has
// none configured. {seconds} is replaced with the advisory duration.
const DefaultInstructions = "Answer the user's latest question. Respond in about {seconds} seconds."

// Trigger is one configured speak-now phrase.
type Trigger struct {
	// Phrase is the text that fires the trigger.
	Phrase string

	// Duration is the advisory target length of the spoken answer. It only
	// shapes the instruction text; nothing enforces it.
	Duration time.Duration

	// Instructions is the template sent with the response request. The
	// placeholder {seconds} is replaced with Duration in whole seconds.
	Instructions string
}

// Render returns the instruction text for t. When the template has no
// {seconds} placeholder and a duration is set, the duration hint is appended.
func (t Trigger) Render() string {
	tmpl := t.Instructions
	if tmpl == "" {
		tmpl = DefaultInstructions
	}
	secs := strconv.Itoa(int(t.Duration.Round(time.Second) / time.Second))
	if strings.Contains(tmpl, "{seconds}") {
		return strings.ReplaceAll(tmpl, "{seconds}", secs)
	}
	if t.Duration <= 0 {
		return tmpl
	}
	return strings.TrimSpace(tmpl) + " Respond in about " + secs + " seconds."
}

// Config is the phrase set a session matches against. It is immutable for
// the lifetime of a session.
type Config struct {
	ShortHint        Trigger
	FullGuidance     Trigger
	InterruptPhrases []string
	Mode             MatchMode
}

// Match is one matched phrase.
type Match struct {
	Kind Kind

	// Phrase is the configured phrase that matched, as configured.
	Phrase string
}

// Result is the outcome of one detection. The interrupt and trigger phrase
// sets are matched independently; which match applies depends on whether a
// response is in flight, see [Result.Resolve].
type Result struct {
	// Interrupt is the first matching interrupt phrase, or a zero Match.
	Interrupt Match

	// Trigger is the first matching trigger phrase in priority order, or a
	// zero Match.
	Trigger Match
}

// Fired reports whether any phrase matched.
func (r Result) Fired() bool {
	return r.Interrupt.Kind != KindNone || r.Trigger.Kind != KindNone
}

// Resolve picks the match to act on. While busy an interrupt phrase wins and
// the trigger is discarded; otherwise the trigger applies and an interrupt
// phrase has nothing to stop.
func (r Result) Resolve(busy bool) Match {
	if busy && r.Interrupt.Kind != KindNone {
		return r.Interrupt
	}
	if r.Trigger.Kind != KindNone {
		return r.Trigger
	}
	return r.Interrupt
}

// Detect runs detection on text using cfg. See [Detector] to avoid
// re-normalising the phrase set on every call.
func Detect(text string, cfg Config) Result {
	return New(cfg).Detect(text)
}

type phrase struct {
	kind       Kind
	raw        string
	normalized string
}

// Detector holds a pre-normalised phrase set. It is read-only after
// construction and safe for concurrent use.
type Detector struct {
	phrases  []phrase
	phonetic *phoneticMatcher
}

// New builds a Detector for cfg. Empty phrases are skipped.
func New(cfg Config) *Detector {
	d := &Detector{}
	for _, p := range cfg.InterruptPhrases {
		d.add(KindInterrupt, p)
	}
	d.add(KindShortHint, cfg.ShortHint.Phrase)
	d.add(KindFullGuidance, cfg.FullGuidance.Phrase)
	if cfg.Mode == MatchPhonetic {
		d.phonetic = newPhoneticMatcher()
	}
	return d
}

func (d *Detector) add(kind Kind, raw string) {
	n := Normalize(raw)
	if n == "" {
		return
	}
	d.phrases = append(d.phrases, phrase{kind: kind, raw: raw, normalized: n})
}

// Detect returns the first interrupt phrase and the first trigger phrase, in
// priority order, that text contains.
func (d *Detector) Detect(text string) Result {
	var res Result
	n := Normalize(text)
	if n == "" {
		return res
	}
	for _, p := range d.phrases {
		slot := &res.Trigger
		if p.kind == KindInterrupt {
			slot = &res.Interrupt
		}
		if slot.Kind != KindNone || !d.matches(n, p.normalized) {
			continue
		}
		*slot = Match{Kind: p.kind, Phrase: p.raw}
	}
	return res
}

func (d *Detector) matches(text, phrase string) bool {
	if strings.Contains(text, phrase) {
		return true
	}
	return d.phonetic != nil && d.phonetic.contains(text, phrase)
}

// Normalize lower-cases s, replaces every rune that is not a letter or digit
// with a space and collapses runs of whitespace.
func Normalize(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}
