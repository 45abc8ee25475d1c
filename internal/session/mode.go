package session

import (
	"fmt"
	"time"
)

// Mode is the session's operating mode.
type Mode int

const (
	// ModeListening is the idle mode: the remote agent is silent and user
	// speech is only transcribed.
	ModeListening Mode = iota

	// ModeGenerating is entered when a trigger was accepted and lasts until
	// the first audio fragment of the response arrives.
	ModeGenerating

	// ModeSpeaking lasts from the first audio fragment until the response
	// finishes or is interrupted.
	ModeSpeaking
)

// String returns the mode name used in logs, metrics and the control API.
func (m Mode) String() string {
	switch m {
	case ModeListening:
		return "listening"
	case ModeGenerating:
		return "generating"
	case ModeSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MarshalText encodes the mode as its name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name produced by [Mode.MarshalText].
func (m *Mode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "listening":
		*m = ModeListening
	case "generating":
		*m = ModeGenerating
	case "speaking":
		*m = ModeSpeaking
	default:
		return fmt.Errorf("session: unknown mode %q", text)
	}
	return nil
}

// Busy reports whether a response is in flight.
func (m Mode) Busy() bool {
	switch m {
	case ModeGenerating, ModeSpeaking:
		return true
	case ModeListening:
		return false
	default:
		return false
	}
}

// Cause names what drove a mode transition.
type Cause string

const (
	CauseTriggerFired     Cause = "trigger-fired"
	CauseResponseStarted  Cause = "response-started"
	CauseResponseFinished Cause = "response-finished"
	CauseInterrupt        Cause = "interrupt"
)

// Transition is one recorded mode change.
type Transition struct {
	From  Mode      `json:"from"`
	To    Mode      `json:"to"`
	Cause Cause     `json:"cause"`
	At    time.Time `json:"at"`
}

// legalTransition reports whether the state machine may move from one mode to
// another for the given cause.
func legalTransition(from, to Mode, cause Cause) bool {
	switch to {
	case ModeGenerating:
		return from == ModeListening && cause == CauseTriggerFired
	case ModeSpeaking:
		return from == ModeGenerating && cause == CauseResponseStarted
	case ModeListening:
		return from.Busy() && (cause == CauseResponseFinished || cause == CauseInterrupt)
	default:
		return false
	}
}

// Source names where a trigger or interrupt came from.
type Source string

const (
	// SourceVoice is a phrase spoken by the user.
	SourceVoice Source = "voice"

	// SourceManual is an explicit call from the control surface.
	SourceManual Source = "manual"

	// SourceBargeIn is user speech detected while the agent is audible.
	SourceBargeIn Source = "barge_in"
)
