package session

import "github.com/MrWong99/cuecall/internal/transcript"

// StatusKind classifies a [Status] notification.
type StatusKind string

const (
	StatusConnected    StatusKind = "connected"
	StatusError        StatusKind = "error"
	StatusDisconnected StatusKind = "disconnected"
)

// CodeResponseTimeout is the [Status] code reported when a response request
// goes unanswered for [Options.ResponseTimeout].
const CodeResponseTimeout = "response_timeout"

// Status is a connection-level notification for the user interface.
type Status struct {
	Kind    StatusKind `json:"status"`
	Code    string     `json:"code,omitempty"`
	Message string     `json:"message,omitempty"`
}

// Observer receives session notifications. All methods are called from the
// session loop and must not block; slow consumers should buffer or drop.
type Observer interface {
	OnTransition(Transition)
	OnTranscript(transcript.Entry)
	OnStatus(Status)
}

type nopObserver struct{}

func (nopObserver) OnTransition(Transition)       {}
func (nopObserver) OnTranscript(transcript.Entry) {}
func (nopObserver) OnStatus(Status)               {}
