// Package realtime defines the Transport interface for realtime conversational
// backends whose output is either text or audio, never both at once.
//
// A Transport is the only contract between cuecall's session controller and
// the network: it delivers a strictly ordered stream of inbound [Event] values
// and accepts outbound [Command] values plus raw microphone audio. Everything
// above this package reasons in terms of these types, never in terms of the
// wire protocol.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"fmt"
)

// Modality is the remote session's allowed output form.
type Modality string

const (
	// ModalityText keeps the remote agent silent.
	ModalityText Modality = "text"

	// ModalityAudio lets the remote agent speak.
	ModalityAudio Modality = "audio"
)

// IsValid reports whether m is a recognised modality.
func (m Modality) IsValid() bool {
	return m == ModalityText || m == ModalityAudio
}

// Role identifies who produced a conversational turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// EventKind enumerates the inbound notifications a Transport can deliver.
type EventKind int

const (
	// EventSessionReady is delivered once the remote session accepted its
	// initial configuration.
	EventSessionReady EventKind = iota

	// EventSpeechStarted reports that the remote voice-activity detector heard
	// the user start speaking.
	EventSpeechStarted

	// EventSpeechStopped reports the end of a user utterance.
	EventSpeechStopped

	// EventTranscript carries text for a turn. Final is true when the remote
	// side considers the transcript resolved.
	EventTranscript

	// EventAudioDelta carries one fragment of synthesised agent audio.
	EventAudioDelta

	// EventResponseStarted reports that the remote side created a response.
	EventResponseStarted

	// EventResponseFinished reports that the remote side finished (or
	// cancelled) a response. Audio may still be audible afterwards.
	EventResponseFinished

	// EventError carries a machine-readable error from the remote side.
	EventError
)

// String returns the event kind name used in logs.
func (k EventKind) String() string {
	switch k {
	case EventSessionReady:
		return "session_ready"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventTranscript:
		return "transcript"
	case EventAudioDelta:
		return "audio_delta"
	case EventResponseStarted:
		return "response_started"
	case EventResponseFinished:
		return "response_finished"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one inbound notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// TurnID is the remote conversation item identifier the event belongs to.
	TurnID string

	// ResponseID identifies the response for response and audio events.
	ResponseID string

	// Role and Modality describe the turn for EventTranscript.
	Role     Role
	Modality Modality

	// Text is the transcript carried by EventTranscript. It may be empty.
	Text string

	// Final marks an EventTranscript as resolved (not interim).
	Final bool

	// Audio is the PCM16 payload of an EventAudioDelta.
	Audio []byte

	// Err is set for EventError.
	Err *ServerError
}

// Error codes the remote side uses for conditions that are expected during
// normal operation.
const (
	// CodeCommitEmpty is returned when the input buffer is committed while
	// empty, typically at session start.
	CodeCommitEmpty = "input_audio_buffer_commit_empty"

	// CodeCancelNotActive is returned when response.cancel arrives after the
	// response already completed.
	CodeCancelNotActive = "response_cancel_not_active"

	// CodeActiveResponse rejects a response request made while another
	// response is still in progress. It is not benign: the rejected request
	// produces no response.
	CodeActiveResponse = "conversation_already_has_active_response"
)

// IsBenign reports whether code names an expected, harmless error that must
// never surface to the user or alter session state.
func IsBenign(code string) bool {
	switch code {
	case CodeCommitEmpty, CodeCancelNotActive:
		return true
	}
	return false
}

// ServerError is an error reported by the remote side.
type ServerError struct {
	// Type is the coarse error class (e.g. "invalid_request_error").
	Type string

	// Code is the machine-readable error code.
	Code string

	// Message is the human-readable description.
	Message string

	// EventID is the client event that caused the error, if reported.
	EventID string
}

// Error implements error.
func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime: %s: %s", e.Code, e.Message)
	}
	return "realtime: " + e.Message
}

// Benign reports whether e is one of the expected error codes.
func (e *ServerError) Benign() bool {
	return e != nil && IsBenign(e.Code)
}

// CommandKind enumerates the outbound commands a Transport accepts.
type CommandKind int

const (
	// CommandSetModality switches the remote output modality.
	CommandSetModality CommandKind = iota

	// CommandCreateResponse asks the remote side to respond now.
	CommandCreateResponse

	// CommandCancelResponse cancels the in-flight response.
	CommandCancelResponse

	// CommandCommitAudio commits the buffered microphone audio as a user turn.
	CommandCommitAudio
)

// Command is one outbound instruction. Only the fields relevant to Kind are set.
type Command struct {
	Kind CommandKind

	// Modality is the target modality for CommandSetModality.
	Modality Modality

	// Instructions is the response-specific instruction text for
	// CommandCreateResponse.
	Instructions string

	// Context holds prior user utterances, oldest first, for
	// CommandCreateResponse.
	Context []string

	// EventID optionally tags the command on the wire. A [ServerError]
	// caused by the command reports the same id.
	EventID string
}

// String renders the command compactly for logs and test failures.
func (c Command) String() string {
	switch c.Kind {
	case CommandSetModality:
		return "set_modality(" + string(c.Modality) + ")"
	case CommandCreateResponse:
		return fmt.Sprintf("create_response(context=%d)", len(c.Context))
	case CommandCancelResponse:
		return "cancel_response"
	case CommandCommitAudio:
		return "commit_audio"
	default:
		return fmt.Sprintf("command(%d)", int(c.Kind))
	}
}

// SetModality returns a CommandSetModality command.
func SetModality(m Modality) Command {
	return Command{Kind: CommandSetModality, Modality: m}
}

// CreateResponse returns a CommandCreateResponse command.
func CreateResponse(instructions string, context []string) Command {
	return Command{Kind: CommandCreateResponse, Instructions: instructions, Context: context}
}

// CancelResponse returns a CommandCancelResponse command.
func CancelResponse() Command { return Command{Kind: CommandCancelResponse} }

// CommitAudio returns a CommandCommitAudio command.
func CommitAudio() Command { return Command{Kind: CommandCommitAudio} }

// SessionConfig is the initial configuration for a new connection.
type SessionConfig struct {
	// Voice is the provider voice id used whenever the agent speaks.
	Voice string

	// Instructions are the session-wide system instructions.
	Instructions string

	// TranscriptionModel selects the model used to transcribe user audio.
	TranscriptionModel string
}

// Transport is an open connection to a realtime backend.
//
// Events are delivered on a single channel so that inbound ordering is
// preserved across audio, transcripts and lifecycle notifications. The channel
// is closed when the connection ends; call [Transport.Err] afterwards to
// distinguish a clean close from a failure.
type Transport interface {
	// SendAudio appends a raw PCM16 microphone chunk to the remote input buffer.
	SendAudio(chunk []byte) error

	// Send issues one outbound command. Commands are written in call order.
	Send(cmd Command) error

	// Events returns the inbound event stream.
	Events() <-chan Event

	// Err returns the error that ended the event stream, or nil.
	Err() error

	// Close terminates the connection. Calling Close more than once is safe.
	Close() error
}

// Dialer opens Transports. One Transport backs exactly one session.
type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig) (Transport, error)
}
