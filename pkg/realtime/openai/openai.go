// Package openai implements the realtime.Dialer interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 chunks. The session is opened
// in text-only output with server voice-activity detection and input
// transcription enabled, but with automatic responses disabled: the caller
// decides when the model speaks by switching modality and creating responses
// explicitly.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/MrWong99/cuecall/pkg/realtime"
	"github.com/coder/websocket"
)

// Compile-time assertions that Dialer and transport satisfy the realtime interfaces.
var _ realtime.Dialer = (*Dialer)(nil)
var _ realtime.Transport = (*transport)(nil)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"

	// eventBuffer is the depth of the inbound event channel. Audio deltas
	// dominate the traffic, so the buffer is sized for a few seconds of them.
	eventBuffer = 256
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements realtime.Dialer for OpenAI's Realtime API.
type Dialer struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a new OpenAI Realtime Dialer with the given API key and options.
// The key may be a long-lived API key or an ephemeral client secret.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial establishes a new OpenAI Realtime connection. The returned Transport
// is ready to accept audio immediately after the initial session.update
// message is sent; an [realtime.EventSessionReady] follows once the server
// acknowledges the configuration.
func (d *Dialer) Dial(ctx context.Context, cfg realtime.SessionConfig) (realtime.Transport, error) {
	wsURL := fmt.Sprintf("%s?model=%s", d.baseURL, d.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	// Audio deltas for long answers can exceed the 32 KiB default.
	conn.SetReadLimit(4 << 20)

	tCtx, tCancel := context.WithCancel(context.Background())
	t := &transport{
		conn:   conn,
		events: make(chan realtime.Event, eventBuffer),
		ctx:    tCtx,
		cancel: tCancel,
	}

	if err := t.writeJSON(initialSessionUpdate(cfg)); err != nil {
		tCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go t.receiveLoop()

	return t, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

// turnDetection keeps server VAD for speech start/stop notifications but
// stops the server from answering or cancelling on its own.
type turnDetection struct {
	Type              string `json:"type"`
	CreateResponse    bool   `json:"create_response"`
	InterruptResponse bool   `json:"interrupt_response"`
}

type responseCreateMessage struct {
	Type     string         `json:"type"`
	EventID  string         `json:"event_id,omitempty"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Modalities   []string           `json:"modalities"`
	Instructions string             `json:"instructions,omitempty"`
	Input        []conversationItem `json:"input,omitempty"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type       string  `json:"type"`
	Text       string  `json:"text,omitempty"`
	Transcript *string `json:"transcript,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	EventID string `json:"event_id,omitempty"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta      string `json:"delta,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`

	// conversation.item.input_audio_transcription.completed /
	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// response.created / response.done
	Response *serverResponse `json:"response,omitempty"`

	// conversation.item.created
	Item *serverItem `json:"item,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

type serverResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type serverItem struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []conversationPart `json:"content"`
}

// ── transport ──────────────────────────────────────────────────────────────────

type transport struct {
	conn   *websocket.Conn
	events chan realtime.Event

	// writeMu serialises writes so that commands reach the wire in call order.
	writeMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// initialSessionUpdate builds the first session.update: silent output, server
// VAD without auto-response, and input transcription.
func initialSessionUpdate(cfg realtime.SessionConfig) sessionUpdateMessage {
	model := cfg.TranscriptionModel
	if model == "" {
		model = defaultTranscriptionModel
	}
	return sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:              modalities(realtime.ModalityText),
			Voice:                   cfg.Voice,
			Instructions:            cfg.Instructions,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &transcriptionParams{Model: model},
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				CreateResponse:    false,
				InterruptResponse: false,
			},
		},
	}
}

// modalities maps a realtime.Modality onto the protocol's modality list. The
// protocol has no audio-only mode; audio output always carries a transcript.
func modalities(m realtime.Modality) []string {
	if m == realtime.ModalityAudio {
		return []string{"audio", "text"}
	}
	return []string{"text"}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (t *transport) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Write(t.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel: it closes it when it exits.
func (t *transport) receiveLoop() {
	defer t.closeEvents()

	for {
		_, data, err := t.conn.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		if out, ok := t.translate(&evt); ok {
			select {
			case t.events <- out:
			case <-t.ctx.Done():
				return
			}
		}
	}
}

// translate maps one server event onto a realtime.Event. Events that carry
// nothing the session controller needs are dropped.
func (t *transport) translate(evt *serverEvent) (realtime.Event, bool) {
	switch evt.Type {
	case "session.created":
		return realtime.Event{Kind: realtime.EventSessionReady}, true

	case "input_audio_buffer.speech_started":
		return realtime.Event{Kind: realtime.EventSpeechStarted, TurnID: evt.ItemID}, true

	case "input_audio_buffer.speech_stopped":
		return realtime.Event{Kind: realtime.EventSpeechStopped, TurnID: evt.ItemID}, true

	case "conversation.item.input_audio_transcription.completed":
		return realtime.Event{
			Kind:     realtime.EventTranscript,
			TurnID:   evt.ItemID,
			Role:     realtime.RoleUser,
			Modality: realtime.ModalityAudio,
			Text:     evt.Transcript,
			Final:    true,
		}, true

	case "conversation.item.created":
		return translateItem(evt.Item)

	case "response.created":
		if evt.Response == nil {
			return realtime.Event{}, false
		}
		return realtime.Event{Kind: realtime.EventResponseStarted, ResponseID: evt.Response.ID}, true

	case "response.audio.delta":
		if evt.Delta == "" {
			return realtime.Event{}, false
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return realtime.Event{}, false
		}
		return realtime.Event{
			Kind:       realtime.EventAudioDelta,
			TurnID:     evt.ItemID,
			ResponseID: evt.ResponseID,
			Audio:      audioData,
		}, true

	case "response.audio_transcript.done":
		return realtime.Event{
			Kind:       realtime.EventTranscript,
			TurnID:     evt.ItemID,
			ResponseID: evt.ResponseID,
			Role:       realtime.RoleAgent,
			Modality:   realtime.ModalityAudio,
			Text:       evt.Transcript,
			Final:      true,
		}, true

	case "response.done":
		if evt.Response == nil {
			return realtime.Event{}, false
		}
		return realtime.Event{Kind: realtime.EventResponseFinished, ResponseID: evt.Response.ID}, true

	case "error":
		detail := &realtime.ServerError{Message: "unknown error"}
		if evt.Error != nil {
			detail = &realtime.ServerError{
				Type:    evt.Error.Type,
				Code:    evt.Error.Code,
				Message: evt.Error.Message,
				EventID: evt.Error.EventID,
			}
		}
		return realtime.Event{Kind: realtime.EventError, Err: detail}, true
	}
	return realtime.Event{}, false
}

// translateItem reports content-bearing conversation items. User audio items
// arrive with a null transcript and are resolved later by the transcription
// event; text items carry their content directly.
func translateItem(item *serverItem) (realtime.Event, bool) {
	if item == nil || item.Type != "message" {
		return realtime.Event{}, false
	}
	ev := realtime.Event{
		Kind:     realtime.EventTranscript,
		TurnID:   item.ID,
		Role:     realtime.RoleUser,
		Modality: realtime.ModalityText,
	}
	if item.Role == "assistant" {
		ev.Role = realtime.RoleAgent
	}
	for _, part := range item.Content {
		switch part.Type {
		case "input_text", "text":
			ev.Text += part.Text
			ev.Final = true
		case "input_audio", "audio":
			ev.Modality = realtime.ModalityAudio
			if part.Transcript != nil {
				ev.Text += *part.Transcript
			}
		}
	}
	return ev, true
}

func (t *transport) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.errVal == nil {
		t.errVal = err
	}
}

func (t *transport) closeEvents() {
	t.closeOnce.Do(func() {
		close(t.events)
	})
}

// ── Transport methods ──────────────────────────────────────────────────────────

// SendAudio delivers a raw PCM16 audio chunk to the model's input buffer.
func (t *transport) SendAudio(chunk []byte) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	return t.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// Send translates cmd into the matching client event and writes it.
func (t *transport) Send(cmd realtime.Command) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	switch cmd.Kind {
	case realtime.CommandSetModality:
		if !cmd.Modality.IsValid() {
			return fmt.Errorf("openai: invalid modality %q", cmd.Modality)
		}
		return t.writeJSON(sessionUpdateMessage{
			Type:    "session.update",
			Session: sessionParams{Modalities: modalities(cmd.Modality)},
		})

	case realtime.CommandCreateResponse:
		return t.writeJSON(responseCreateMessage{
			Type:    "response.create",
			EventID: cmd.EventID,
			Response: responseParams{
				Modalities:   modalities(realtime.ModalityAudio),
				Instructions: cmd.Instructions,
				Input:        contextItems(cmd.Context),
			},
		})

	case realtime.CommandCancelResponse:
		return t.writeJSON(map[string]string{"type": "response.cancel"})

	case realtime.CommandCommitAudio:
		// The session runs server VAD, which commits the input buffer on
		// speech_stopped by itself.
		return nil
	}
	return fmt.Errorf("openai: unsupported command %s", cmd)
}

// contextItems renders prior utterances as out-of-band user messages so the
// response sees exactly the context window chosen by the caller.
func contextItems(utterances []string) []conversationItem {
	if len(utterances) == 0 {
		return nil
	}
	items := make([]conversationItem, 0, len(utterances))
	for _, u := range utterances {
		items = append(items, conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: u}},
		})
	}
	return items
}

func (t *transport) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("openai: transport closed")
	}
	return nil
}

// Events returns the inbound event channel.
func (t *transport) Events() <-chan realtime.Event { return t.events }

// Err returns the first non-nil error that caused the transport to terminate.
func (t *transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errVal
}

// Close terminates the connection and releases all resources. Idempotent.
func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
