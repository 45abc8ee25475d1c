package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/cuecall/pkg/realtime"
	"github.com/MrWong99/cuecall/pkg/realtime/openai"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// dial connects a Dialer to srv and registers cleanup.
func dial(t *testing.T, srv *httptest.Server, opts ...openai.Option) realtime.Transport {
	t.Helper()
	opts = append(opts, openai.WithBaseURL(wsURL(srv)))
	d := openai.New("key", opts...)
	tr, err := d.Dial(context.Background(), realtime.SessionConfig{Voice: "alloy"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// nextEvent waits for one event from tr.
func nextEvent(t *testing.T, tr realtime.Transport) realtime.Event {
	t.Helper()
	select {
	case ev, ok := <-tr.Events():
		if !ok {
			t.Fatal("Events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return realtime.Event{}
}

// ── Dial ──────────────────────────────────────────────────────────────────────

func TestDial_SendsAuthAndModel(t *testing.T) {
	t.Parallel()

	type handshake struct{ auth, model, beta string }
	got := make(chan handshake, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- handshake{
			auth:  r.Header.Get("Authorization"),
			model: r.URL.Query().Get("model"),
			beta:  r.Header.Get("OpenAI-Beta"),
		}
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("my-secret-token", openai.WithModel("gpt-4o-mini-realtime"), openai.WithBaseURL(wsURL(srv)))
	tr, err := p.Dial(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	select {
	case h := <-got:
		if h.auth != "Bearer my-secret-token" {
			t.Errorf("Authorization = %q; want Bearer my-secret-token", h.auth)
		}
		if h.model != "gpt-4o-mini-realtime" {
			t.Errorf("model in URL = %q; want gpt-4o-mini-realtime", h.model)
		}
		if h.beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q; want realtime=v1", h.beta)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestDial_InitialSessionUpdateIsSilent(t *testing.T) {
	t.Parallel()

	type sessionUpdateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Modalities    []string `json:"modalities"`
			Voice         string   `json:"voice"`
			TurnDetection struct {
				Type              string `json:"type"`
				CreateResponse    bool   `json:"create_response"`
				InterruptResponse bool   `json:"interrupt_response"`
			} `json:"turn_detection"`
			InputAudioTranscription struct {
				Model string `json:"model"`
			} `json:"input_audio_transcription"`
		} `json:"session"`
	}

	received := make(chan sessionUpdateMsg, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg sessionUpdateMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	dial(t, srv)

	select {
	case msg := <-received:
		if msg.Type != "session.update" {
			t.Errorf("type = %q; want session.update", msg.Type)
		}
		if len(msg.Session.Modalities) != 1 || msg.Session.Modalities[0] != "text" {
			t.Errorf("modalities = %v; want [text]", msg.Session.Modalities)
		}
		if msg.Session.Voice != "alloy" {
			t.Errorf("voice = %q; want alloy", msg.Session.Voice)
		}
		if msg.Session.TurnDetection.Type != "server_vad" {
			t.Errorf("turn_detection.type = %q; want server_vad", msg.Session.TurnDetection.Type)
		}
		if msg.Session.TurnDetection.CreateResponse || msg.Session.TurnDetection.InterruptResponse {
			t.Error("server must not create or interrupt responses on its own")
		}
		if msg.Session.InputAudioTranscription.Model == "" {
			t.Error("input transcription model should default to a non-empty value")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestDial_Failure(t *testing.T) {
	t.Parallel()
	p := openai.New("key", openai.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Dial(ctx, realtime.SessionConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}

// ── Send ──────────────────────────────────────────────────────────────────────

func TestSend_CommandsInOrder(t *testing.T) {
	t.Parallel()

	type clientMsg struct {
		Type    string `json:"type"`
		EventID string `json:"event_id"`
		Session struct {
			Modalities []string `json:"modalities"`
		} `json:"session"`
		Response struct {
			Modalities   []string `json:"modalities"`
			Instructions string   `json:"instructions"`
			Input        []struct {
				Role    string `json:"role"`
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			} `json:"input"`
		} `json:"response"`
	}

	msgs := make(chan clientMsg, 8)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // initial session.update
		for range 4 {
			var m clientMsg
			readJSON(t, conn, &m)
			msgs <- m
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	tr := dial(t, srv)
	create := realtime.CreateResponse("answer briefly", []string{"first", "second"})
	create.EventID = "create-7"
	cmds := []realtime.Command{
		realtime.SetModality(realtime.ModalityAudio),
		create,
		realtime.CancelResponse(),
		realtime.SetModality(realtime.ModalityText),
	}
	for _, c := range cmds {
		if err := tr.Send(c); err != nil {
			t.Fatalf("Send(%s): %v", c, err)
		}
	}

	wantTypes := []string{"session.update", "response.create", "response.cancel", "session.update"}
	var got []clientMsg
	for range wantTypes {
		select {
		case m := <-msgs:
			got = append(got, m)
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for client message")
		}
	}
	for i, want := range wantTypes {
		if got[i].Type != want {
			t.Errorf("message %d type = %q; want %q", i, got[i].Type, want)
		}
	}
	if m := got[0].Session.Modalities; len(m) != 2 || m[0] != "audio" {
		t.Errorf("audio modality update = %v; want [audio text]", m)
	}
	if m := got[3].Session.Modalities; len(m) != 1 || m[0] != "text" {
		t.Errorf("text modality update = %v; want [text]", m)
	}
	resp := got[1].Response
	if resp.Instructions != "answer briefly" {
		t.Errorf("instructions = %q", resp.Instructions)
	}
	if len(resp.Input) != 2 || resp.Input[1].Content[0].Text != "second" {
		t.Errorf("input = %+v; want two user messages", resp.Input)
	}
	if got[1].EventID != "create-7" {
		t.Errorf("response.create event_id = %q; want create-7", got[1].EventID)
	}
}

func TestSend_CommitLeftToServerVAD(t *testing.T) {
	t.Parallel()

	types := make(chan string, 4)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // initial session.update
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var m struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &m) == nil {
				types <- m.Type
			}
		}
	})

	tr := dial(t, srv)
	if err := tr.Send(realtime.CommitAudio()); err != nil {
		t.Fatalf("Send(commit): %v", err)
	}
	if err := tr.Send(realtime.CancelResponse()); err != nil {
		t.Fatalf("Send(cancel): %v", err)
	}

	select {
	case got := <-types:
		if got != "response.cancel" {
			t.Errorf("first message after session.update = %q; want response.cancel", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for client message")
	}
}

func TestSend_InvalidModality(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})
	tr := dial(t, srv)
	if err := tr.Send(realtime.SetModality("video")); err == nil {
		t.Fatal("expected error for invalid modality")
	}
}

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	audioMsg := make(chan appendMsg, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		var msg appendMsg
		readJSON(t, conn, &msg)
		audioMsg <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	tr := dial(t, srv)
	wantPCM := []byte{0x10, 0x20, 0x30, 0x40}
	if err := tr.SendAudio(wantPCM); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-audioMsg:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q; want input_audio_buffer.append", msg.Type)
		}
		got, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(wantPCM) {
			t.Errorf("decoded audio = %v; want %v", got, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio append message")
	}
}

func TestSend_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	tr := dial(t, srv)
	_ = tr.Close()
	_ = tr.Close() // idempotent

	if err := tr.SendAudio([]byte{1, 2, 3}); err == nil {
		t.Error("SendAudio after Close should return an error")
	}
	if err := tr.Send(realtime.CancelResponse()); err == nil {
		t.Error("Send after Close should return an error")
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestEvents_TranslatesServerEvents(t *testing.T) {
	t.Parallel()

	pcm := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{"type": "session.created"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started", "item_id": "item_1"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_stopped", "item_id": "item_1"})
		writeJSON(t, conn, map[string]any{"type": "rate_limits.updated"}) // ignored
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"item_id":    "item_1",
			"transcript": "ok good question thanks",
		})
		writeJSON(t, conn, map[string]any{"type": "response.created", "response": map[string]any{"id": "resp_1"}})
		writeJSON(t, conn, map[string]any{
			"type":        "response.audio.delta",
			"response_id": "resp_1",
			"item_id":     "item_2",
			"delta":       base64.StdEncoding.EncodeToString(pcm),
		})
		writeJSON(t, conn, map[string]any{"type": "response.done", "response": map[string]any{"id": "resp_1", "status": "completed"}})
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "code": "response_cancel_not_active", "message": "no active response"},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	tr := dial(t, srv)

	want := []realtime.EventKind{
		realtime.EventSessionReady,
		realtime.EventSpeechStarted,
		realtime.EventSpeechStopped,
		realtime.EventTranscript,
		realtime.EventResponseStarted,
		realtime.EventAudioDelta,
		realtime.EventResponseFinished,
		realtime.EventError,
	}
	var got []realtime.Event
	for range want {
		got = append(got, nextEvent(t, tr))
	}
	for i, k := range want {
		if got[i].Kind != k {
			t.Fatalf("event %d kind = %s; want %s", i, got[i].Kind, k)
		}
	}

	tx := got[3]
	if tx.TurnID != "item_1" || tx.Text != "ok good question thanks" || !tx.Final || tx.Role != realtime.RoleUser {
		t.Errorf("transcript event = %+v", tx)
	}
	if got[4].ResponseID != "resp_1" {
		t.Errorf("response id = %q; want resp_1", got[4].ResponseID)
	}
	if string(got[5].Audio) != string(pcm) || got[5].ResponseID != "resp_1" {
		t.Errorf("audio event = %+v", got[5])
	}
	if !got[7].Err.Benign() || got[7].Err.Code != realtime.CodeCancelNotActive {
		t.Errorf("error event = %+v; want benign cancel-not-active", got[7].Err)
	}
}

func TestEvents_ConversationItemCarriesContent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"type": "conversation.item.created",
			"item": map[string]any{
				"id":      "item_9",
				"type":    "message",
				"role":    "user",
				"content": []map[string]any{{"type": "input_audio", "transcript": nil}},
			},
		})
		writeJSON(t, conn, map[string]any{
			"type": "conversation.item.created",
			"item": map[string]any{
				"id":      "item_10",
				"type":    "message",
				"role":    "assistant",
				"content": []map[string]any{{"type": "text", "text": "hello"}},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	tr := dial(t, srv)

	audioItem := nextEvent(t, tr)
	if audioItem.Kind != realtime.EventTranscript || audioItem.TurnID != "item_9" {
		t.Fatalf("first event = %+v", audioItem)
	}
	if audioItem.Text != "" || audioItem.Final {
		t.Errorf("audio item should be unresolved and empty, got %+v", audioItem)
	}
	if audioItem.Modality != realtime.ModalityAudio {
		t.Errorf("modality = %q; want audio", audioItem.Modality)
	}

	textItem := nextEvent(t, tr)
	if textItem.Role != realtime.RoleAgent || textItem.Text != "hello" || !textItem.Final {
		t.Errorf("text item = %+v", textItem)
	}
}

func TestEvents_ClosedOnServerDisconnect(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		conn.Close(websocket.StatusGoingAway, "bye")
	})

	tr := dial(t, srv)
	select {
	case _, ok := <-tr.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
	if tr.Err() == nil {
		t.Error("Err should report the disconnect")
	}
}
