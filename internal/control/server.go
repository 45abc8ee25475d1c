// Package control exposes the session controller to user interfaces.
//
// It serves a small HTTP API:
//
//	POST /v1/trigger/short   ask for a short spoken hint
//	POST /v1/trigger/full    ask for full spoken guidance
//	POST /v1/interrupt       stop the agent
//	GET  /v1/state           mode, liveness and transcripts
//	GET  /v1/stream          WebSocket: mic audio in, agent audio and events out
//
// On the stream, binary frames from the client are PCM16 microphone audio in
// the configured client format. Binary frames to the client are paced agent
// audio in the same format. Text frames to the client are JSON [Message]
// values. Text frames from the client may carry {"type":"trigger.short"},
// {"type":"trigger.full"} or {"type":"interrupt"}.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cuecall/internal/session"
	"github.com/MrWong99/cuecall/pkg/audio"
)

// writeTimeout bounds a single stream frame write.
const writeTimeout = 5 * time.Second

// Client command types accepted as stream text frames.
const (
	CommandTriggerShort = "trigger.short"
	CommandTriggerFull  = "trigger.full"
	CommandInterrupt    = "interrupt"
)

// Sessions yields the session currently bound to the realtime connection, or
// nil while disconnected.
type Sessions interface {
	Current() *session.Session
}

// State is the body of GET /v1/state.
type State struct {
	Connected bool              `json:"connected"`
	Session   *session.Snapshot `json:"session,omitempty"`
}

// ActionResult is the body returned by the trigger and interrupt endpoints.
type ActionResult struct {
	Accepted bool         `json:"accepted"`
	Mode     session.Mode `json:"mode"`
}

// Server serves the control API.
type Server struct {
	sessions Sessions
	hub      *Hub
	format   audio.Format
	origins  []string
}

// Option configures a [Server].
type Option func(*Server)

// WithClientFormat sets the PCM format spoken by stream clients.
// Defaults to [audio.DefaultFormat].
func WithClientFormat(f audio.Format) Option {
	return func(s *Server) {
		if f.Valid() {
			s.format = f
		}
	}
}

// WithOriginPatterns sets the host patterns allowed to open the stream from
// a browser on another origin.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// NewServer returns a Server for sessions that streams through hub.
func NewServer(sessions Sessions, hub *Hub, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		hub:      hub,
		format:   audio.DefaultFormat,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register mounts the control routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/trigger/short", s.handleTriggerShort)
	mux.HandleFunc("POST /v1/trigger/full", s.handleTriggerFull)
	mux.HandleFunc("POST /v1/interrupt", s.handleInterrupt)
	mux.HandleFunc("GET /v1/state", s.handleState)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
}

// ── HTTP ─────────────────────────────────────────────────────────────────────

func (s *Server) handleTriggerShort(w http.ResponseWriter, r *http.Request) {
	s.act(w, r, (*session.Session).TriggerShortHint)
}

func (s *Server) handleTriggerFull(w http.ResponseWriter, r *http.Request) {
	s.act(w, r, (*session.Session).TriggerFullGuidance)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	s.act(w, r, (*session.Session).Interrupt)
}

// act runs a control call against the current session. A call that was not
// accepted (a trigger while busy, an interrupt while listening) is still a
// 200 with accepted=false.
func (s *Server) act(w http.ResponseWriter, r *http.Request, call func(*session.Session, context.Context) bool) {
	sess := s.sessions.Current()
	if sess == nil {
		writeError(w, http.StatusServiceUnavailable, "no active session")
		return
	}
	ok := call(sess, r.Context())
	writeJSON(w, http.StatusOK, ActionResult{Accepted: ok, Mode: sess.Mode()})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) state() State {
	sess := s.sessions.Current()
	if sess == nil {
		return State{}
	}
	snap := sess.Snapshot()
	return State{Connected: !snap.Closed, Session: &snap}
}

// ── Stream ───────────────────────────────────────────────────────────────────

// clientCommand is a text frame sent by a stream client.
type clientCommand struct {
	Type string `json:"type"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		slog.Warn("control: stream accept failed", "err", err)
		return
	}
	// Mic chunks from browsers are small, but a stereo 48 kHz client may
	// send up to a second at once.
	conn.SetReadLimit(1 << 20)

	c := s.hub.attach()
	defer s.hub.detach(c)

	state := s.state()
	c.send(jsonFrame(Message{Type: TypeState, State: &state}))

	slog.Info("control: stream client attached", "remote", r.RemoteAddr)

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return s.readLoop(ctx, conn, c) })
	g.Go(func() error { return writeLoop(ctx, conn, c) })
	err = g.Wait()

	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	default:
		slog.Debug("control: stream ended", "err", err)
		conn.Close(websocket.StatusInternalError, "stream error")
	}
	slog.Info("control: stream client detached", "remote", r.RemoteAddr)
}

// readLoop forwards microphone audio to the current session and executes
// client commands.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, c *client) error {
	conv := audio.NewConverter(s.format, audio.DefaultFormat)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			sess := s.sessions.Current()
			if sess == nil {
				continue
			}
			if err := sess.SendAudio(conv.Convert(data)); err != nil {
				slog.Debug("control: forward mic audio", "err", err)
			}
		case websocket.MessageText:
			s.command(ctx, c, data)
		}
	}
}

func (s *Server) command(ctx context.Context, c *client, data []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.send(jsonFrame(Message{Type: TypeError, Error: "invalid command"}))
		return
	}
	var call func(*session.Session, context.Context) bool
	switch cmd.Type {
	case CommandTriggerShort:
		call = (*session.Session).TriggerShortHint
	case CommandTriggerFull:
		call = (*session.Session).TriggerFullGuidance
	case CommandInterrupt:
		call = (*session.Session).Interrupt
	default:
		c.send(jsonFrame(Message{Type: TypeError, Error: "unknown command " + cmd.Type}))
		return
	}
	sess := s.sessions.Current()
	if sess == nil {
		c.send(jsonFrame(Message{Type: TypeError, Error: "no active session"}))
		return
	}
	call(sess, ctx)
}

// writeLoop drains the client's frame queue onto the socket.
func writeLoop(ctx context.Context, conn *websocket.Conn, c *client) error {
	for {
		f, err := c.next(ctx)
		if err != nil {
			return err
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = conn.Write(wctx, f.typ, f.data)
		cancel()
		if err != nil {
			return err
		}
	}
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func jsonFrame(m Message) frame {
	data, _ := json.Marshal(m)
	return frame{typ: websocket.MessageText, data: data}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
