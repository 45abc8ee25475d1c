package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/cuecall/internal/observe"
	"github.com/MrWong99/cuecall/internal/session"
	"github.com/MrWong99/cuecall/internal/transcript"
	"github.com/MrWong99/cuecall/pkg/audio"
)

// Compile-time interface assertion.
var _ session.Observer = (*Hub)(nil)

// clientBuffer is the number of frames queued per stream client before new
// frames are dropped for it.
const clientBuffer = 256

// Message types sent as JSON text frames on the stream.
const (
	TypeState      = "state"
	TypeMode       = "mode"
	TypeTranscript = "transcript"
	TypeStatus     = "status"
	TypeAudioClear = "audio.clear"
	TypeError      = "error"
)

// Message is a JSON text frame on the stream. Only the fields relevant to
// Type are set.
type Message struct {
	Type string `json:"type"`

	// mode
	Transition *session.Transition `json:"transition,omitempty"`

	// transcript
	Entry *transcript.Entry `json:"entry,omitempty"`

	// status
	Status *session.Status `json:"status,omitempty"`

	// state
	State *State `json:"state,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// clearFrame is the audio.clear message.
var clearFrame = jsonFrame(Message{Type: TypeAudioClear})

// client is one attached stream connection.
type client struct {
	out chan frame

	// clear holds at most one pending audio.clear. It is kept apart from out
	// so a full frame queue cannot drop it.
	clear chan struct{}
}

// Hub fans session notifications and agent audio out to every attached
// stream client. It implements [session.Observer] and never blocks the
// caller: a client that cannot keep up loses frames, but never an
// audio.clear.
//
// All exported methods are safe for concurrent use.
type Hub struct {
	metrics *observe.Metrics

	// conv converts agent audio from the backend format to the client
	// format. It is only used from the playback dispatch goroutine.
	conv *audio.Converter

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub returns a Hub that delivers agent audio to clients in clientFormat.
func NewHub(clientFormat audio.Format, m *observe.Metrics) *Hub {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Hub{
		metrics: m,
		conv:    audio.NewConverter(audio.DefaultFormat, clientFormat),
		clients: make(map[*client]struct{}),
	}
}

// OnTransition broadcasts a mode change.
func (h *Hub) OnTransition(t session.Transition) {
	h.broadcastJSON(Message{Type: TypeMode, Transition: &t})
}

// OnTranscript broadcasts a transcript update.
func (h *Hub) OnTranscript(e transcript.Entry) {
	h.broadcastJSON(Message{Type: TypeTranscript, Entry: &e})
}

// OnStatus broadcasts a connection status change.
func (h *Hub) OnStatus(s session.Status) {
	h.broadcastJSON(Message{Type: TypeStatus, Status: &s})
}

// Audio is a [playback.Output]: it sends one paced agent audio fragment to
// every client as a binary frame.
func (h *Hub) Audio(fragment []byte, _ string) {
	pcm := h.conv.Convert(fragment)
	if len(pcm) == 0 {
		return
	}
	h.broadcast(frame{typ: websocket.MessageBinary, data: pcm})
}

// Clear tells clients to flush their local playback buffers. It is wired to
// the playback queue's discard hook. Agent audio still queued for a client is
// dropped first, so nothing discarded reaches the client after the clear.
func (h *Hub) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if n := c.dropAudio(); n > 0 {
			slog.Debug("control: dropped queued agent audio", "frames", n)
		}
		select {
		case c.clear <- struct{}{}:
		default:
		}
	}
}

// Clients returns the number of attached clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) attach() *client {
	c := &client{
		out:   make(chan frame, clientBuffer),
		clear: make(chan struct{}, 1),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.StreamClients.Add(context.Background(), 1)
	return c
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		h.metrics.StreamClients.Add(context.Background(), -1)
	}
}

func (h *Hub) broadcastJSON(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		slog.Error("control: encode stream message", "type", m.Type, "err", err)
		return
	}
	h.broadcast(frame{typ: websocket.MessageText, data: data})
}

func (h *Hub) broadcast(f frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.out <- f:
		default:
			slog.Debug("control: stream client too slow, dropping frame", "bytes", len(f.data))
		}
	}
}

// send queues a frame for one client without blocking.
func (c *client) send(f frame) bool {
	select {
	case c.out <- f:
		return true
	default:
		return false
	}
}

// dropAudio removes the binary frames queued for c and reports how many it
// removed. Text frames are queued again in their original order.
func (c *client) dropAudio() int {
	var (
		keep    []frame
		dropped int
	)
drain:
	for {
		select {
		case f := <-c.out:
			if f.typ == websocket.MessageBinary {
				dropped++
				continue
			}
			keep = append(keep, f)
		default:
			break drain
		}
	}
	for _, f := range keep {
		c.send(f)
	}
	return dropped
}

// next returns the frame to write next. A pending clear goes first.
func (c *client) next(ctx context.Context) (frame, error) {
	select {
	case <-c.clear:
		return clearFrame, nil
	default:
	}
	select {
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-c.clear:
		return clearFrame, nil
	case f := <-c.out:
		return f, nil
	}
}
