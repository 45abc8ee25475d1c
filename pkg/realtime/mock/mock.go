// Package mock provides test doubles for the realtime package interfaces.
//
// Use Dialer to verify Dial calls and hand out a controlled Transport.
// Use Transport to inject inbound events and inspect which commands were sent.
//
// Example:
//
//	tr := mock.NewTransport()
//	d := &mock.Dialer{Transport: tr}
//	handle, _ := d.Dial(ctx, cfg)
//	tr.Push(realtime.Event{Kind: realtime.EventSessionReady})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cuecall/pkg/realtime"
)

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	// Ctx is the context passed to Dial.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Dial.
	Cfg realtime.SessionConfig
}

// Dialer is a mock implementation of realtime.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Transport is returned by Dial. If nil, Dial returns a fresh Transport
	// from NewTransport.
	Transport realtime.Transport

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// DialCalls records every call to Dial in order.
	DialCalls []DialCall
}

// Dial records the call and returns Transport, DialErr.
func (d *Dialer) Dial(ctx context.Context, cfg realtime.SessionConfig) (realtime.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, DialCall{Ctx: ctx, Cfg: cfg})
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.Transport != nil {
		return d.Transport, nil
	}
	return NewTransport(), nil
}

// CallCount returns the number of Dial calls so far. Thread-safe.
func (d *Dialer) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DialCalls)
}

// Ensure Dialer implements realtime.Dialer at compile time.
var _ realtime.Dialer = (*Dialer)(nil)

// Transport is a mock implementation of realtime.Transport. Events pushed via
// Push are delivered on Events in order; commands passed to Send are recorded.
type Transport struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by Send (the command is still recorded).
	SendErr error

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// ErrValue is returned by Err.
	ErrValue error

	// OnSend, if set, is invoked synchronously for every Send after the
	// command is recorded. Tests use it to script server replies.
	OnSend func(cmd realtime.Command)

	commands []realtime.Command
	audio    [][]byte
	events   chan realtime.Event
	closed   bool

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewTransport returns a Transport with a buffered event channel.
func NewTransport() *Transport {
	return &Transport{events: make(chan realtime.Event, 256)}
}

// Push enqueues an inbound event. It must not be called after Close.
func (t *Transport) Push(ev realtime.Event) {
	t.events <- ev
}

// SendAudio records a copy of chunk.
func (t *Transport) SendAudio(chunk []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SendAudioErr != nil {
		return t.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	t.audio = append(t.audio, cp)
	return nil
}

// Send records cmd and returns SendErr.
func (t *Transport) Send(cmd realtime.Command) error {
	t.mu.Lock()
	t.commands = append(t.commands, cmd)
	err := t.SendErr
	hook := t.OnSend
	t.mu.Unlock()
	if hook != nil {
		hook(cmd)
	}
	return err
}

// Events returns the inbound event channel.
func (t *Transport) Events() <-chan realtime.Event { return t.events }

// Err returns ErrValue.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ErrValue
}

// Close closes the event channel once and counts the call.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CloseCallCount++
	if !t.closed {
		t.closed = true
		close(t.events)
	}
	return nil
}

// Commands returns a copy of all commands sent so far. Thread-safe.
func (t *Transport) Commands() []realtime.Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]realtime.Command, len(t.commands))
	copy(out, t.commands)
	return out
}

// Audio returns a copy of all audio chunks sent so far. Thread-safe.
func (t *Transport) Audio() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.audio))
	copy(out, t.audio)
	return out
}

// Reset clears all recorded commands and audio. Thread-safe.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commands = nil
	t.audio = nil
}

// Ensure Transport implements realtime.Transport at compile time.
var _ realtime.Transport = (*Transport)(nil)
