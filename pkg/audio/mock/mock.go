// Package mock provides an in-memory [audio.Sink] for unit tests.
//
// The mock is safe for concurrent use. It records every call so that tests
// can assert on order and arguments.
//
// Typical usage:
//
//	sink := &mock.Sink{}
//	sess := session.New(transport, sink, cfg)
//	...
//	if sink.StopCount() != 1 { ... }
package mock

import (
	"sync"

	"github.com/MrWong99/cuecall/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Sink = (*Sink)(nil)

// EnqueueCall records the arguments of a single [Sink.Enqueue] invocation.
type EnqueueCall struct {
	// Fragment is a copy of the fragment passed to Enqueue.
	Fragment []byte
	// TurnID is the turnID argument passed to Enqueue.
	TurnID string
}

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// EnqueueCalls records all Enqueue invocations in order.
	EnqueueCalls []EnqueueCall

	// CallCountStopAndDiscard records how many times StopAndDiscard was called.
	CallCountStopAndDiscard int

	// OnStop, if set, is called synchronously from StopAndDiscard.
	OnStop func()

	// pending mirrors what a real queue would still hold: fragments enqueued
	// since the last StopAndDiscard.
	pending int
}

// Enqueue implements [audio.Sink]. The fragment is copied.
func (s *Sink) Enqueue(fragment []byte, turnID string) {
	cp := make([]byte, len(fragment))
	copy(cp, fragment)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.EnqueueCalls = append(s.EnqueueCalls, EnqueueCall{Fragment: cp, TurnID: turnID})
	s.pending++
}

// StopAndDiscard implements [audio.Sink].
func (s *Sink) StopAndDiscard() {
	s.mu.Lock()
	s.CallCountStopAndDiscard++
	s.pending = 0
	hook := s.OnStop
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// EnqueueCount returns the number of Enqueue calls so far.
func (s *Sink) EnqueueCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.EnqueueCalls)
}

// StopCount returns the number of StopAndDiscard calls so far.
func (s *Sink) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStopAndDiscard
}

// Pending returns the number of fragments enqueued since the last
// StopAndDiscard.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}
