// Package registrytest provides an in-memory registry.Handle that records
// every event pushed to it.
package registrytest

import (
	"errors"
	"sync"

	"github.com/samber/lo"

	"github.com/rehabcare/messaging/internal/protocol"
)

var ErrClosed = errors.New("handle closed")

type Event struct {
	Type    protocol.EventType
	Payload any
}

type Handle struct {
	mu     sync.Mutex
	events []Event
	closed bool
	// Fail makes every Send return this error.
	Fail error
}

func NewHandle() *Handle {
	return &Handle{}
}

func (h *Handle) Send(event protocol.EventType, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Fail != nil {
		return h.Fail
	}
	if h.closed {
		return ErrClosed
	}
	h.events = append(h.events, Event{Type: event, Payload: payload})
	return nil
}

func (h *Handle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Events returns a copy of everything received so far.
func (h *Handle) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

// OfType returns the received events of type t, in arrival order.
func (h *Handle) OfType(t protocol.EventType) []Event {
	return lo.Filter(h.Events(), func(e Event, _ int) bool { return e.Type == t })
}

func (h *Handle) Reset() {
	h.mu.Lock()
	h.events = nil
	h.mu.Unlock()
}
