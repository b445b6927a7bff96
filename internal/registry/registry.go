// Package registry maps each authenticated identity to its single live
// connection handle.
package registry

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/rehabcare/messaging/internal/apperr"
	"github.com/rehabcare/messaging/internal/logger"
	"github.com/rehabcare/messaging/internal/model"
	"github.com/rehabcare/messaging/internal/protocol"
)

const defaultMaxConns = 10000

var (
	ErrTooManyConnections = errors.New("registry: connection limit reached")
	ErrClosed             = errors.New("registry: shut down")
)

// Handle is a live transport bound to one identity.
// Send must not block; a full outbound buffer is reported as an error.
type Handle interface {
	Send(event protocol.EventType, payload any) error
	Close()
}

// Transition is emitted after an identity goes online or offline.
type Transition struct {
	UserID model.Identity
	Online bool
	At     time.Time
}

type Listener func(Transition)

type Registry struct {
	mu        sync.RWMutex
	conns     map[model.Identity]Handle
	maxConns  int
	closed    bool
	listeners []Listener
	now       func() time.Time
}

func New(maxConns int) *Registry {
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	return &Registry{
		conns:    make(map[model.Identity]Handle),
		maxConns: maxConns,
		now:      time.Now,
	}
}

// OnTransition subscribes l to online/offline transitions. Listeners run
// synchronously on the registering goroutine, outside the registry lock.
// Subscribe before serving connections.
func (r *Registry) OnTransition(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Register installs h for id. An existing handle for id is closed first;
// its later Unregister is a no-op because the stored handle no longer matches.
func (r *Registry) Register(id model.Identity, h Handle) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	prev, replacing := r.conns[id]
	if !replacing && len(r.conns) >= r.maxConns {
		r.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", r.maxConns, id)
		return ErrTooManyConnections
	}
	r.conns[id] = h
	listeners := r.listeners
	r.mu.Unlock()

	// Network I/O outside the lock.
	if replacing && prev != h {
		logger.Infof("ws replacing connection user=%s", id)
		prev.Close()
	}
	r.notify(listeners, Transition{UserID: id, Online: true, At: r.now().UTC()})
	return nil
}

// Unregister removes id only while h is still the stored handle.
// It reports whether a mapping was removed.
func (r *Registry) Unregister(id model.Identity, h Handle) bool {
	r.mu.Lock()
	cur, ok := r.conns[id]
	if !ok || cur != h {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	listeners := r.listeners
	r.mu.Unlock()

	r.notify(listeners, Transition{UserID: id, Online: false, At: r.now().UTC()})
	return true
}

func (r *Registry) notify(listeners []Listener, t Transition) {
	for _, l := range listeners {
		l(t)
	}
}

// PushTo delivers one event to id if it is online. It never fails: offline
// users are skipped and push errors are logged, not retried.
func (r *Registry) PushTo(id model.Identity, event protocol.EventType, payload any) bool {
	r.mu.RLock()
	h, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := h.Send(event, payload); err != nil {
		logger.Warnf("%v", apperr.Delivery("registry.PushTo "+string(event)+" user="+string(id), err))
		return false
	}
	return true
}

// Broadcast pushes one event to every connected identity and returns the number of successful pushes.
func (r *Registry) Broadcast(event protocol.EventType, payload any) int {
	n := 0
	for _, id := range r.ListOnline() {
		if r.PushTo(id, event, payload) {
			n++
		}
	}
	return n
}

func (r *Registry) IsOnline(id model.Identity) bool {
	r.mu.RLock()
	_, ok := r.conns[id]
	r.mu.RUnlock()
	return ok
}

// ListOnline returns connected identities in sorted order.
func (r *Registry) ListOnline() []model.Identity {
	r.mu.RLock()
	ids := lo.Keys(r.conns)
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Shutdown closes every handle and rejects further registrations.
// No offline transitions are emitted.
func (r *Registry) Shutdown() {
	// Collect all handles under the lock, do NOT perform I/O under mutex.
	r.mu.Lock()
	r.closed = true
	all := lo.Values(r.conns)
	r.conns = make(map[model.Identity]Handle)
	r.mu.Unlock()

	for _, h := range all {
		h.Close()
	}
	logger.Infof("ws registry shut down, closed %d connections", len(all))
}
