// Package presence turns registry transitions into global user_status_change
// events and mirrors them into a PresenceStore for "last seen" lookups.
package presence

import (
	"context"
	"time"

	"github.com/rehabcare/messaging/internal/logger"
	"github.com/rehabcare/messaging/internal/model"
	"github.com/rehabcare/messaging/internal/protocol"
	"github.com/rehabcare/messaging/internal/registry"
	"github.com/rehabcare/messaging/internal/storage"
)

const mirrorTimeout = 5 * time.Second

type Broadcaster struct {
	reg   *registry.Registry
	store storage.PresenceStore
}

// New subscribes the broadcaster to reg. store may be nil.
func New(reg *registry.Registry, store storage.PresenceStore) *Broadcaster {
	b := &Broadcaster{reg: reg, store: store}
	reg.OnTransition(b.handle)
	return b
}

func (b *Broadcaster) handle(t registry.Transition) {
	status := protocol.StatusOffline
	if t.Online {
		status = protocol.StatusOnline
	}
	n := b.reg.Broadcast(protocol.EventUserStatusChange, protocol.UserStatusPayload{
		UserID:    t.UserID,
		Status:    status,
		Timestamp: t.At,
	})
	logger.Debugf("presence user=%s status=%s notified=%d", t.UserID, status, n)

	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := b.store.SetOnline(ctx, t.UserID, t.Online, t.At); err != nil {
		logger.Errorf("presence mirror user=%s online=%v: %v", t.UserID, t.Online, err)
	}
}

// Status is the presence answer for one identity.
type Status struct {
	UserID   model.Identity `json:"userId"`
	Online   bool           `json:"online"`
	LastSeen *time.Time     `json:"lastSeen,omitempty"`
}

// Lookup reports live status from the registry and last-seen from the store.
func (b *Broadcaster) Lookup(ctx context.Context, id model.Identity) (Status, error) {
	st := Status{UserID: id, Online: b.reg.IsOnline(id)}
	if b.store == nil {
		return st, nil
	}
	at, _, err := b.store.LastSeen(ctx, id)
	if err != nil {
		return st, err
	}
	if !at.IsZero() {
		st.LastSeen = &at
	}
	return st, nil
}
