// Package rooms tracks which online identities are subscribed to which
// conversation rooms and derives broadcast recipients from them.
package rooms

import (
	"context"
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/rehabcare/messaging/internal/model"
)

// Participants resolves the active members of a conversation.
type Participants interface {
	ActiveParticipants(ctx context.Context, conversationID string) ([]model.Identity, error)
}

// Presence answers whether an identity currently has a live connection.
type Presence interface {
	IsOnline(id model.Identity) bool
}

type Index struct {
	mu       sync.RWMutex
	members  map[string]map[model.Identity]struct{}
	joined   map[model.Identity]map[string]struct{}
	convs    Participants
	presence Presence
}

func New(convs Participants, presence Presence) *Index {
	return &Index{
		members:  make(map[string]map[model.Identity]struct{}),
		joined:   make(map[model.Identity]map[string]struct{}),
		convs:    convs,
		presence: presence,
	}
}

// Join subscribes id to the room. Repeated joins are no-ops.
func (x *Index) Join(conversationID string, id model.Identity) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.members[conversationID] == nil {
		x.members[conversationID] = make(map[model.Identity]struct{})
	}
	x.members[conversationID][id] = struct{}{}
	if x.joined[id] == nil {
		x.joined[id] = make(map[string]struct{})
	}
	x.joined[id][conversationID] = struct{}{}
}

func (x *Index) Leave(conversationID string, id model.Identity) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.leaveLocked(conversationID, id)
}

func (x *Index) leaveLocked(conversationID string, id model.Identity) {
	if m := x.members[conversationID]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(x.members, conversationID)
		}
	}
	if j := x.joined[id]; j != nil {
		delete(j, conversationID)
		if len(j) == 0 {
			delete(x.joined, id)
		}
	}
}

// LeaveAll drops every subscription of id, on disconnect.
func (x *Index) LeaveAll(id model.Identity) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for conv := range x.joined[id] {
		x.leaveLocked(conv, id)
	}
}

// JoinedRooms lists the rooms id is subscribed to, sorted.
func (x *Index) JoinedRooms(id model.Identity) []string {
	x.mu.RLock()
	rooms := lo.Keys(x.joined[id])
	x.mu.RUnlock()
	slices.Sort(rooms)
	return rooms
}

func (x *Index) IsJoined(conversationID string, id model.Identity) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.members[conversationID][id]
	return ok
}

// Recipients returns the active participants of the conversation that are
// subscribed to its room and online, in membership order, minus exclude.
func (x *Index) Recipients(ctx context.Context, conversationID string, exclude ...model.Identity) ([]model.Identity, error) {
	active, err := x.convs.ActiveParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	x.mu.RLock()
	subscribed := x.members[conversationID]
	out := lo.Filter(active, func(id model.Identity, _ int) bool {
		_, ok := subscribed[id]
		return ok && !slices.Contains(exclude, id)
	})
	x.mu.RUnlock()
	return lo.Filter(out, func(id model.Identity, _ int) bool { return x.presence.IsOnline(id) }), nil
}
