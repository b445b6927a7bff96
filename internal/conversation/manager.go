// Package conversation owns the live state of every conversation: participants,
// the ephemeral typing set, the last-message summary and pinned messages.
//
// State is loaded lazily from a storage.ConversationStore and written through on
// every persistent change. Typing entries never leave memory. Writes to one
// conversation are serialized by its lock; different conversations never contend.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/rehabcare/messaging/internal/apperr"
	"github.com/rehabcare/messaging/internal/logger"
	"github.com/rehabcare/messaging/internal/model"
	"github.com/rehabcare/messaging/internal/storage"
)

const (
	DefaultTypingTTL = 5 * time.Minute
	DefaultIdleTTL   = 30 * time.Minute
	shardCount       = 64
)

type Option func(*Manager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithTypingTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithIdleTTL sets how long an unused conversation stays cached. Storage
// remains authoritative, so an evicted conversation is reloaded on next use.
func WithIdleTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.idleTTL = ttl
		}
	}
}

type Manager struct {
	shards   [shardCount]*shard
	store    storage.ConversationStore
	messages storage.MessageStore
	ttl      time.Duration
	idleTTL  time.Duration
	now      func() time.Time
}

func New(store storage.ConversationStore, messages storage.MessageStore, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		messages: messages,
		ttl:      DefaultTypingTTL,
		idleTTL:  DefaultIdleTTL,
		now:      time.Now,
	}
	for i := range m.shards {
		m.shards[i] = &shard{convs: make(map[string]*state)}
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) TypingTTL() time.Duration { return m.ttl }

func (m *Manager) shardFor(id string) *shard {
	return m.shards[xxhash.Sum64String(id)%shardCount]
}

// load returns the cached state for id, reading it from storage on first use.
func (m *Manager) load(ctx context.Context, op, id string) (*state, error) {
	sh := m.shardFor(id)
	st := sh.get(id)
	if st == nil {
		conv, err := m.store.GetConversation(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound(op, "conversation not found")
		}
		if err != nil {
			return nil, apperr.Persistence(op, err)
		}
		st = sh.putIfAbsent(id, newState(conv))
	}
	st.touched.Store(m.now().UnixNano())
	return st, nil
}

// lock loads id and takes its write lock, reloading if the state was evicted
// between the lookup and the lock.
func (m *Manager) lock(ctx context.Context, op, id string) (*state, error) {
	for {
		st, err := m.load(ctx, op, id)
		if err != nil {
			return nil, err
		}
		st.mu.Lock()
		if !st.evicted {
			return st, nil
		}
		st.mu.Unlock()
	}
}

func (m *Manager) rlock(ctx context.Context, op, id string) (*state, error) {
	for {
		st, err := m.load(ctx, op, id)
		if err != nil {
			return nil, err
		}
		st.mu.RLock()
		if !st.evicted {
			return st, nil
		}
		st.mu.RUnlock()
	}
}

func storageErr(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(op, "conversation not found")
	}
	return apperr.Persistence(op, err)
}

// write runs fn under the conversation's write lock after pruning expired typing entries.
// now is read after the lock is taken.
func (m *Manager) write(ctx context.Context, op, id string, fn func(st *state, now time.Time) error) error {
	st, err := m.lock(ctx, op, id)
	if err != nil {
		return err
	}
	defer st.mu.Unlock()
	now := m.now().UTC()
	st.prune(now, m.ttl)
	return fn(st, now)
}

func (m *Manager) read(ctx context.Context, op, id string, fn func(st *state)) error {
	st, err := m.rlock(ctx, op, id)
	if err != nil {
		return err
	}
	defer st.mu.RUnlock()
	fn(st)
	return nil
}

// Create validates and persists a new conversation. Participants are deduplicated by
// identity and the creator is added as admin when missing.
func (m *Manager) Create(ctx context.Context, c *model.Conversation) (*model.Conversation, error) {
	const op = "conversation.Create"
	defer logger.DeferLogDuration(op, time.Now())()

	switch c.Type {
	case model.ConversationPrivate, model.ConversationGroup, model.ConversationChannel:
	default:
		return nil, apperr.Validation(op, fmt.Sprintf("unknown conversation type %q", c.Type))
	}
	if c.CreatedBy == "" {
		return nil, apperr.Validation(op, "createdBy is required")
	}

	now := m.now().UTC()
	conv := c.Clone()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.Participants = lo.UniqBy(conv.Participants, func(p model.Participant) model.Identity { return p.UserID })
	if !lo.ContainsBy(conv.Participants, func(p model.Participant) bool { return p.UserID == conv.CreatedBy }) {
		conv.Participants = append([]model.Participant{{UserID: conv.CreatedBy, Role: model.RoleAdmin}}, conv.Participants...)
	}
	for i := range conv.Participants {
		p := &conv.Participants[i]
		if p.UserID == "" {
			return nil, apperr.Validation(op, "participant userId is required")
		}
		p.ConversationID = conv.ID
		p.IsActive = true
		if p.Role == "" {
			p.Role = model.RoleMember
		}
		if p.JoinedAt.IsZero() {
			p.JoinedAt = conv.CreatedAt
		}
	}
	if conv.Type == model.ConversationPrivate && len(conv.Participants) != 2 {
		return nil, apperr.Validation(op, "private conversation needs exactly two participants")
	}
	conv.LastMessage = nil
	conv.MessageCount = 0
	conv.Pinned = nil
	conv.Archived = false

	sh := m.shardFor(conv.ID)
	if sh.get(conv.ID) != nil {
		return nil, apperr.Validation(op, "conversation already exists")
	}
	if err := m.store.CreateConversation(ctx, conv); err != nil {
		return nil, apperr.Persistence(op, err)
	}
	sh.putIfAbsent(conv.ID, newState(conv)).touched.Store(m.now().UnixNano())
	logger.Infof("conversation created id=%s type=%s participants=%d", conv.ID, conv.Type, len(conv.Participants))
	return conv.Clone(), nil
}

// Get returns a snapshot of the conversation.
func (m *Manager) Get(ctx context.Context, id string) (*model.Conversation, error) {
	var out *model.Conversation
	err := m.read(ctx, "conversation.Get", id, func(st *state) {
		out = st.conv.Clone()
	})
	return out, err
}

// ActiveParticipants lists active members in membership order.
func (m *Manager) ActiveParticipants(ctx context.Context, id string) ([]model.Identity, error) {
	var out []model.Identity
	err := m.read(ctx, "conversation.ActiveParticipants", id, func(st *state) {
		out = st.conv.ActiveIDs()
	})
	return out, err
}

func (m *Manager) IsActiveParticipant(ctx context.Context, id string, user model.Identity) (bool, error) {
	var ok bool
	err := m.read(ctx, "conversation.IsActiveParticipant", id, func(st *state) {
		ok = st.conv.IsActiveParticipant(user)
	})
	return ok, err
}

// ActiveCount is the number of active participant records.
func (m *Manager) ActiveCount(ctx context.Context, id string) (int, error) {
	var n int
	err := m.read(ctx, "conversation.ActiveCount", id, func(st *state) {
		n = st.active
	})
	return n, err
}

// ConversationsFor lists conversations where user is an active participant.
func (m *Manager) ConversationsFor(ctx context.Context, user model.Identity) ([]string, error) {
	ids, err := m.store.ConversationsFor(ctx, user)
	if err != nil {
		return nil, apperr.Persistence("conversation.ConversationsFor", err)
	}
	return ids, nil
}

// AddParticipant activates user in the conversation. It is a no-op for an active
// member, reactivates a removed record in place, and appends otherwise.
// changed reports whether anything was written.
func (m *Manager) AddParticipant(ctx context.Context, id string, user model.Identity, role model.Role) (changed bool, err error) {
	const op = "conversation.AddParticipant"
	if role == "" {
		role = model.RoleMember
	}
	if role != model.RoleAdmin && role != model.RoleMember {
		return false, apperr.Validation(op, fmt.Sprintf("unknown role %q", role))
	}
	err = m.write(ctx, op, id, func(st *state, now time.Time) error {
		idx := st.conv.FindParticipant(user)
		if idx >= 0 && st.conv.Participants[idx].IsActive {
			return nil
		}
		p := model.Participant{ConversationID: id, UserID: user}
		if idx >= 0 {
			p = st.conv.Participants[idx]
		}
		p.Role = role
		p.IsActive = true
		p.JoinedAt = now
		if err := m.store.UpsertParticipant(ctx, p); err != nil {
			return storageErr(op, err)
		}
		if idx >= 0 {
			st.conv.Participants[idx] = p
		} else {
			st.conv.Participants = append(st.conv.Participants, p)
		}
		st.recount()
		changed = true
		return nil
	})
	return changed, err
}

// RemoveParticipant tombstones the membership record; it is never deleted.
func (m *Manager) RemoveParticipant(ctx context.Context, id string, user model.Identity) (changed bool, err error) {
	const op = "conversation.RemoveParticipant"
	err = m.write(ctx, op, id, func(st *state, _ time.Time) error {
		idx := st.conv.FindParticipant(user)
		if idx < 0 || !st.conv.Participants[idx].IsActive {
			return nil
		}
		p := st.conv.Participants[idx]
		p.IsActive = false
		if err := m.store.UpsertParticipant(ctx, p); err != nil {
			return storageErr(op, err)
		}
		st.conv.Participants[idx] = p
		delete(st.typing, user)
		st.recount()
		changed = true
		return nil
	})
	return changed, err
}

// StartTyping upserts the typing entry for user; repeats refresh StartedAt.
func (m *Manager) StartTyping(ctx context.Context, id string, user model.Identity) (model.TypingEntry, error) {
	var entry model.TypingEntry
	err := m.write(ctx, "conversation.StartTyping", id, func(st *state, now time.Time) error {
		st.typing[user] = now
		entry = model.TypingEntry{ConversationID: id, UserID: user, StartedAt: now}
		return nil
	})
	return entry, err
}

// StopTyping deletes the typing entry for user and reports whether one existed.
func (m *Manager) StopTyping(ctx context.Context, id string, user model.Identity) (existed bool, err error) {
	err = m.write(ctx, "conversation.StopTyping", id, func(st *state, _ time.Time) error {
		_, existed = st.typing[user]
		delete(st.typing, user)
		return nil
	})
	return existed, err
}

// TypingUsers returns unexpired typing entries ordered by StartedAt.
func (m *Manager) TypingUsers(ctx context.Context, id string) ([]model.TypingEntry, error) {
	var out []model.TypingEntry
	err := m.read(ctx, "conversation.TypingUsers", id, func(st *state) {
		out = st.liveTyping(id, m.now().UTC(), m.ttl)
	})
	return out, err
}

// RecordMessage updates the last-message summary and increments the counter.
// Callers guarantee one call per persisted message.
func (m *Manager) RecordMessage(ctx context.Context, id string, msg *model.Message) error {
	const op = "conversation.RecordMessage"
	return m.write(ctx, op, id, func(st *state, _ time.Time) error {
		summary := msg.Summary()
		count := st.conv.MessageCount + 1
		if err := m.store.UpdateLastMessage(ctx, id, summary, count); err != nil {
			return storageErr(op, err)
		}
		st.conv.LastMessage = &summary
		st.conv.MessageCount = count
		return nil
	})
}

// MarkRead moves the participant's lastReadAt forward to at.
func (m *Manager) MarkRead(ctx context.Context, id string, user model.Identity, at time.Time) error {
	const op = "conversation.MarkRead"
	return m.write(ctx, op, id, func(st *state, _ time.Time) error {
		idx := st.conv.FindParticipant(user)
		if idx < 0 {
			return apperr.Authorization(op, "not a participant of this conversation")
		}
		p := st.conv.Participants[idx]
		if p.LastReadAt != nil && !at.After(*p.LastReadAt) {
			return nil
		}
		at := at.UTC()
		p.LastReadAt = &at
		if err := m.store.UpsertParticipant(ctx, p); err != nil {
			return storageErr(op, err)
		}
		st.conv.Participants[idx] = p
		return nil
	})
}

// messageIn fails with a not-found error unless messageID belongs to conversation id.
func (m *Manager) messageIn(ctx context.Context, op, id, messageID string) error {
	msg, err := m.messages.GetMessage(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(op, "message not found in conversation")
	}
	if err != nil {
		return apperr.Persistence(op, err)
	}
	if msg.ConversationID != id {
		return apperr.NotFound(op, "message not found in conversation")
	}
	return nil
}

// Pin is idempotent. changed is false when the message was already pinned.
func (m *Manager) Pin(ctx context.Context, id, messageID string, by model.Identity) (changed bool, err error) {
	const op = "conversation.Pin"
	if err := m.messageIn(ctx, op, id, messageID); err != nil {
		return false, err
	}
	err = m.write(ctx, op, id, func(st *state, now time.Time) error {
		if st.pinned(messageID) {
			return nil
		}
		p := model.PinnedMessage{ConversationID: id, MessageID: messageID, PinnedBy: by, PinnedAt: now}
		if err := m.store.SetPinned(ctx, p, true); err != nil {
			return storageErr(op, err)
		}
		st.conv.Pinned = append(st.conv.Pinned, p)
		changed = true
		return nil
	})
	return changed, err
}

// Unpin is idempotent. changed is false when the message was not pinned.
func (m *Manager) Unpin(ctx context.Context, id, messageID string) (changed bool, err error) {
	const op = "conversation.Unpin"
	if err := m.messageIn(ctx, op, id, messageID); err != nil {
		return false, err
	}
	err = m.write(ctx, op, id, func(st *state, _ time.Time) error {
		if !st.pinned(messageID) {
			return nil
		}
		p := model.PinnedMessage{ConversationID: id, MessageID: messageID}
		if err := m.store.SetPinned(ctx, p, false); err != nil {
			return storageErr(op, err)
		}
		st.conv.Pinned = lo.Reject(st.conv.Pinned, func(x model.PinnedMessage, _ int) bool {
			return x.MessageID == messageID
		})
		changed = true
		return nil
	})
	return changed, err
}

// Archive marks the conversation archived. Archived conversations reject new messages.
func (m *Manager) Archive(ctx context.Context, id string) (changed bool, err error) {
	const op = "conversation.Archive"
	err = m.write(ctx, op, id, func(st *state, _ time.Time) error {
		if st.conv.Archived {
			return nil
		}
		if err := m.store.SetArchived(ctx, id, true); err != nil {
			return storageErr(op, err)
		}
		st.conv.Archived = true
		st.typing = make(map[model.Identity]time.Time)
		changed = true
		return nil
	})
	return changed, err
}

// Sweep prunes expired typing entries in every cached conversation, then evicts
// conversations unused for the idle TTL that have nobody typing.
func (m *Manager) Sweep() (pruned, evicted int) {
	now := m.now()
	for _, sh := range m.shards {
		for _, st := range sh.snapshot() {
			st.mu.Lock()
			pruned += st.prune(now.UTC(), m.ttl)
			st.mu.Unlock()
		}
		evicted += sh.evictIdle(now.Add(-m.idleTTL))
	}
	return pruned, evicted
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pruned, evicted := m.Sweep(); pruned+evicted > 0 {
				logger.Debugf("sweep removed %d typing entries, evicted %d idle conversations", pruned, evicted)
			}
		}
	}
}
