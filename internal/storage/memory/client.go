// Package memory implements the storage interfaces in process memory.
// Used by tests and by the service when STORAGE_DRIVER=memory.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rehabcare/messaging/internal/model"
	"github.com/rehabcare/messaging/internal/storage"
)

type receiptKey struct {
	messageID string
	userID    model.Identity
	kind      model.ReceiptKind
}

type Store struct {
	mu       sync.RWMutex
	messages map[string]model.Message
	receipts map[receiptKey]model.Receipt
	convs    map[string]*model.Conversation
}

func New() *Store {
	return &Store{
		messages: make(map[string]model.Message),
		receipts: make(map[receiptKey]model.Receipt),
		convs:    make(map[string]*model.Conversation),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateMessage(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return fmt.Errorf("memory.CreateMessage: duplicate id %s", m.ID)
	}
	cp := *m
	cp.Attachments = append([]model.Attachment(nil), m.Attachments...)
	s.messages[m.ID] = cp
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	m.Attachments = append([]model.Attachment(nil), m.Attachments...)
	return &m, nil
}

// MessageCount returns the number of stored messages in a conversation.
func (s *Store) MessageCount(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			n++
		}
	}
	return n
}

func (s *Store) AddReceipt(ctx context.Context, r model.Receipt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := receiptKey{messageID: r.MessageID, userID: r.UserID, kind: r.Kind}
	if _, ok := s.receipts[k]; ok {
		return false, nil
	}
	s.receipts[k] = r
	return true, nil
}

func (s *Store) CountReceipts(ctx context.Context, messageID string, kind model.ReceiptKind) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.receipts {
		if k.messageID == messageID && k.kind == kind {
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateConversation(ctx context.Context, c *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[c.ID]; ok {
		return fmt.Errorf("memory.CreateConversation: duplicate id %s", c.ID)
	}
	s.convs[c.ID] = c.Clone()
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) UpsertParticipant(ctx context.Context, p model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[p.ConversationID]
	if !ok {
		return storage.ErrNotFound
	}
	if i := c.FindParticipant(p.UserID); i >= 0 {
		c.Participants[i] = p
		return nil
	}
	c.Participants = append(c.Participants, p)
	return nil
}

func (s *Store) UpdateLastMessage(ctx context.Context, conversationID string, summary model.MessageSummary, count int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return storage.ErrNotFound
	}
	c.LastMessage = &summary
	c.MessageCount = count
	return nil
}

func (s *Store) SetPinned(ctx context.Context, p model.PinnedMessage, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[p.ConversationID]
	if !ok {
		return storage.ErrNotFound
	}
	kept := c.Pinned[:0]
	for _, existing := range c.Pinned {
		if existing.MessageID != p.MessageID {
			kept = append(kept, existing)
		}
	}
	c.Pinned = kept
	if pinned {
		c.Pinned = append(c.Pinned, p)
	}
	return nil
}

func (s *Store) SetArchived(ctx context.Context, conversationID string, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return storage.ErrNotFound
	}
	c.Archived = archived
	return nil
}

func (s *Store) ConversationsFor(ctx context.Context, userID model.Identity) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, 8)
	for id, c := range s.convs {
		if c.IsActiveParticipant(userID) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Presence keeps last-seen timestamps in memory (for -dev without Redis).
type Presence struct {
	mu     sync.RWMutex
	online map[model.Identity]bool
	seen   map[model.Identity]time.Time
}

func NewPresence() *Presence {
	return &Presence{
		online: make(map[model.Identity]bool),
		seen:   make(map[model.Identity]time.Time),
	}
}

func (p *Presence) Close() error { return nil }

func (p *Presence) SetOnline(ctx context.Context, userID model.Identity, online bool, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID] = online
	p.seen[userID] = at
	return nil
}

func (p *Presence) LastSeen(ctx context.Context, userID model.Identity) (time.Time, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.seen[userID]
	if !ok {
		return time.Time{}, false, nil
	}
	return t, p.online[userID], nil
}
