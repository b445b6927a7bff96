// Package badger stores conversations, messages and receipts in an embedded
// BadgerDB. Conversations are kept as whole documents; membership is indexed
// separately so reconnecting clients can find their rooms without a scan.
//
// Key layout:
//
//	msg:{message_id}                        -> JSON model.Message
//	rcpt:{kind}:{message_id}:{user_id}      -> JSON model.Receipt
//	conv:{conversation_id}                  -> JSON model.Conversation
//	member:{user_id}:{conversation_id}      -> empty (active memberships only)
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"

	"github.com/rehabcare/messaging/internal/logger"
	"github.com/rehabcare/messaging/internal/model"
	"github.com/rehabcare/messaging/internal/storage"
)

type Store struct {
	db *badger.DB
}

// Open opens (or creates) a database under dir. An empty dir opens an in-memory instance.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func messageKey(id string) []byte { return []byte("msg:" + id) }

func receiptPrefix(kind model.ReceiptKind, messageID string) []byte {
	return []byte(fmt.Sprintf("rcpt:%s:%s:", kind, messageID))
}

func receiptKey(r model.Receipt) []byte {
	return append(receiptPrefix(r.Kind, r.MessageID), []byte(r.UserID)...)
}

func convKey(id string) []byte { return []byte("conv:" + id) }

func memberPrefix(userID model.Identity) []byte { return []byte("member:" + string(userID) + ":") }

func memberKey(userID model.Identity, convID string) []byte {
	return append(memberPrefix(userID), []byte(convID)...)
}

func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func (s *Store) CreateMessage(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("badger.CreateMessage", time.Now())()
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(messageKey(m.ID)); err == nil {
			return fmt.Errorf("duplicate message id %s", m.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, messageKey(m.ID), m)
	})
	if err != nil {
		return fmt.Errorf("badger.CreateMessage: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var m model.Message
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, messageKey(id), &m)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger.GetMessage: %w", err)
	}
	return &m, nil
}

func (s *Store) AddReceipt(ctx context.Context, r model.Receipt) (bool, error) {
	created := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(receiptKey(r))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return setJSON(txn, receiptKey(r), r)
	})
	if err != nil {
		return false, fmt.Errorf("badger.AddReceipt: %w", err)
	}
	return created, nil
}

func (s *Store) CountReceipts(ctx context.Context, messageID string, kind model.ReceiptKind) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := receiptPrefix(kind, messageID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger.CountReceipts: %w", err)
	}
	return n, nil
}

func (s *Store) CreateConversation(ctx context.Context, c *model.Conversation) error {
	defer logger.DeferLogDuration("badger.CreateConversation", time.Now())()
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(convKey(c.ID)); err == nil {
			return fmt.Errorf("duplicate conversation id %s", c.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := setJSON(txn, convKey(c.ID), c); err != nil {
			return err
		}
		for _, id := range c.ActiveIDs() {
			if err := txn.Set(memberKey(id, c.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger.CreateConversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var c model.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, convKey(id), &c)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger.GetConversation: %w", err)
	}
	return &c, nil
}

// updateConversation runs fn on the stored document inside one transaction.
func (s *Store) updateConversation(op, id string, fn func(txn *badger.Txn, c *model.Conversation) error) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var c model.Conversation
		if err := getJSON(txn, convKey(id), &c); err != nil {
			return err
		}
		if err := fn(txn, &c); err != nil {
			return err
		}
		return setJSON(txn, convKey(id), &c)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("badger.%s: %w", op, err)
	}
	return nil
}

func (s *Store) UpsertParticipant(ctx context.Context, p model.Participant) error {
	return s.updateConversation("UpsertParticipant", p.ConversationID, func(txn *badger.Txn, c *model.Conversation) error {
		if i := c.FindParticipant(p.UserID); i >= 0 {
			c.Participants[i] = p
		} else {
			c.Participants = append(c.Participants, p)
		}
		if p.IsActive {
			return txn.Set(memberKey(p.UserID, c.ID), nil)
		}
		return txn.Delete(memberKey(p.UserID, c.ID))
	})
}

func (s *Store) UpdateLastMessage(ctx context.Context, conversationID string, summary model.MessageSummary, count int64) error {
	return s.updateConversation("UpdateLastMessage", conversationID, func(_ *badger.Txn, c *model.Conversation) error {
		c.LastMessage = &summary
		c.MessageCount = count
		return nil
	})
}

func (s *Store) SetPinned(ctx context.Context, p model.PinnedMessage, pinned bool) error {
	return s.updateConversation("SetPinned", p.ConversationID, func(_ *badger.Txn, c *model.Conversation) error {
		c.Pinned = lo.Reject(c.Pinned, func(x model.PinnedMessage, _ int) bool {
			return x.MessageID == p.MessageID
		})
		if pinned {
			c.Pinned = append(c.Pinned, p)
		}
		return nil
	})
}

func (s *Store) SetArchived(ctx context.Context, conversationID string, archived bool) error {
	return s.updateConversation("SetArchived", conversationID, func(_ *badger.Txn, c *model.Conversation) error {
		c.Archived = archived
		return nil
	})
}

func (s *Store) ConversationsFor(ctx context.Context, userID model.Identity) ([]string, error) {
	ids := make([]string, 0, 8)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := memberPrefix(userID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger.ConversationsFor: %w", err)
	}
	return ids, nil
}
