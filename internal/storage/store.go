//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rehabcare/messaging/internal/model"
)

// ErrNotFound is returned by every backend when a record does not exist.
var ErrNotFound = errors.New("not found")

// MessageStore persists messages and their receipts.
// Implementations: repository.MessageRepository (Postgres), badger.Store, memory.Store.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// AddReceipt stores r unless an entry for (message, user, kind) exists.
	// created reports whether a new entry was written.
	AddReceipt(ctx context.Context, r model.Receipt) (created bool, err error)
	CountReceipts(ctx context.Context, messageID string, kind model.ReceiptKind) (int, error)
}

// ConversationStore persists conversation, participant and pinned-message state.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *model.Conversation) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	UpsertParticipant(ctx context.Context, p model.Participant) error
	UpdateLastMessage(ctx context.Context, conversationID string, summary model.MessageSummary, count int64) error
	SetPinned(ctx context.Context, p model.PinnedMessage, pinned bool) error
	SetArchived(ctx context.Context, conversationID string, archived bool) error
	// ConversationsFor lists ids of conversations where userID is an active participant.
	ConversationsFor(ctx context.Context, userID model.Identity) ([]string, error)
}

// PresenceStore mirrors online status for readers outside the live layer.
// Implementations: redis.Client, memory.Presence.
type PresenceStore interface {
	SetOnline(ctx context.Context, userID model.Identity, online bool, at time.Time) error
	// LastSeen returns the time of the last transition and the mirrored status.
	// An unknown user yields a zero time.
	LastSeen(ctx context.Context, userID model.Identity) (time.Time, bool, error)
	Close() error
}

// Store bundles both persistent collaborators of the dispatcher.
type Store interface {
	MessageStore
	ConversationStore
	Close() error
}
