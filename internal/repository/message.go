package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rehabcare/messaging/internal/logger"
	"github.com/rehabcare/messaging/internal/model"
	"github.com/rehabcare/messaging/internal/storage"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func (r *MessageRepository) CreateMessage(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	attachments := m.Attachments
	if attachments == nil {
		attachments = []model.Attachment{}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, attachments, reply_to_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, attachments, m.ReplyTo, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, conversation_id, sender_id, content, attachments, reply_to_id, created_at
		 FROM messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Attachments, &m.ReplyTo, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	return m, nil
}

// AddReceipt relies on the (message_id, user_id, kind) primary key; a conflicting insert affects no rows.
func (r *MessageRepository) AddReceipt(ctx context.Context, rc model.Receipt) (bool, error) {
	defer logger.DeferLogDuration("msg.AddReceipt", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO message_receipts (message_id, user_id, kind, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (message_id, user_id, kind) DO NOTHING`,
		rc.MessageID, rc.UserID, rc.Kind, rc.At,
	)
	if err != nil {
		return false, fmt.Errorf("msgRepo.AddReceipt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *MessageRepository) CountReceipts(ctx context.Context, messageID string, kind model.ReceiptKind) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM message_receipts WHERE message_id = $1 AND kind = $2`,
		messageID, kind,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.CountReceipts: %w", err)
	}
	return n, nil
}

// Store combines both repositories behind storage.Store.
type Store struct {
	*MessageRepository
	*ConversationRepository
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		MessageRepository:      NewMessageRepository(pool),
		ConversationRepository: NewConversationRepository(pool),
		pool:                   pool,
	}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
