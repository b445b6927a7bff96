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

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func (r *ConversationRepository) CreateConversation(ctx context.Context, c *model.Conversation) error {
	defer logger.DeferLogDuration("conversation.Create", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversationRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO conversations (id, conv_type, name, created_by, created_at, archived, message_count)
		 VALUES ($1, $2, $3, $4, $5, $6, 0)`,
		c.ID, c.Type, c.Name, c.CreatedBy, c.CreatedAt, c.Archived,
	)
	if err != nil {
		return fmt.Errorf("conversationRepo.Create: %w", err)
	}
	for _, p := range c.Participants {
		if err := upsertParticipant(ctx, tx, p); err != nil {
			return fmt.Errorf("conversationRepo.Create participant: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversationRepo.Create commit: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.Get", time.Now())()
	c := &model.Conversation{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, conv_type, COALESCE(name, ''), created_by, created_at, archived, last_message, message_count
		 FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.Type, &c.Name, &c.CreatedBy, &c.CreatedAt, &c.Archived, &c.LastMessage, &c.MessageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.Get: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT conversation_id, user_id, role, is_active, joined_at, last_read_at
		 FROM conversation_participants
		 WHERE conversation_id = $1
		 ORDER BY seq`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.Get participants query: %w", err)
	}
	participants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Participant, error) {
		var p model.Participant
		err := row.Scan(&p.ConversationID, &p.UserID, &p.Role, &p.IsActive, &p.JoinedAt, &p.LastReadAt)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.Get participants: %w", err)
	}
	c.Participants = participants

	rows, err = r.pool.Query(ctx,
		`SELECT conversation_id, message_id, pinned_by, pinned_at
		 FROM pinned_messages
		 WHERE conversation_id = $1
		 ORDER BY pinned_at`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.Get pinned query: %w", err)
	}
	pinned, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.PinnedMessage, error) {
		var p model.PinnedMessage
		err := row.Scan(&p.ConversationID, &p.MessageID, &p.PinnedBy, &p.PinnedAt)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.Get pinned: %w", err)
	}
	c.Pinned = pinned
	return c, nil
}

func upsertParticipant(ctx context.Context, tx pgx.Tx, p model.Participant) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO conversation_participants (conversation_id, user_id, role, is_active, joined_at, last_read_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (conversation_id, user_id) DO UPDATE
		 SET role = EXCLUDED.role, is_active = EXCLUDED.is_active,
		     joined_at = EXCLUDED.joined_at, last_read_at = EXCLUDED.last_read_at`,
		p.ConversationID, p.UserID, p.Role, p.IsActive, p.JoinedAt, p.LastReadAt,
	)
	return err
}

func (r *ConversationRepository) UpsertParticipant(ctx context.Context, p model.Participant) error {
	defer logger.DeferLogDuration("conversation.UpsertParticipant", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO conversation_participants (conversation_id, user_id, role, is_active, joined_at, last_read_at)
		 SELECT $1, $2, $3, $4, $5, $6 WHERE EXISTS (SELECT 1 FROM conversations WHERE id = $1)
		 ON CONFLICT (conversation_id, user_id) DO UPDATE
		 SET role = EXCLUDED.role, is_active = EXCLUDED.is_active,
		     joined_at = EXCLUDED.joined_at, last_read_at = EXCLUDED.last_read_at`,
		p.ConversationID, p.UserID, p.Role, p.IsActive, p.JoinedAt, p.LastReadAt,
	)
	if err != nil {
		return fmt.Errorf("conversationRepo.UpsertParticipant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *ConversationRepository) UpdateLastMessage(ctx context.Context, conversationID string, summary model.MessageSummary, count int64) error {
	defer logger.DeferLogDuration("conversation.UpdateLastMessage", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations SET last_message = $1, message_count = $2 WHERE id = $3`,
		summary, count, conversationID,
	)
	if err != nil {
		return fmt.Errorf("conversationRepo.UpdateLastMessage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *ConversationRepository) SetPinned(ctx context.Context, p model.PinnedMessage, pinned bool) error {
	defer logger.DeferLogDuration("conversation.SetPinned", time.Now())()
	var err error
	if pinned {
		_, err = r.pool.Exec(ctx,
			`INSERT INTO pinned_messages (conversation_id, message_id, pinned_by, pinned_at)
			 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			p.ConversationID, p.MessageID, p.PinnedBy, p.PinnedAt,
		)
	} else {
		_, err = r.pool.Exec(ctx,
			`DELETE FROM pinned_messages WHERE conversation_id = $1 AND message_id = $2`,
			p.ConversationID, p.MessageID,
		)
	}
	if err != nil {
		return fmt.Errorf("conversationRepo.SetPinned: %w", err)
	}
	return nil
}

func (r *ConversationRepository) SetArchived(ctx context.Context, conversationID string, archived bool) error {
	defer logger.DeferLogDuration("conversation.SetArchived", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations SET archived = $1 WHERE id = $2`, archived, conversationID,
	)
	if err != nil {
		return fmt.Errorf("conversationRepo.SetArchived: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *ConversationRepository) ConversationsFor(ctx context.Context, userID model.Identity) ([]string, error) {
	defer logger.DeferLogDuration("conversation.ConversationsFor", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT conversation_id FROM conversation_participants
		 WHERE user_id = $1 AND is_active = true`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.ConversationsFor query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.ConversationsFor: %w", err)
	}
	return ids, nil
}
