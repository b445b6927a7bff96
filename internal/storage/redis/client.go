package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rehabcare/messaging/internal/model"
)

// Presence hash presence:{user_id} = {online, last_seen}; TTL обновляется при каждом переходе.
const PresenceTTL = 30 * 24 * time.Hour

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

// NewFromClient wraps an already configured client.
func NewFromClient(cli *redis.Client) *Client {
	return &Client{cli: cli}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func presenceKey(userID model.Identity) string {
	return "presence:" + string(userID)
}

// SetOnline записывает статус и время последнего перехода.
func (c *Client) SetOnline(ctx context.Context, userID model.Identity, online bool, at time.Time) error {
	key := presenceKey(userID)
	pipe := c.cli.TxPipeline()
	pipe.HSet(ctx, key, "online", strconv.FormatBool(online), "last_seen", at.UTC().UnixMilli())
	pipe.Expire(ctx, key, PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.SetOnline: %w", err)
	}
	return nil
}

// LastSeen возвращает время последнего перехода и текущий статус. Без ключа: (zero, false, nil).
func (c *Client) LastSeen(ctx context.Context, userID model.Identity) (time.Time, bool, error) {
	vals, err := c.cli.HGetAll(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(vals) == 0) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis.LastSeen: %w", err)
	}
	ms, err := strconv.ParseInt(vals["last_seen"], 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis.LastSeen: bad last_seen: %w", err)
	}
	online, _ := strconv.ParseBool(vals["online"])
	return time.UnixMilli(ms).UTC(), online, nil
}

// ResetOnline помечает всех пользователей offline (при старте процесса соединений ещё нет).
func (c *Client) ResetOnline(ctx context.Context) error {
	iter := c.cli.Scan(ctx, 0, "presence:*", 256).Iterator()
	for iter.Next(ctx) {
		if err := c.cli.HSet(ctx, iter.Val(), "online", "false").Err(); err != nil {
			return fmt.Errorf("redis.ResetOnline: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis.ResetOnline scan: %w", err)
	}
	return nil
}
