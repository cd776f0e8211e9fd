package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"greencart/internal/util"

	"github.com/bsm/redislock"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Client fronts Redis for the two jobs it has here: remembering webhook event
// ids for a while and handing out single-runner locks. Neither is a source of
// truth; Postgres is.
type Client struct {
	rdb        *redis.Client
	locker     *redislock.Client
	webhookTTL time.Duration
	lockTTL    time.Duration
	logger     *zap.Logger
}

// NewClient creates a new Redis client and checks the connection
func NewClient(addr, password string, db int, webhookTTL, lockTTL time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:        rdb,
		locker:     redislock.New(rdb),
		webhookTTL: webhookTTL,
		lockTTL:    lockTTL,
		logger:     util.Component("redis"),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping reports whether Redis answers
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func webhookKey(eventID string) string {
	return fmt.Sprintf("idempotency:webhook:%s", eventID)
}

// SeenWebhook checks if an event id was marked recently
func (c *Client) SeenWebhook(ctx context.Context, eventID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, webhookKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check webhook key: %w", err)
	}
	return n > 0, nil
}

// MarkWebhookSeen remembers an event id for the configured TTL
func (c *Client) MarkWebhookSeen(ctx context.Context, eventID string) error {
	if err := c.rdb.Set(ctx, webhookKey(eventID), 1, c.webhookTTL).Err(); err != nil {
		return fmt.Errorf("failed to set webhook key: %w", err)
	}
	return nil
}

// TryLock obtains key without waiting. ok is false if another process holds
// it. The lock expires after the configured TTL even if release is never
// called.
func (c *Client) TryLock(ctx context.Context, key string) (func(), bool, error) {
	lock, err := c.locker.Obtain(ctx, key, c.lockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to obtain lock %s: %w", key, err)
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			c.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}
	return release, true, nil
}
