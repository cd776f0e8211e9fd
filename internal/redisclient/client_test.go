package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests run against a real Redis when TEST_REDIS_ADDR is set.
func newTestClient(t *testing.T) *Client {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Integration test - set TEST_REDIS_ADDR")
	}

	c, err := NewClient(addr, "", 0, time.Minute, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestWebhookKey(t *testing.T) {
	assert.Equal(t, "idempotency:webhook:evt_123", webhookKey("evt_123"))
}

func TestSeenWebhook(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	eventID := "evt_" + uuid.NewString()

	seen, err := c.SeenWebhook(ctx, eventID)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, c.MarkWebhookSeen(ctx, eventID))

	seen, err = c.SeenWebhook(ctx, eventID)
	require.NoError(t, err)
	assert.True(t, seen)

	ttl, err := c.GetClient().TTL(ctx, webhookKey(eventID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestTryLockIsExclusive(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "lock:test:" + uuid.NewString()

	release, ok, err := c.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.TryLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	release()

	release, ok, err = c.TryLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	release()
}

func TestNewClientFailsWithoutServer(t *testing.T) {
	if testing.Short() {
		t.Skip("dials the network")
	}
	_, err := NewClient("127.0.0.1:1", "", 0, time.Minute, time.Second)
	assert.Error(t, err)
}
