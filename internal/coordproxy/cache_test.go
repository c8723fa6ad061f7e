package coordproxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *SharedStateCache {
	t.Helper()
	c := NewSharedStateCache("localhost:6379", time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available, skipping: %v", err)
	}
	t.Cleanup(func() {
		c.client.FlushDB(context.Background())
		c.Close()
	})
	return c
}

func TestSharedStateCachePublishAndLookup(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	addr, err := c.Lookup(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "", addr)

	require.NoError(t, c.PublishRunning(ctx, "acme", "10.0.0.5:8080"))
	addr, err = c.Lookup(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:8080", addr)

	require.NoError(t, c.PublishIdle(ctx, "acme"))
	addr, err = c.Lookup(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "", addr)
}
