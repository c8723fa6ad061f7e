package coordproxy

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// SharedStateCache publishes gateway state transitions to Redis so a
// coordinator replica that restarts (or a peer serving the same route
// table behind a load balancer) can see a tenant is already Running
// without forcing a fresh wake. Grounded on the teacher's own
// internal/cache/redis.go (client construction, key-prefix
// namespacing, Get/Set/Ping/Close shape), generalized from a byte-blob
// KV cache to a small typed gateway-state publish/lookup.
type SharedStateCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewSharedStateCache(addr string, ttl time.Duration) *SharedStateCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SharedStateCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: "mvm:gateway:",
		ttl:    ttl,
	}
}

func (c *SharedStateCache) key(tenantID string) string {
	return c.prefix + tenantID
}

// PublishRunning records that tenantID's gateway is reachable at addr,
// letting peer coordinators skip their own wake on the next connection.
func (c *SharedStateCache) PublishRunning(ctx context.Context, tenantID, addr string) error {
	return c.client.Set(ctx, c.key(tenantID), addr, c.ttl).Err()
}

func (c *SharedStateCache) PublishIdle(ctx context.Context, tenantID string) error {
	return c.client.Del(ctx, c.key(tenantID)).Err()
}

// Lookup returns the last-published address for tenantID, or "" if
// nothing is cached (never seen, idle, or expired).
func (c *SharedStateCache) Lookup(ctx context.Context, tenantID string) (string, error) {
	val, err := c.client.Get(ctx, c.key(tenantID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (c *SharedStateCache) Close() error {
	return c.client.Close()
}
