package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"consentd/internal/consent"
	platformredis "consentd/internal/platform/redis"
)

const policyCacheKeyPrefix = "consentd:policy:"

// PolicyCache decorates a Registry with Redis-backed policy lookups. Policies
// are immutable once referenced, which makes them safe to cache; a short TTL
// covers the deactivate-and-replace flow.
type PolicyCache struct {
	consent.Registry
	client *platformredis.Client
	ttl    time.Duration
}

func NewPolicyCache(inner consent.Registry, client *platformredis.Client, ttl time.Duration) *PolicyCache {
	return &PolicyCache{Registry: inner, client: client, ttl: ttl}
}

func (c *PolicyCache) GetPolicy(ctx context.Context, id string) (*consent.Policy, error) {
	key := policyCacheKeyPrefix + "id:" + id
	if policy := c.lookup(ctx, key); policy != nil {
		return policy, nil
	}
	policy, err := c.Registry.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	c.save(ctx, key, policy)
	return policy, nil
}

func (c *PolicyCache) GetLatestPolicy(ctx context.Context, t consent.Type) (*consent.Policy, error) {
	key := policyCacheKeyPrefix + "latest:" + string(t)
	if policy := c.lookup(ctx, key); policy != nil {
		return policy, nil
	}
	policy, err := c.Registry.GetLatestPolicy(ctx, t)
	if err != nil {
		return nil, err
	}
	c.save(ctx, key, policy)
	return policy, nil
}

// CreatePolicy writes through and drops the latest-policy key so the next
// lookup sees the new version.
func (c *PolicyCache) CreatePolicy(ctx context.Context, policy *consent.Policy) error {
	if err := c.Registry.CreatePolicy(ctx, policy); err != nil {
		return err
	}
	c.client.Del(ctx, policyCacheKeyPrefix+"latest:"+string(policy.Type))
	return nil
}

// lookup returns nil on miss or any Redis failure; the caller falls through
// to the inner registry.
func (c *PolicyCache) lookup(ctx context.Context, key string) *consent.Policy {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil
	}
	var policy consent.Policy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return nil
	}
	return &policy
}

func (c *PolicyCache) save(ctx context.Context, key string, policy *consent.Policy) {
	raw, err := json.Marshal(policy)
	if err != nil {
		return
	}
	c.client.Set(ctx, key, raw, c.ttl)
}

// Invalidate drops cached entries for a policy. Exposed for operational
// tooling; normal flows rely on the TTL.
func (c *PolicyCache) Invalidate(ctx context.Context, policy *consent.Policy) error {
	pipe := c.client.Pipeline()
	pipe.Del(ctx, policyCacheKeyPrefix+"id:"+policy.ID)
	pipe.Del(ctx, policyCacheKeyPrefix+"latest:"+string(policy.Type))
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return fmt.Errorf("invalidate policy cache: %w", err)
	}
	return nil
}
