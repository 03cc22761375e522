package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	balanceKeyPrefix = "ledger:balance"
	// sharedLoadTimeout bounds a load shared by several callers, which no
	// single caller's cancellation may abort.
	sharedLoadTimeout = 30 * time.Second
)

// RedisBalanceCache keeps balances in Redis under a per-scope version that
// writes bump, so stale entries are never read and expire on their own.
type RedisBalanceCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewRedisBalanceCache instantiates the cache helper.
func NewRedisBalanceCache(client *redis.Client, ttl time.Duration) *RedisBalanceCache {
	return &RedisBalanceCache{client: client, ttl: ttl}
}

func versionKey(scopeKey string) string {
	return strings.Join([]string{balanceKeyPrefix, "version", scopeKey}, ":")
}

// Version returns the current version of a scope; a missing key is version 0.
func (c *RedisBalanceCache) Version(ctx context.Context, scopeKey string) (int64, error) {
	ver, err := c.client.Get(ctx, versionKey(scopeKey)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return ver, err
}

// Key composes the cache key of q at the scope's current version.
func (c *RedisBalanceCache) Key(ctx context.Context, q BalanceQuery) (string, error) {
	ver, err := c.Version(ctx, q.ScopeKey)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{balanceKeyPrefix, q.ScopeKey, fmt.Sprintf("v%d", ver), dateToken(q.From), dateToken(q.AsOf)}, ":"), nil
}

// Fetch returns the cached balance or fills it with load. Concurrent misses on
// the same key share one load, which runs detached from any caller's
// cancellation; each caller still returns as soon as its own ctx is done.
func (c *RedisBalanceCache) Fetch(ctx context.Context, q BalanceQuery, load func(context.Context) (Balance, error)) (Balance, error) {
	if c == nil || c.client == nil {
		return load(ctx)
	}
	key, err := c.Key(ctx, q)
	if err != nil {
		return load(ctx)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var bal Balance
		if err := json.Unmarshal(payload, &bal); err == nil {
			return bal, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return load(ctx)
	}

	resultChan := c.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLoadTimeout)
		defer cancel()
		bal, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		if raw, err := json.Marshal(bal); err == nil {
			_ = c.client.Set(loadCtx, key, raw, c.ttl).Err()
		}
		return bal, nil
	})
	select {
	case <-ctx.Done():
		return Balance{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return Balance{}, res.Err
		}
		return res.Val.(Balance), nil
	}
}

// Invalidate bumps the scope version.
func (c *RedisBalanceCache) Invalidate(ctx context.Context, scopeKey string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, versionKey(scopeKey)).Err()
}

func dateToken(t *time.Time) string {
	if t == nil {
		return "all"
	}
	return t.Format("20060102")
}
