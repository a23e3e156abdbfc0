package statutory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheVersionKey = "statutory:tables:version"

// TableCache keeps decoded bracket tables in Redis behind a version key.
type TableCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTableCache instantiates the cache helper.
func NewTableCache(client *redis.Client, ttl time.Duration) *TableCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TableCache{client: client, ttl: ttl}
}

func (c *TableCache) version(ctx context.Context, typ ContributionType) (int64, error) {
	key := cacheVersionKey + ":" + string(typ)
	ver, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, key, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, key).Int64()
	}
	return ver, err
}

func (c *TableCache) key(ctx context.Context, typ ContributionType) (string, error) {
	ver, err := c.version(ctx, typ)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("statutory:tables:%s:%d", typ, ver), nil
}

// Fetch returns cached tables or populates the cache using loader.
func (c *TableCache) Fetch(ctx context.Context, typ ContributionType, loader func(context.Context) ([]Table, error)) ([]Table, error) {
	if loader == nil {
		return nil, errors.New("statutory: loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key, err := c.key(ctx, typ)
	if err != nil {
		return nil, err
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var tables []Table
		if err := json.Unmarshal(payload, &tables); err != nil {
			return nil, err
		}
		return tables, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, err
	}
	tables, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(tables)
	if err != nil {
		return nil, err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return nil, err
	}
	return tables, nil
}

// Invalidate bumps the version for typ so the next Fetch reloads.
func (c *TableCache) Invalidate(ctx context.Context, typ ContributionType) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey+":"+string(typ)).Err()
}
