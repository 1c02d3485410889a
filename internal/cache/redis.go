package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/fjod/go_checkout/internal/cart"
	"github.com/redis/go-redis/v9"
)

// Each cart lives in a hash: "rev" holds the revision, "data" the JSON cart.
const (
	fieldRevision = "rev"
	fieldData     = "data"
)

// setIfNotOlder writes the cart unless the stored revision is newer.
// KEYS[1] cart key; ARGV[1] revision, ARGV[2] data, ARGV[3] ttl in ms.
var setIfNotOlder = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'rev')
if current and tonumber(current) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'rev', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client:  client,
		baseTTL: 15 * time.Minute,
	}
}

type RedisCache struct {
	client  *redis.Client
	baseTTL time.Duration
}

func (r RedisCache) Get(ctx context.Context, cartID string) (*cart.Cart, error) {
	data, err := r.client.HGet(ctx, cacheKey(cartID), fieldData).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var c cart.Cart
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cart failed: %w", err)
	}

	return &c, nil
}

// Set stores the cart with a jittered TTL so entries written together do not
// expire together. A cached cart with a newer revision is kept.
func (r RedisCache) Set(ctx context.Context, cartID string, c *cart.Cart) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cart failed: %w", err)
	}

	jitter := time.Duration(rand.Intn(5)) * time.Minute
	ttl := r.baseTTL + jitter
	keys := []string{cacheKey(cartID)}
	if err := setIfNotOlder.Run(ctx, r.client, keys, c.Revision, data, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r RedisCache) Delete(ctx context.Context, cartID string) error {
	if err := r.client.Del(ctx, cacheKey(cartID)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func cacheKey(cartID string) string {
	return fmt.Sprintf("cart:%s", cartID)
}
