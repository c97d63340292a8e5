package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	viewTokenPrefix = "viewtoken:"

	tokenPending  = "pending"
	tokenConsumed = "consumed"
)

// consumeScript flips a pending view token to consumed. Returns 1 only
// for the first caller to consume a pending token; later callers and
// callers holding an unknown or expired token get 0.
var consumeScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1])
if state == 'pending' then
	redis.call('SET', KEYS[1], 'consumed', 'EX', ARGV[1])
	return 1
end
return 0
`)

// RedisTokenStore implements TokenStore using Redis, sharing view
// token state across server instances. Tokens expire on their own via
// key TTLs.
type RedisTokenStore struct {
	client *redis.Client
}

func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client}
}

func (s *RedisTokenStore) MarkViewed(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	first, err := s.client.SetNX(ctx, viewTokenPrefix+nonce, tokenPending, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark token viewed: %w", err)
	}
	return first, nil
}

func (s *RedisTokenStore) ConsumeView(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	res, err := consumeScript.Run(ctx, s.client,
		[]string{viewTokenPrefix + nonce},
		int64(ttl.Seconds()),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to consume view token: %w", err)
	}
	return res == 1, nil
}
