package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements a distributed token bucket on Redis. Bucket state is
// a hash {tokens, last_refill} per key, and the refill-check-consume cycle
// runs as a single Lua script so concurrent gateway instances stay atomic.
type RedisStore struct {
	client *redis.Client
	script *redis.Script
}

const bucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1]) or capacity
local last_refill = tonumber(bucket[2]) or now

local elapsed = now - last_refill
if elapsed < 0 then elapsed = 0 end
tokens = math.min(capacity, tokens + elapsed * refill_rate)

local allowed = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
end
redis.call('HSET', key, 'tokens', tokens, 'last_refill', now)
redis.call('EXPIRE', key, 3600)
return {allowed, tostring(tokens)}
`

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &RedisStore{
		client: client,
		script: redis.NewScript(bucketScript),
	}, nil
}

func redisKey(key string) string {
	return "ratelimit:" + key
}

func (s *RedisStore) run(ctx context.Context, key string, capacity, refillRate, cost float64) (bool, float64, error) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	res, err := s.script.Run(ctx, s.client, []string{redisKey(key)}, capacity, refillRate, now, cost).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit script: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	var remaining float64
	if str, ok := res[1].(string); ok {
		_, _ = fmt.Sscanf(str, "%g", &remaining)
	}
	return allowed == 1, remaining, nil
}

// Allow consumes one token for the key if available.
func (s *RedisStore) Allow(ctx context.Context, key string, capacity, refillRate float64) (bool, float64, error) {
	return s.run(ctx, key, capacity, refillRate, 1)
}

// Remaining returns the tokens left for the key without consuming any.
func (s *RedisStore) Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error) {
	_, remaining, err := s.run(ctx, key, capacity, refillRate, 0)
	return remaining, err
}

// Reset deletes the key's bucket, restoring it to full capacity.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKey(key)).Err()
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
