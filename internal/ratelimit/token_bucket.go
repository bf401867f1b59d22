package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a Redis-backed token bucket shared by every API instance.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket builds a bucket whose keys live under prefix.
func NewTokenBucket(client *redis.Client, prefix string, capacity int, refillPerSecond float64) *TokenBucket {
	// Keep idle buckets around long enough to refill completely.
	ttl := time.Minute
	if refillPerSecond > 0 {
		if full := time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) * 2; full > ttl {
			ttl = full
		}
	}
	return &TokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Decision is the result of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining float64
}

// Allow takes one token from the bucket of key if one is available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + ":" + key},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected script reply %v", key, res)
	}
	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	remaining, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: bad token count %q", key, raw)
	}
	return Decision{Allowed: allowed == 1, Remaining: remaining}, nil
}

// AllowUser applies the bucket to one user.
func (b *TokenBucket) AllowUser(ctx context.Context, userID int64) (Decision, error) {
	return b.Allow(ctx, "user:"+strconv.FormatInt(userID, 10))
}

// Tokens are returned as a string; Redis would truncate a Lua float to an integer.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
