package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether a download request for a message may proceed.
type Limiter interface {
	AllowMessage(ctx context.Context, messageID int64) (bool, error)
}

func bucketKey(messageID int64) string {
	return "ratelimit:download:" + strconv.FormatInt(messageID, 10)
}

// TokenBucket keeps one bucket per message id in a Redis hash, so repeated
// download taps on one message cannot flood the job store.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	perMilli float64
	ttl      time.Duration
}

// NewTokenBucket builds a limiter holding capacity tokens per message that
// refills at refillPerSecond. Idle buckets expire after ttl.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		perMilli: refillPerSecond / 1000,
		ttl:      ttl,
	}
}

// AllowMessage takes one token from the message's bucket.
func (b *TokenBucket) AllowMessage(ctx context.Context, messageID int64) (bool, error) {
	granted, _, err := b.take(ctx, messageID)
	return granted, err
}

// take returns whether a token was granted and how many remain.
func (b *TokenBucket) take(ctx context.Context, messageID int64) (bool, float64, error) {
	reply, err := takeScript.Run(ctx, b.client, []string{bucketKey(messageID)},
		b.capacity, b.perMilli, time.Now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("take token for message %d: %w", messageID, err)
	}
	if len(reply) != 2 {
		return false, 0, fmt.Errorf("take token for message %d: reply has %d values", messageID, len(reply))
	}
	granted, _ := reply[0].(int64)
	level, err := strconv.ParseFloat(fmt.Sprint(reply[1]), 64)
	if err != nil {
		return false, 0, fmt.Errorf("parse bucket level: %w", err)
	}
	return granted == 1, level, nil
}

// The level is returned as a string because Redis truncates Lua numbers
// to integers.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local per_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local level = tonumber(redis.call('HGET', KEYS[1], 'level') or capacity)
local seen = tonumber(redis.call('HGET', KEYS[1], 'seen') or now)
if now > seen then
  level = math.min(capacity, level + (now - seen) * per_ms)
end

local granted = 0
if level >= 1 then
  granted = 1
  level = level - 1
end

redis.call('HSET', KEYS[1], 'level', tostring(level), 'seen', now)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {granted, tostring(level)}
`)

// Unlimited allows every request; used when no Redis is configured.
type Unlimited struct{}

func (Unlimited) AllowMessage(context.Context, int64) (bool, error) { return true, nil }

var (
	_ Limiter = (*TokenBucket)(nil)
	_ Limiter = Unlimited{}
)
