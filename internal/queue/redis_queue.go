package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"message-job-runner/internal/config"
	"message-job-runner/internal/models"
)

// RedisQueue keeps durable wake-up registrations and the dead-letter list in Redis.
type RedisQueue struct {
	client  *redis.Client
	wakeKey string
	dlqKey  string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return New(client, cfg.DLQName)
}

// New wraps an existing client.
func New(client *redis.Client, dlqName string) *RedisQueue {
	if dlqName == "" {
		dlqName = "jobs:dlq"
	}
	return &RedisQueue{
		client:  client,
		wakeKey: "jobs:wake",
		dlqKey:  dlqName,
	}
}

// Client exposes the underlying connection for components sharing it.
func (q *RedisQueue) Client() *redis.Client { return q.client }

// Close releases the connection pool.
func (q *RedisQueue) Close() error { return q.client.Close() }

// ScheduleWake registers a wake-up due at runAt.
func (q *RedisQueue) ScheduleWake(ctx context.Context, member string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.wakeKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: member}).Err()
}

// PopDue atomically removes and returns up to limit wake-ups due at now.
func (q *RedisQueue) PopDue(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := popDueScript.Run(ctx, q.client, []string{q.wakeKey}, now.UnixMilli(), limit).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	arr, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from pop script: %T", res)
	}
	ids := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// WakeDepth returns the number of outstanding wake-ups.
func (q *RedisQueue) WakeDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.wakeKey).Result()
}

// DLQPush appends to the dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, dl models.DeadLetter) error {
	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return q.client.RPush(ctx, q.dlqKey, raw).Err()
}

// DLQPeek reads the oldest count dead letters.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]models.DeadLetter, error) {
	raws, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl models.DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

var popDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for i=1,#due do
  redis.call('ZREM', KEYS[1], due[i])
end
return due
`)
