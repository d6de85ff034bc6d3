package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WakeQueue is the Redis-backed wake-up set (queue.RedisQueue).
type WakeQueue interface {
	ScheduleWake(ctx context.Context, member string, runAt time.Time) error
	PopDue(ctx context.Context, now time.Time, limit int64) ([]string, error)
}

// Redis persists wake-ups outside the process so registrations survive
// a restart of the trigger side.
type Redis struct {
	queue    WakeQueue
	wake     func()
	interval time.Duration
	logger   *zap.Logger
}

// NewRedis builds the source; call Run to start polling.
func NewRedis(q WakeQueue, interval time.Duration, wake func(), logger *zap.Logger) *Redis {
	if interval <= 0 {
		interval = time.Second
	}
	return &Redis{queue: q, wake: wake, interval: interval, logger: logger}
}

func (r *Redis) Schedule(ctx context.Context, delay time.Duration, _ []Constraint) error {
	if err := r.queue.ScheduleWake(ctx, uuid.NewString(), time.Now().Add(delay)); err != nil {
		return fmt.Errorf("schedule wake: %w", err)
	}
	return nil
}

// Run polls for due wake-ups until ctx is canceled.
func (r *Redis) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll fires once if any wake-up is due.
func (r *Redis) Poll(ctx context.Context) bool {
	ids, err := r.queue.PopDue(ctx, time.Now(), 100)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("pop due wake-ups", zap.Error(err))
		}
		return false
	}
	if len(ids) == 0 {
		return false
	}
	r.wake()
	return true
}

// Cron is a periodic safety net: on every tick of a cron expression it
// fires if any registration arrived since the previous tick.
type Cron struct {
	expr    string
	pending atomic.Bool
	wake    func()
}

// NewCron validates expr.
func NewCron(expr string, wake func()) (*Cron, error) {
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	return &Cron{expr: expr, wake: wake}, nil
}

func (c *Cron) Schedule(_ context.Context, _ time.Duration, _ []Constraint) error {
	c.pending.Store(true)
	return nil
}

// Tick fires if a registration is outstanding.
func (c *Cron) Tick() bool {
	if c.pending.Swap(false) {
		c.wake()
		return true
	}
	return false
}

// Run sleeps until each next cron occurrence until ctx is canceled.
func (c *Cron) Run(ctx context.Context) error {
	for {
		next, err := gronx.NextTickAfter(c.expr, time.Now(), false)
		if err != nil {
			return fmt.Errorf("next cron tick: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			c.Tick()
		}
	}
}
