// Package scheduler registers future re-evaluation of waiting jobs.
//
// A Scheduler is advisory: firing early or spuriously is harmless because
// the processor re-checks requirements on every wake-up. Firing later than
// the registered delay is not, so every deployment includes at least one
// time-based source (Alarm or Redis).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Constraint names an environmental condition a trigger source can watch.
type Constraint string

const (
	ConstraintNetwork     Constraint = "network"
	ConstraintCredentials Constraint = "credentials"
)

// ErrStopped is returned by sources whose run loop has exited.
var ErrStopped = errors.New("scheduler stopped")

// Scheduler registers interest in re-evaluating waiting jobs no later than
// delay from now, or earlier when one of constraints becomes satisfied.
type Scheduler interface {
	Schedule(ctx context.Context, delay time.Duration, constraints []Constraint) error
}

// Func adapts a function to Scheduler.
type Func func(ctx context.Context, delay time.Duration, constraints []Constraint) error

func (f Func) Schedule(ctx context.Context, delay time.Duration, constraints []Constraint) error {
	return f(ctx, delay, constraints)
}

// Composite forwards every registration to all of its sources.
type Composite struct {
	schedulers []Scheduler
	logger     *zap.Logger
}

// NewComposite keeps the sources in the given order.
func NewComposite(logger *zap.Logger, schedulers ...Scheduler) *Composite {
	return &Composite{schedulers: schedulers, logger: logger}
}

// Schedule calls every source with identical arguments. A source that errors
// or panics never prevents the remaining ones from being called; failures are
// logged and returned together.
func (c *Composite) Schedule(ctx context.Context, delay time.Duration, constraints []Constraint) error {
	var result *multierror.Error
	for i, s := range c.schedulers {
		if err := scheduleIsolated(ctx, s, delay, constraints); err != nil {
			c.logger.Warn("trigger source failed to register",
				zap.Int("source", i),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			result = multierror.Append(result, fmt.Errorf("source %d: %w", i, err))
		}
	}
	return result.ErrorOrNil()
}

// Len returns the number of sources.
func (c *Composite) Len() int { return len(c.schedulers) }

func scheduleIsolated(ctx context.Context, s Scheduler, delay time.Duration, constraints []Constraint) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Schedule(ctx, delay, constraints)
}

func contains(constraints []Constraint, want Constraint) bool {
	for _, c := range constraints {
		if c == want {
			return true
		}
	}
	return false
}
