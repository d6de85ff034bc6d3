// Package jobs defines the job and requirement capabilities the processor
// runs. Concrete job kinds implement Job and register a Factory so that
// persisted jobs can be rebuilt after a restart.
package jobs

import (
	"context"
	"time"

	"message-job-runner/internal/connectivity"
	"message-job-runner/internal/credential"
	"message-job-runner/internal/scheduler"
)

// Environment is the runtime state requirements and jobs observe.
// Either field may be nil when the collaborator is unavailable.
type Environment struct {
	Network     connectivity.Probe
	Credentials credential.Store
}

// CredentialsUnlocked reports whether the credential store can be used right now.
func (e Environment) CredentialsUnlocked() bool {
	return e.Credentials != nil && e.Credentials.IsUnlocked()
}

// Job is one unit of deferred, possibly retried, background work.
type Job interface {
	// Kind names the factory that rebuilds this job from its payload.
	Kind() string
	Parameters() Parameters
	// Payload serializes everything needed to rebuild the job.
	Payload() ([]byte, error)
	// Run executes one attempt.
	Run(ctx context.Context, env Environment) error
	// ShouldRetry classifies an error returned by Run.
	ShouldRetry(err error) bool
	// OnCanceled runs once when the job will never run again. It must not
	// assume the credential store is unlocked.
	OnCanceled(ctx context.Context, env Environment)
}

// Parameters configure how the processor treats a job.
type Parameters struct {
	Requirements []Requirement
	Persistent   bool
	// MaxAttempts caps runs; zero means the processor default.
	MaxAttempts int
	// Lifespan cancels a job still gated this long after creation; zero disables it.
	Lifespan time.Duration
}

// Option mutates Parameters.
type Option func(*Parameters)

// NewParameters applies opts in order.
func NewParameters(opts ...Option) Parameters {
	var p Parameters
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func WithRequirement(r Requirement) Option {
	return func(p *Parameters) { p.Requirements = append(p.Requirements, r) }
}

func WithPersistence() Option {
	return func(p *Parameters) { p.Persistent = true }
}

func WithMaxAttempts(n int) Option {
	return func(p *Parameters) { p.MaxAttempts = n }
}

func WithLifespan(d time.Duration) Option {
	return func(p *Parameters) { p.Lifespan = d }
}

// Unmet returns the requirements that do not currently hold.
func (p Parameters) Unmet(env Environment) []Requirement {
	var out []Requirement
	for _, r := range p.Requirements {
		if !r.Satisfied(env) {
			out = append(out, r)
		}
	}
	return out
}

// Constraints maps requirements to the distinct trigger kinds that unblock them.
func Constraints(reqs []Requirement) []scheduler.Constraint {
	seen := make(map[scheduler.Constraint]bool, len(reqs))
	out := make([]scheduler.Constraint, 0, len(reqs))
	for _, r := range reqs {
		c := r.Constraint()
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
