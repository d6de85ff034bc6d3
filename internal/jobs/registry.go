package jobs

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownKind is returned by Build for kinds without a factory.
var ErrUnknownKind = errors.New("unknown job kind")

// Factory rebuilds a job from its serialized payload.
type Factory func(payload []byte) (Job, error)

// Registry maps job kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a factory to kind, replacing any previous one.
func (r *Registry) Register(kind string, f Factory) {
	if kind == "" || f == nil {
		return
	}
	r.mu.Lock()
	r.factories[kind] = f
	r.mu.Unlock()
}

// Build reconstructs a job of the given kind.
func (r *Registry) Build(kind string, payload []byte) (Job, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	j, err := f(payload)
	if err != nil {
		return nil, fmt.Errorf("build %s job: %w", kind, err)
	}
	return j, nil
}
