package scheduler

import (
	"context"
	"sync"
	"time"

	"message-job-runner/internal/connectivity"
)

// NetworkSource is the part of connectivity.Monitor the network trigger needs.
type NetworkSource interface {
	IsConnected() bool
	Subscribe(fn func(connectivity.State)) func()
}

// Network fires when connectivity comes back after a registration that
// named ConstraintNetwork.
type Network struct {
	mu          sync.Mutex
	armed       bool
	source      NetworkSource
	wake        func()
	unsubscribe func()
}

// NewNetwork subscribes to source immediately; call Close to detach.
func NewNetwork(source NetworkSource, wake func()) *Network {
	n := &Network{source: source, wake: wake}
	n.unsubscribe = source.Subscribe(n.onChange)
	return n
}

func (n *Network) Schedule(_ context.Context, _ time.Duration, constraints []Constraint) error {
	if !contains(constraints, ConstraintNetwork) {
		return nil
	}
	n.mu.Lock()
	n.armed = true
	n.mu.Unlock()
	// The network may have come back between evaluation and registration.
	if n.source.IsConnected() {
		n.fire()
	}
	return nil
}

func (n *Network) onChange(s connectivity.State) {
	if s.Connected {
		n.fire()
	}
}

func (n *Network) fire() {
	n.mu.Lock()
	armed := n.armed
	n.armed = false
	n.mu.Unlock()
	if armed {
		n.wake()
	}
}

// Close detaches from the connectivity source.
func (n *Network) Close() { n.unsubscribe() }

// UnlockSource is the part of credential.MasterSecret the credential trigger needs.
type UnlockSource interface {
	IsUnlocked() bool
	OnUnlock(fn func())
}

// Credentials fires when the credential store is unlocked after a
// registration that named ConstraintCredentials.
type Credentials struct {
	mu     sync.Mutex
	armed  bool
	source UnlockSource
	wake   func()
}

// NewCredentials registers an unlock listener on source.
func NewCredentials(source UnlockSource, wake func()) *Credentials {
	c := &Credentials{source: source, wake: wake}
	source.OnUnlock(c.fire)
	return c
}

func (c *Credentials) Schedule(_ context.Context, _ time.Duration, constraints []Constraint) error {
	if !contains(constraints, ConstraintCredentials) {
		return nil
	}
	c.mu.Lock()
	c.armed = true
	c.mu.Unlock()
	if c.source.IsUnlocked() {
		c.fire()
	}
	return nil
}

func (c *Credentials) fire() {
	c.mu.Lock()
	armed := c.armed
	c.armed = false
	c.mu.Unlock()
	if armed {
		c.wake()
	}
}
