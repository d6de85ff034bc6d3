package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Probe answers questions about the current network.
type Probe interface {
	IsConnected() bool
	IsOnWifi() bool
	IsRoaming() bool
}

// State is a snapshot of the device network.
type State struct {
	Connected bool `json:"connected"`
	Wifi      bool `json:"wifi"`
	Roaming   bool `json:"roaming"`
}

// Monitor holds the latest network state pushed by the platform and notifies
// listeners when it changes.
type Monitor struct {
	mu        sync.RWMutex
	state     State
	nextID    int
	listeners map[int]func(State)
}

// NewMonitor creates a monitor with an initial state.
func NewMonitor(initial State) *Monitor {
	return &Monitor{state: initial, listeners: make(map[int]func(State))}
}

func (m *Monitor) IsConnected() bool { return m.State().Connected }
func (m *Monitor) IsOnWifi() bool    { return m.State().Wifi }
func (m *Monitor) IsRoaming() bool   { return m.State().Roaming }

// State returns the current snapshot.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Update stores a new state. Listeners run synchronously, outside the lock,
// only when the state actually changed.
func (m *Monitor) Update(s State) {
	m.mu.Lock()
	if s == m.state {
		m.mu.Unlock()
		return
	}
	m.state = s
	fns := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// SetConnected flips only the reachability bit.
func (m *Monitor) SetConnected(connected bool) {
	s := m.State()
	s.Connected = connected
	m.Update(s)
}

// Subscribe registers fn for state changes and returns a func removing it.
func (m *Monitor) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

var _ Probe = (*Monitor)(nil)

// Poller checks a reachability URL on an interval and feeds the result into a Monitor.
type Poller struct {
	monitor  *Monitor
	url      string
	interval time.Duration
	client   *http.Client
	logger   *zap.Logger
}

// NewPoller builds a poller. A zero interval defaults to 30s.
func NewPoller(m *Monitor, url string, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		monitor:  m,
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Run polls until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check performs one reachability probe.
func (p *Poller) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Warn("build reachability request", zap.Error(err))
		return false
	}
	resp, err := p.client.Do(req)
	reachable := err == nil && resp.StatusCode < http.StatusInternalServerError
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil && ctx.Err() == nil {
		p.logger.Debug("reachability probe failed", zap.String("url", p.url), zap.Error(err))
	}
	if ctx.Err() == nil {
		p.monitor.SetConnected(reachable)
	}
	return reachable
}
