// Package progress holds the process-wide latest-value transfer progress channel.
//
// Each Publish overwrites the previous value. Subscribers get a one-slot
// channel: a slow reader misses intermediate updates but always finds the
// most recent one waiting.
package progress

import "sync"

// Event reports how far a transfer for a message has progressed.
type Event struct {
	MessageID   int64 `json:"message_id"`
	Transferred int64 `json:"transferred"`
	Total       int64 `json:"total"`
}

// Percent returns progress in [0, 100], or 0 when the total is unknown.
func (e Event) Percent() float64 {
	if e.Total <= 0 {
		return 0
	}
	return float64(e.Transferred) / float64(e.Total) * 100
}

// Channel is a single-slot, last-writer-wins progress holder.
type Channel struct {
	mu     sync.Mutex
	latest Event
	set    bool
	subs   map[chan Event]struct{}
}

// NewChannel creates an empty channel.
func NewChannel() *Channel {
	return &Channel{subs: make(map[chan Event]struct{})}
}

// Publish replaces the latest value and offers it to every subscriber.
func (c *Channel) Publish(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = e
	c.set = true
	for ch := range c.subs {
		offer(ch, e)
	}
}

// Latest returns the most recent event, if any was published.
func (c *Channel) Latest() (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.set
}

// Subscribe returns a channel that always holds at most the newest event and a
// cancel func that detaches it. The current value is delivered immediately.
func (c *Channel) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 1)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	if c.set {
		ch <- c.latest
	}
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, ch)
			c.mu.Unlock()
		})
	}
}

// offer drops a stale unread value before sending; callers hold c.mu so
// there is exactly one writer per subscriber channel.
func offer(ch chan Event, e Event) {
	select {
	case <-ch:
	default:
	}
	ch <- e
}
