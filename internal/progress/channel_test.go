package progress

import "testing"

func TestChannelLatestOverwrites(t *testing.T) {
	c := NewChannel()
	if _, ok := c.Latest(); ok {
		t.Fatalf("expected empty channel")
	}

	c.Publish(Event{MessageID: 1, Transferred: 10, Total: 100})
	c.Publish(Event{MessageID: 1, Transferred: 50, Total: 100})

	got, ok := c.Latest()
	if !ok || got.Transferred != 50 {
		t.Fatalf("expected latest transferred=50, got %+v ok=%v", got, ok)
	}
	if got.Percent() != 50 {
		t.Fatalf("expected 50%%, got %f", got.Percent())
	}
}

func TestSubscriberSeesOnlyNewest(t *testing.T) {
	c := NewChannel()
	c.Publish(Event{MessageID: 7, Transferred: 1, Total: 4})

	ch, cancel := c.Subscribe()
	defer cancel()

	c.Publish(Event{MessageID: 7, Transferred: 2, Total: 4})
	c.Publish(Event{MessageID: 7, Transferred: 3, Total: 4})

	got := <-ch
	if got.Transferred != 3 {
		t.Fatalf("expected newest event, got %+v", got)
	}
	select {
	case extra := <-ch:
		t.Fatalf("expected no queued events, got %+v", extra)
	default:
	}
}

func TestCancelDetachesSubscriber(t *testing.T) {
	c := NewChannel()
	ch, cancel := c.Subscribe()
	cancel()
	cancel()

	c.Publish(Event{MessageID: 1, Transferred: 1, Total: 1})
	select {
	case e := <-ch:
		t.Fatalf("detached subscriber received %+v", e)
	default:
	}
}

func TestPercentUnknownTotal(t *testing.T) {
	if p := (Event{Transferred: 10}).Percent(); p != 0 {
		t.Fatalf("expected 0 for unknown total, got %f", p)
	}
}
