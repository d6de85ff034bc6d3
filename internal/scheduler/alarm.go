package scheduler

import (
	"container/heap"
	"context"
	"time"
)

const maxSleepCap = 60 * time.Second

// Alarm fires its wake callback once the earliest registered delay has
// elapsed, ignoring constraints. It is the source that enforces the
// maximum-wait contract.
type Alarm struct {
	addCh chan time.Time
	ctx   context.Context
}

// NewAlarm starts the alarm goroutine; it exits when ctx is canceled.
func NewAlarm(ctx context.Context, wake func()) *Alarm {
	a := &Alarm{
		addCh: make(chan time.Time, 64),
		ctx:   ctx,
	}
	go a.run(wake)
	return a
}

func (a *Alarm) Schedule(ctx context.Context, delay time.Duration, _ []Constraint) error {
	if delay < 0 {
		delay = 0
	}
	select {
	case a.addCh <- time.Now().Add(delay):
		return nil
	case <-a.ctx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run keeps due times in a min-heap and sleeps until the earliest, capped so
// wall-clock jumps are noticed within maxSleepCap.
func (a *Alarm) run(wake func()) {
	h := &timeHeap{}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	resetTimer := func() <-chan time.Time {
		if timer != nil {
			timer.Stop()
		}
		if h.Len() == 0 {
			return nil
		}
		dur := time.Until((*h)[0])
		if dur > maxSleepCap {
			dur = maxSleepCap
		}
		if dur < 0 {
			dur = 0
		}
		timer = time.NewTimer(dur)
		return timer.C
	}

	var timerCh <-chan time.Time
	for {
		select {
		case <-a.ctx.Done():
			return

		case at := <-a.addCh:
			heap.Push(h, at)
			timerCh = resetTimer()

		case <-timerCh:
			now := time.Now()
			fired := false
			for h.Len() > 0 && !(*h)[0].After(now) {
				heap.Pop(h)
				fired = true
			}
			if fired {
				wake()
			}
			timerCh = resetTimer()
		}
	}
}

type timeHeap []time.Time

func (h timeHeap) Len() int           { return len(h) }
func (h timeHeap) Less(i, j int) bool { return h[i].Before(h[j]) }
func (h timeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timeHeap) Push(x any) { *h = append(*h, x.(time.Time)) }

func (h *timeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
