package ratelimit

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

// SlidingWindow counts events over a trailing interval exactly.
//
// Every event timestamp is kept in arrival order; entries older than the
// window are evicted from the head, which is amortized O(1) per call. Memory
// grows with peak rate times window size.
type SlidingWindow struct {
	mu     sync.Mutex
	clock  Clock
	window time.Duration
	events *linkedlistqueue.Queue // of time.Time, non-decreasing
	last   time.Time
}

// NewSlidingWindow returns an empty window. A nil clock means SystemClock.
func NewSlidingWindow(window time.Duration, clock Clock) (*SlidingWindow, error) {
	if window <= 0 {
		return nil, &ConfigError{Field: "window", Value: window, Reason: "must be > 0"}
	}
	return &SlidingWindow{
		clock:  orSystem(clock),
		window: window,
		events: linkedlistqueue.New(),
	}, nil
}

func (sw *SlidingWindow) Window() time.Duration { return sw.window }

// Record stores one event at the current time.
func (sw *SlidingWindow) Record() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.clock.Now()
	if now.Before(sw.last) {
		now = sw.last
	}
	sw.events.Enqueue(now)
	sw.last = now
	sw.evictLocked(now)
}

// Count evicts stale events and returns how many remain, so the count
// decays even when nothing is being recorded.
func (sw *SlidingWindow) Count() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.evictLocked(sw.clock.Now())
	return sw.events.Size()
}

// UsageRate is Count per second of window.
func (sw *SlidingWindow) UsageRate() float64 {
	return float64(sw.Count()) / sw.window.Seconds()
}

// ResetIn returns how long until the oldest event no longer counts. An
// event still counts at exactly window age, so the result is one
// nanosecond past that boundary.
func (sw *SlidingWindow) ResetIn() time.Duration {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.clock.Now()
	sw.evictLocked(now)
	head, ok := sw.events.Peek()
	if !ok {
		return 0
	}
	d := head.(time.Time).Add(sw.window).Sub(now)
	if d < 0 {
		d = 0
	}
	return d + time.Nanosecond
}

func (sw *SlidingWindow) Reset() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.events.Clear()
}

// evictLocked drops head entries with now - t > window. Caller must hold sw.mu.
func (sw *SlidingWindow) evictLocked(now time.Time) {
	for {
		head, ok := sw.events.Peek()
		if !ok || now.Sub(head.(time.Time)) <= sw.window {
			return
		}
		sw.events.Dequeue()
	}
}
