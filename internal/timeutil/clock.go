// Package timeutil lets the transport worker, dispatcher and stores run
// against a controllable clock in tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the client depends on.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer fires once on C.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Ticker fires on C every period until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                   { return time.Now() }
func (RealClock) NewTimer(d time.Duration) Timer   { return realTimer{time.NewTimer(d)} }
func (RealClock) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// MockClock only moves when Set or Advance is called. Timers and tickers
// whose deadline has passed fire at that point; a tick that finds the
// channel full is dropped, as with time.Ticker.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*mockWaiter
}

func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set jumps to t, which may be in the past. Only forward moves fire waiters.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	waiters := append([]*mockWaiter(nil), c.waiters...)
	c.mu.Unlock()
	for _, w := range waiters {
		w.fire(t)
	}
}

func (c *MockClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

func (c *MockClock) NewTimer(d time.Duration) Timer {
	return c.add(d, false)
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("timeutil: non-positive interval for NewTicker")
	}
	return mockTicker{c.add(d, true)}
}

func (c *MockClock) add(d time.Duration, repeat bool) *mockWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &mockWaiter{
		ch:     make(chan time.Time, 1),
		next:   c.now.Add(d),
		period: d,
		repeat: repeat,
	}
	c.waiters = append(c.waiters, w)
	return w
}

// mockWaiter backs both MockClock timers and tickers.
type mockWaiter struct {
	mu      sync.Mutex
	ch      chan time.Time
	next    time.Time
	period  time.Duration
	repeat  bool
	stopped bool
}

func (w *mockWaiter) C() <-chan time.Time { return w.ch }

// Stop reports whether the waiter was still pending.
func (w *mockWaiter) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	active := !w.stopped
	w.stopped = true
	return active
}

type mockTicker struct{ *mockWaiter }

func (t mockTicker) Stop() { t.mockWaiter.Stop() }

func (w *mockWaiter) fire(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || now.Before(w.next) {
		return
	}
	select {
	case w.ch <- now:
	default:
	}
	if !w.repeat {
		w.stopped = true
		return
	}
	for !w.next.After(now) {
		w.next = w.next.Add(w.period)
	}
}
