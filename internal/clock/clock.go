// Package clock abstracts time so that backoff delays and scheduled
// work can be driven manually in tests. Production code uses Real;
// tests use Mock and advance it explicitly.
package clock

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the agent depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f in its own goroutine once d has elapsed. The
	// returned Timer cancels the call via Stop.
	AfterFunc(d time.Duration, f func()) Timer

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
}

// Timer is a pending AfterFunc invocation.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// Real implements Clock with the standard time package.
type Real struct{}

// NewReal returns a Clock backed by real time.
func NewReal() *Real {
	return &Real{}
}

func (*Real) Now() time.Time {
	return time.Now()
}

func (*Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (*Real) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}

func (*Real) Since(t time.Time) time.Duration {
	return time.Since(t)
}

type realTimer struct {
	t *time.Timer
}

func (rt realTimer) Stop() bool {
	return rt.t.Stop()
}

// Mock implements Clock with a manually advanced current time. Timers
// fire synchronously from Advance, on the goroutine calling Advance.
type Mock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
}

// NewMock returns a Mock positioned at start.
func NewMock(start time.Time) *Mock {
	return &Mock{current: start}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Mock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.AfterFunc(d, func() {
		ch <- m.Now()
	})
	return ch
}

func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{deadline: m.current.Add(d), f: f}
	m.timers = append(m.timers, t)
	return t
}

func (m *Mock) Since(t time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Sub(t)
}

// Advance moves the clock forward by d and fires every timer whose
// deadline has passed.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.current = m.current.Add(d)
	now := m.current

	var due []*mockTimer
	var remaining []*mockTimer
	for _, t := range m.timers {
		if t.expired(now) {
			due = append(due, t)
		} else if !t.stopped() {
			remaining = append(remaining, t)
		}
	}
	m.timers = remaining
	m.mu.Unlock()

	// Fire outside the clock lock so callbacks can schedule new timers.
	for _, t := range due {
		t.fire()
	}
}

// Set jumps the clock to t, firing due timers when moving forward.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if t.After(cur) {
		m.Advance(t.Sub(cur))
		return
	}
	m.mu.Lock()
	m.current = t
	m.mu.Unlock()
}

// Pending reports how many timers have not yet fired or been stopped.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped() {
			n++
		}
	}
	return n
}

type mockTimer struct {
	mu       sync.Mutex
	deadline time.Time
	f        func()
	done     bool
}

func (t *mockTimer) expired(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.done && !t.deadline.After(now)
}

func (t *mockTimer) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *mockTimer) fire() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	f := t.f
	t.mu.Unlock()
	f()
}

func (t *mockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.done
	t.done = true
	return wasActive
}
