// Package clock abstracts the current time so trust-record ageing and
// access-request deadlines can be tested without waiting for real time to
// pass.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time and arms timers against it.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of *time.Timer the registrar needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Real returns a Clock backed by time.Now.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) Timer { return realTimer{time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// Fake is a manually driven Clock. Time stands still until Advance or Set,
// which also fire every timer whose deadline has been reached.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	timers  []*fakeTimer
}

// NewFake returns a Fake clock initialized to t.
func NewFake(t time.Time) *Fake {
	return &Fake{current: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// NewTimer arms a timer that fires once the fake time reaches now+d.
func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := &fakeTimer{clock: f, deadline: f.current.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		ft.ch <- f.current
		return ft
	}
	f.timers = append(f.timers, ft)
	return ft
}

// Timers reports how many timers are armed and not yet fired or stopped.
func (f *Fake) Timers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
	f.fireLocked()
}

// Set jumps the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = t
	f.fireLocked()
}

func (f *Fake) fireLocked() {
	kept := f.timers[:0]
	for _, ft := range f.timers {
		if ft.deadline.After(f.current) {
			kept = append(kept, ft)
			continue
		}
		ft.ch <- f.current
	}
	f.timers = kept
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	ch       chan time.Time
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	for i, ft := range t.clock.timers {
		if ft == t {
			t.clock.timers = append(t.clock.timers[:i], t.clock.timers[i+1:]...)
			return true
		}
	}
	return false
}
