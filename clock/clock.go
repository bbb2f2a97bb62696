// Package clock provides the one-shot timer abstraction that drives all
// time-dependent behavior of the simulator: dial progress, ring cadence,
// delayed rule responses. Production code uses Real; tests use Fake to
// advance simulated time deterministically.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock schedules one-shot timers.
type Clock interface {
	// Now returns the current time of this clock.
	Now() time.Time
	// AfterFunc calls fn after d has elapsed on this clock.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a one-shot timer handle.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the
	// timer was still pending.
	Stop() bool
}

// Real returns a Clock backed by the wall clock.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{t: time.AfterFunc(d, fn)}
}

type realTimer struct {
	t *time.Timer
}

func (t realTimer) Stop() bool {
	return t.t.Stop()
}

// Fake is a manually advanced Clock. Timers fire in due order when
// Advance is called; timers armed by a firing callback take part in the
// same advance if they fall due within it.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

// NewFake creates a Fake clock starting at an arbitrary fixed time.
func NewFake() *Fake {
	return &Fake{now: time.Date(2009, 2, 13, 23, 31, 30, 0, time.UTC)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	timer := &fakeTimer{
		clock: f,
		due:   f.now.Add(d),
		seq:   f.seq,
		fn:    fn,
	}
	f.timers = append(f.timers, timer)
	return timer
}

// Advance moves the clock forward by d, firing all timers that fall due,
// in order of their due time.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		timer := f.nextDue(target)
		if timer == nil {
			break
		}
		if timer.due.After(f.now) {
			f.now = timer.due
		}
		f.remove(timer)
		fn := timer.fn
		f.mu.Unlock()
		fn()
		f.mu.Lock()
	}
	f.now = target
	f.mu.Unlock()
}

func (f *Fake) nextDue(target time.Time) *fakeTimer {
	var result *fakeTimer
	for _, timer := range f.timers {
		if timer.due.After(target) {
			continue
		}
		if result == nil || timer.before(result) {
			result = timer
		}
	}
	return result
}

func (f *Fake) remove(timer *fakeTimer) {
	for i, t := range f.timers {
		if t == timer {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return
		}
	}
}

// Pending returns the number of armed timers, sorted accessor for tests.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sort.Slice(f.timers, func(i, j int) bool { return f.timers[i].before(f.timers[j]) })
	return len(f.timers)
}

type fakeTimer struct {
	clock *Fake
	due   time.Time
	seq   int
	fn    func()
}

func (t *fakeTimer) before(other *fakeTimer) bool {
	if t.due.Equal(other.due) {
		return t.seq < other.seq
	}
	return t.due.Before(other.due)
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	for i, pending := range t.clock.timers {
		if pending == t {
			t.clock.timers = append(t.clock.timers[:i], t.clock.timers[i+1:]...)
			return true
		}
	}
	return false
}
