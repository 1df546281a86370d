package nfc

import (
	"slices"
	"sync"
	"time"
)

// Clock abstracts the time source used by the poller, the tag cache and
// reader sessions so tests can drive time explicitly.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
	NewTimer(d time.Duration) Timer
	After(d time.Duration) <-chan time.Time
}

// Ticker mirrors time.Ticker.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Timer mirrors time.Timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// RealClock is the wall clock.
type RealClock struct{}

func NewRealClock() Clock { return RealClock{} }

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

func (RealClock) NewTimer(d time.Duration) Timer {
	return realTimer{time.NewTimer(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time        { return r.t.C }
func (r realTimer) Stop() bool                 { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

// FakeClock is a manually advanced Clock. Timers and tickers fire from
// Advance once their deadline is reached.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
	added   chan struct{}
}

// NewFakeClock returns a FakeClock set to start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start, added: make(chan struct{}, 64)}
}

// fakeWaiter backs both fake timers and fake tickers.
type fakeWaiter struct {
	clock    *FakeClock
	c        chan time.Time
	deadline time.Time
	period   time.Duration // zero for one-shot timers
	active   bool
}

func (fc *FakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *FakeClock) newWaiter(d, period time.Duration) *fakeWaiter {
	fc.mu.Lock()
	w := &fakeWaiter{
		clock:    fc,
		c:        make(chan time.Time, 1),
		deadline: fc.now.Add(d),
		period:   period,
		active:   true,
	}
	fc.waiters = append(fc.waiters, w)
	fc.mu.Unlock()

	select {
	case fc.added <- struct{}{}:
	default:
	}
	return w
}

func (fc *FakeClock) NewTicker(d time.Duration) Ticker { return fakeTicker{fc.newWaiter(d, d)} }
func (fc *FakeClock) NewTimer(d time.Duration) Timer   { return fc.newWaiter(d, 0) }

func (fc *FakeClock) After(d time.Duration) <-chan time.Time {
	return fc.newWaiter(d, 0).c
}

// Advance moves the clock forward and fires every timer or ticker whose
// deadline has passed. A ticker fires at most once per Advance.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	fc.now = fc.now.Add(d)
	kept := fc.waiters[:0]
	for _, w := range fc.waiters {
		if !w.active {
			continue
		}
		if !fc.now.Before(w.deadline) {
			select {
			case w.c <- fc.now:
			default:
			}
			if w.period == 0 {
				w.active = false
				continue
			}
			for !fc.now.Before(w.deadline) {
				w.deadline = w.deadline.Add(w.period)
			}
		}
		kept = append(kept, w)
	}
	fc.waiters = kept
}

// WaitForWaiters blocks until n timers or tickers have been created since
// the clock was built, or until timeout. It reports whether n was reached.
func (fc *FakeClock) WaitForWaiters(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case <-fc.added:
		case <-deadline:
			return false
		}
	}
	return true
}

func (w *fakeWaiter) C() <-chan time.Time { return w.c }

func (w *fakeWaiter) Stop() bool {
	w.clock.mu.Lock()
	defer w.clock.mu.Unlock()
	was := w.active
	w.active = false
	return was
}

func (w *fakeWaiter) Reset(d time.Duration) bool {
	fc := w.clock
	fc.mu.Lock()
	was := w.active
	w.deadline = fc.now.Add(d)
	w.active = true
	if !slices.Contains(fc.waiters, w) {
		fc.waiters = append(fc.waiters, w)
	}
	fc.mu.Unlock()
	return was
}

type fakeTicker struct{ *fakeWaiter }

func (t fakeTicker) Stop() { t.fakeWaiter.Stop() }
