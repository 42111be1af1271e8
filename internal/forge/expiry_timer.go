package forge

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const countdownInterval = time.Second

// Expiry identifies one arming of an ExpiryTimer. Fires carry it so the owner
// can tell a current fire from one that lost a race with Disarm.
type Expiry struct {
	gen      uint64
	Deadline time.Time
}

// ExpiryTimer runs a one-shot deadline and a 1 Hz countdown as one unit.
// Arm and Disarm are the only mutators.
type ExpiryTimer struct {
	clock  clock.Clock
	onFire func(Expiry)

	mu        sync.Mutex
	gen       uint64
	armed     bool
	deadline  time.Time
	remaining time.Duration
	stop      chan struct{}
}

func NewExpiryTimer(clk clock.Clock, onFire func(Expiry)) *ExpiryTimer {
	if clk == nil {
		clk = clock.New()
	}
	return &ExpiryTimer{clock: clk, onFire: onFire}
}

func (t *ExpiryTimer) Arm(deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armed {
		return ErrAlreadyArmed
	}
	t.gen++
	t.armed = true
	t.deadline = deadline
	t.remaining = t.clock.Until(deadline)
	t.stop = make(chan struct{})

	// Both timers are created before returning so a clock that advances right
	// after Arm still sees them.
	timer := t.clock.Timer(t.remaining)
	ticker := t.clock.Ticker(countdownInterval)
	go t.run(Expiry{gen: t.gen, Deadline: deadline}, timer, ticker, t.stop)
	return nil
}

// Disarm cancels the deadline and the countdown. It does not wait for the
// timer goroutine, so it is safe to call while holding the owner's lock.
func (t *ExpiryTimer) Disarm() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disarmLocked()
}

// Claim accepts a fire for the current arming and disarms the timer. Stale
// fires return false and must be ignored.
func (t *ExpiryTimer) Claim(e Expiry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed || e.gen != t.gen {
		return false
	}
	t.disarmLocked()
	return true
}

func (t *ExpiryTimer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

func (t *ExpiryTimer) Deadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline, t.armed
}

// Remaining is the countdown value as of the last tick.
func (t *ExpiryTimer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return 0
	}
	return t.remaining
}

func (t *ExpiryTimer) disarmLocked() bool {
	if !t.armed {
		return false
	}
	t.armed = false
	t.deadline = time.Time{}
	t.remaining = 0
	close(t.stop)
	t.stop = nil
	return true
}

func (t *ExpiryTimer) run(e Expiry, timer *clock.Timer, ticker *clock.Ticker, stop <-chan struct{}) {
	defer timer.Stop()
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.tick(e)
		case <-timer.C:
			if t.onFire != nil {
				t.onFire(e)
			}
			return
		}
	}
}

func (t *ExpiryTimer) tick(e Expiry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed || e.gen != t.gen {
		return
	}
	remaining := t.clock.Until(e.Deadline)
	if remaining < 0 {
		remaining = 0
	}
	t.remaining = remaining.Truncate(time.Second)
}
