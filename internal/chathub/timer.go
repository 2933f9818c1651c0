package chathub

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SessionTimer counts down to a fixed expiry. It reports the remaining
// time once on Start and then every interval; when nothing is left it
// reports zero, fires onExpire and stops. Both happen at most once.
type SessionTimer struct {
	clock     clockwork.Clock
	interval  time.Duration
	expiresAt time.Time
	onTick    func(remaining time.Duration)
	onExpire  func()

	mu      sync.Mutex
	started bool
	stopped bool
	ticker  clockwork.Ticker
	quit    chan struct{}
}

func NewSessionTimer(clock clockwork.Clock, expiresAt time.Time, interval time.Duration, onTick func(time.Duration), onExpire func()) *SessionTimer {
	return &SessionTimer{
		clock:     clock,
		interval:  interval,
		expiresAt: expiresAt,
		onTick:    onTick,
		onExpire:  onExpire,
		quit:      make(chan struct{}),
	}
}

func (t *SessionTimer) Start() {
	t.mu.Lock()
	if t.started || t.stopped {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.ticker = t.clock.NewTicker(t.interval)
	t.mu.Unlock()

	if !t.tick() {
		return
	}
	go t.loop()
}

func (t *SessionTimer) loop() {
	for {
		select {
		case <-t.quit:
			return
		case <-t.ticker.Chan():
			if !t.tick() {
				return
			}
		}
	}
}

// tick reports once and returns false when the timer is done.
func (t *SessionTimer) tick() bool {
	remaining := t.expiresAt.Sub(t.clock.Now())

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}
	if remaining > 0 {
		t.mu.Unlock()
		t.onTick(remaining)
		return true
	}
	t.stopLocked()
	t.mu.Unlock()

	t.onTick(0)
	t.onExpire()
	return false
}

func (t *SessionTimer) stopLocked() {
	if t.stopped {
		return
	}
	t.stopped = true
	if t.ticker != nil {
		t.ticker.Stop()
	}
	close(t.quit)
}

// Stop cancels the countdown. It is safe to call more than once.
func (t *SessionTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}
