package server

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultAuthTimeout is the authentication window used when none is configured.
const DefaultAuthTimeout = 5000 * time.Millisecond

// Expirer is notified when its authentication deadline passes.
type Expirer interface {
	TimerExpired()
}

const (
	timerArmed int32 = iota
	timerCancelled
	timerFired
)

// Timer is a single armed deadline. Cancel and expiry are mutually exclusive:
// whichever happens first wins.
type Timer struct {
	m      *TimeoutManager
	target Expirer
	t      *time.Timer
	state  atomic.Int32
}

// Cancel stops the timer. It reports false if the timer already fired or was
// cancelled before.
func (t *Timer) Cancel() bool {
	if !t.state.CompareAndSwap(timerArmed, timerCancelled) {
		return false
	}
	t.t.Stop()
	t.m.forget(t)
	return true
}

func (t *Timer) fire() {
	if !t.state.CompareAndSwap(timerArmed, timerFired) {
		return
	}
	t.m.forget(t)
	select {
	case t.m.queue <- t.target:
	case <-t.m.done:
	}
}

// TimeoutManager schedules authentication deadlines for many connections and
// runs the expiry callbacks on a fixed pool of worker goroutines.
type TimeoutManager struct {
	delay time.Duration
	queue chan Expirer
	done  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	pending  map[*Timer]struct{}
	stopOnce sync.Once
}

func NewTimeoutManager(delay time.Duration, workers int) *TimeoutManager {
	if delay <= 0 {
		delay = DefaultAuthTimeout
	}
	if workers < 1 {
		workers = 1
	}
	m := &TimeoutManager{
		delay:   delay,
		queue:   make(chan Expirer, 256),
		done:    make(chan struct{}),
		pending: make(map[*Timer]struct{}),
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

func (m *TimeoutManager) Delay() time.Duration {
	return m.delay
}

// Arm schedules target.TimerExpired after the configured delay.
func (m *TimeoutManager) Arm(target Expirer) *Timer {
	t := &Timer{m: m, target: target}

	m.mu.Lock()
	defer m.mu.Unlock()
	t.t = time.AfterFunc(m.delay, t.fire)
	m.pending[t] = struct{}{}
	return t
}

// Pending returns the number of armed timers.
func (m *TimeoutManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Stop cancels every armed timer and waits for the workers to exit.
func (m *TimeoutManager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		timers := make([]*Timer, 0, len(m.pending))
		for t := range m.pending {
			timers = append(timers, t)
		}
		m.mu.Unlock()

		for _, t := range timers {
			t.Cancel()
		}
		close(m.done)
		m.wg.Wait()
	})
}

func (m *TimeoutManager) forget(t *Timer) {
	m.mu.Lock()
	delete(m.pending, t)
	m.mu.Unlock()
}

func (m *TimeoutManager) worker() {
	defer m.wg.Done()
	for {
		select {
		case target := <-m.queue:
			target.TimerExpired()
		case <-m.done:
			return
		}
	}
}
