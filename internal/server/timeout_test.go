package server

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingExpirer struct {
	fired chan struct{}
	count atomic.Int32
}

func newCountingExpirer() *countingExpirer {
	return &countingExpirer{fired: make(chan struct{}, 8)}
}

func (e *countingExpirer) TimerExpired() {
	e.count.Add(1)
	e.fired <- struct{}{}
}

func TestTimeoutManager_Fires(t *testing.T) {
	m := NewTimeoutManager(10*time.Millisecond, 2)
	defer m.Stop()

	e := newCountingExpirer()
	m.Arm(e)

	select {
	case <-e.fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.Equal(t, int32(1), e.count.Load())
	assert.Eventually(t, func() bool { return m.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTimeoutManager_CancelPreventsExpiry(t *testing.T) {
	m := NewTimeoutManager(20*time.Millisecond, 1)
	defer m.Stop()

	e := newCountingExpirer()
	timer := m.Arm(e)
	assert.Equal(t, 1, m.Pending())

	assert.True(t, timer.Cancel())
	assert.False(t, timer.Cancel(), "second cancel reports nothing to do")
	assert.Equal(t, 0, m.Pending())

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, e.count.Load())
}

func TestTimeoutManager_CancelAfterFire(t *testing.T) {
	m := NewTimeoutManager(time.Millisecond, 1)
	defer m.Stop()

	e := newCountingExpirer()
	timer := m.Arm(e)
	<-e.fired

	assert.False(t, timer.Cancel())
}

func TestTimeoutManager_Stop(t *testing.T) {
	m := NewTimeoutManager(time.Hour, 3)

	e := newCountingExpirer()
	for i := 0; i < 5; i++ {
		m.Arm(e)
	}
	require.Equal(t, 5, m.Pending())

	m.Stop()
	m.Stop()
	assert.Equal(t, 0, m.Pending())
	assert.Zero(t, e.count.Load())
}

func TestTimeoutManager_Defaults(t *testing.T) {
	m := NewTimeoutManager(0, 0)
	defer m.Stop()

	assert.Equal(t, DefaultAuthTimeout, m.Delay())
}
