package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2016, 5, 3, 10, 4, 9, 0, time.UTC)

func fired(c <-chan time.Time) (time.Time, bool) {
	select {
	case t := <-c:
		return t, true
	default:
		return time.Time{}, false
	}
}

func TestRealClock(t *testing.T) {
	t.Parallel()

	var c Clock = RealClock{}
	assert.WithinDuration(t, time.Now(), c.Now(), time.Second)

	timer := c.NewTimer(time.Millisecond)
	select {
	case <-timer.C():
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	assert.False(t, timer.Stop())

	ticker := c.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for i := 0; i < 2; i++ {
		select {
		case <-ticker.C():
		case <-time.After(2 * time.Second):
			t.Fatal("ticker did not tick")
		}
	}
}

func TestMockClock_Timer(t *testing.T) {
	t.Parallel()

	c := NewMockClock(epoch)
	timer := c.NewTimer(time.Second)

	c.Advance(999 * time.Millisecond)
	_, ok := fired(timer.C())
	assert.False(t, ok)

	c.Advance(time.Millisecond)
	at, ok := fired(timer.C())
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Second), at)

	c.Advance(time.Hour)
	_, ok = fired(timer.C())
	assert.False(t, ok, "timers fire once")
	assert.False(t, timer.Stop())

	stopped := c.NewTimer(time.Second)
	assert.True(t, stopped.Stop())
	c.Advance(time.Minute)
	_, ok = fired(stopped.C())
	assert.False(t, ok)
}

func TestMockClock_Ticker(t *testing.T) {
	t.Parallel()

	c := NewMockClock(epoch)
	ticker := c.NewTicker(10 * time.Millisecond)

	c.Advance(10 * time.Millisecond)
	_, ok := fired(ticker.C())
	assert.True(t, ok)

	// a jump over several periods delivers one tick and realigns
	c.Advance(35 * time.Millisecond)
	_, ok = fired(ticker.C())
	assert.True(t, ok)
	c.Advance(4 * time.Millisecond)
	_, ok = fired(ticker.C())
	assert.False(t, ok)
	c.Advance(time.Millisecond)
	_, ok = fired(ticker.C())
	assert.True(t, ok)

	ticker.Stop()
	c.Advance(time.Second)
	_, ok = fired(ticker.C())
	assert.False(t, ok)

	assert.Panics(t, func() { c.NewTicker(0) })
}

func TestMockClock_Set(t *testing.T) {
	t.Parallel()

	c := NewMockClock(epoch)
	timer := c.NewTimer(time.Minute)

	c.Set(epoch.Add(-time.Hour))
	assert.Equal(t, epoch.Add(-time.Hour), c.Now())
	_, ok := fired(timer.C())
	assert.False(t, ok)

	c.Set(epoch.Add(2 * time.Minute))
	_, ok = fired(timer.C())
	assert.True(t, ok)
}
