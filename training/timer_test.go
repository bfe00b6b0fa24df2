package training

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeTimer() (*Timer, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	timer := NewTimer()
	timer.now = clock.now
	return timer, clock
}

func TestTimerAccumulates(t *testing.T) {
	timer, clock := newFakeTimer()

	timer.StartRecord("epoch")
	clock.advance(2 * time.Second)
	require.NoError(t, timer.EndRecord("epoch"))

	timer.StartRecord("epoch")
	clock.advance(time.Second)
	require.NoError(t, timer.EndRecord("epoch"))

	assert.Equal(t, 3.0, timer.Get("epoch", false))
	assert.Equal(t, 3.0, timer.Get("epoch", true))
	assert.Equal(t, 0.0, timer.Get("epoch", false))
}

func TestTimerRestartOverwritesStart(t *testing.T) {
	timer, clock := newFakeTimer()

	timer.StartRecord("x")
	clock.advance(5 * time.Second)
	timer.StartRecord("x")
	clock.advance(time.Second)
	require.NoError(t, timer.EndRecord("x"))

	assert.Equal(t, 1.0, timer.Get("x", false))
}

func TestTimerEndWithoutStart(t *testing.T) {
	timer, _ := newFakeTimer()
	assert.Error(t, timer.EndRecord("never"))
	assert.Equal(t, 0.0, timer.Get("never", true))
}
