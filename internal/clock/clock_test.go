package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(5*time.Second, func() { fired = append(fired, "late") })

	c.Advance(3 * time.Second)

	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, c.Pending())
	assert.Equal(t, time.Unix(3, 0), c.Now())
}

func TestFakeRescheduleInsideCallback(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(3500 * time.Millisecond)
	assert.Equal(t, 3, count)
}

func TestFakeStop(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })
	require.True(t, timer.Stop())
	require.False(t, timer.Stop())

	c.Advance(time.Minute)
	assert.False(t, called)
}
