package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_FiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(30*time.Second, func() { fired = append(fired, "late") })
	c.AfterFunc(10*time.Second, func() { fired = append(fired, "early") })
	stopped := c.AfterFunc(20*time.Second, func() { fired = append(fired, "stopped") })

	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())

	c.Advance(25 * time.Second)
	assert.Equal(t, []string{"early"}, fired)
	assert.Equal(t, start.Add(25*time.Second), c.Now())

	c.Advance(10 * time.Second)
	assert.Equal(t, []string{"early", "late"}, fired)
	assert.Zero(t, c.Pending())
}

func TestFake_TimerArmedDuringCallbackFires(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	c.AfterFunc(time.Second, func() {
		count++
		c.AfterFunc(time.Second, func() { count++ })
	})

	c.Advance(5 * time.Second)
	assert.Equal(t, 2, count)
}
