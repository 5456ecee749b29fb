package core

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestClockStopwatch(t *testing.T) {
	mock := clock.NewMock()
	c := NewClock(mock)

	c.Update()
	assert.Zero(t, c.Elapsed(), "not started")

	c.Start()
	mock.Add(150 * time.Millisecond)
	c.Update()
	assert.Equal(t, 150*time.Millisecond, c.Elapsed())

	c.Stop()
	mock.Add(time.Second)
	c.Update()
	assert.Equal(t, 150*time.Millisecond, c.Elapsed(), "stopped clocks keep their elapsed time")
}

func TestClockExceeded(t *testing.T) {
	mock := clock.NewMock()
	c := NewClock(mock)
	c.Start()

	assert.False(t, c.Exceeded(0), "no budget never expires")
	assert.False(t, c.Exceeded(10*time.Millisecond))
	mock.Add(10 * time.Millisecond)
	assert.True(t, c.Exceeded(10*time.Millisecond))
}
