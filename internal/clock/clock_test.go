package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClockAfter(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Fake(start)

	fired := <-c.After(2 * time.Second)
	assert.Equal(t, start.Add(2*time.Second), fired)

	<-c.After(0)
	c.Advance(time.Minute)

	assert.Equal(t, start.Add(2*time.Second+time.Minute), c.Now())
	assert.Equal(t, []time.Duration{2 * time.Second, 0}, c.Waits())
}

func TestRealClock(t *testing.T) {
	c := Real()
	before := time.Now()
	assert.False(t, c.Now().Before(before))

	select {
	case <-c.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("real After never fired")
	}
}
