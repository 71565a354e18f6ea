package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_AfterFuncFiresOnAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewFake(start)

	fired := 0
	c.AfterFunc(10*time.Minute, func() { fired++ })

	c.Advance(9 * time.Minute)
	assert.Equal(t, 0, fired)

	c.Advance(time.Minute)
	assert.Equal(t, 1, fired)

	c.Advance(time.Hour)
	assert.Equal(t, 1, fired, "timer must fire only once")
	assert.Equal(t, start.Add(70*time.Minute), c.Now())
}

func TestFake_StopBeforeFire(t *testing.T) {
	c := NewFake(time.Now())

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	assert.Equal(t, 1, c.PendingTimers())

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(time.Minute)
	assert.False(t, fired)
	assert.Equal(t, 0, c.PendingTimers())
}

func TestFake_StopAfterFireReturnsFalse(t *testing.T) {
	c := NewFake(time.Now())

	timer := c.AfterFunc(time.Second, func() {})
	c.Advance(time.Second)

	assert.False(t, timer.Stop())
}

func TestFake_Ticker(t *testing.T) {
	c := NewFake(time.Now())
	tk := c.NewTicker(time.Minute)
	defer tk.Stop()

	select {
	case <-tk.C():
		t.Fatal("ticker fired before advance")
	default:
	}

	c.Advance(time.Minute)
	select {
	case <-tk.C():
	default:
		t.Fatal("expected a tick")
	}
}
