package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(350*time.Millisecond, func() { fired++ })

	c.Advance(349 * time.Millisecond)
	assert.Equal(t, 0, fired)
	c.Advance(time.Millisecond)
	assert.Equal(t, 1, fired)
	c.Advance(time.Second)
	assert.Equal(t, 1, fired, "one-shot timers fire once")
}

func TestFakeTimerStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	assert.Equal(t, 1, c.Pending())

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	assert.Equal(t, 0, c.Pending())

	c.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestFakeTickerRepeats(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(8 * time.Second)
	defer ticker.Stop()

	c.Advance(8 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("expected tick after one interval")
	}

	c.Advance(8 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("expected second tick")
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(3 * time.Second)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(3 * time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("After waiter did not fire")
	}
}
