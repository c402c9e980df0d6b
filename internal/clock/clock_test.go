package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	c := NewFake(time.Time{})
	start := c.Now()

	var order []int
	c.AfterFunc(300*time.Millisecond, func() { order = append(order, 3) })
	c.AfterFunc(100*time.Millisecond, func() { order = append(order, 1) })
	c.AfterFunc(200*time.Millisecond, func() { order = append(order, 2) })

	c.Advance(250 * time.Millisecond)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
	if got := c.Now().Sub(start); got != 250*time.Millisecond {
		t.Errorf("elapsed = %v, want 250ms", got)
	}

	c.Advance(time.Second)
	if len(order) != 3 {
		t.Errorf("order = %v, want 3 entries", order)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

func TestFakeStop(t *testing.T) {
	c := NewFake(time.Time{})
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("first Stop should report true")
	}
	if timer.Stop() {
		t.Error("second Stop should report false")
	}

	c.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFakeNowDuringCallback(t *testing.T) {
	c := NewFake(time.Time{})
	start := c.Now()

	var seen time.Duration
	c.AfterFunc(400*time.Millisecond, func() { seen = c.Now().Sub(start) })
	c.Advance(time.Second)

	if seen != 400*time.Millisecond {
		t.Errorf("callback saw %v, want 400ms", seen)
	}
}

func TestFakeTimerScheduledFromCallback(t *testing.T) {
	c := NewFake(time.Time{})
	count := 0
	c.AfterFunc(100*time.Millisecond, func() {
		count++
		c.AfterFunc(100*time.Millisecond, func() { count++ })
	})

	c.Advance(250 * time.Millisecond)
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestRealClock(t *testing.T) {
	c := Real()
	done := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
	if c.Now().IsZero() {
		t.Error("Now() returned zero time")
	}
}
