package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_FiresInDeadlineOrder(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	var got []int
	c.AfterFunc(3*time.Second, func() { got = append(got, 3) })
	c.AfterFunc(1*time.Second, func() { got = append(got, 1) })
	c.AfterFunc(2*time.Second, func() { got = append(got, 2) })

	c.Advance(2 * time.Second)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("got=%v", got)
	}
	c.Advance(time.Second)
	if len(got) != 3 || got[2] != 3 {
		t.Fatalf("got=%v", got)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending=%d", c.Pending())
	}
}

func TestFake_StopPreventsCall(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatalf("expected pending timer to stop")
	}
	if timer.Stop() {
		t.Fatalf("second stop should report false")
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatalf("stopped timer fired")
	}
}

func TestFake_RescheduleDuringAdvance(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	// Rescheduled timers are relative to the advanced time, so one
	// Advance fires the chain once.
	c.Advance(5 * time.Second)
	if ticks != 1 {
		t.Fatalf("ticks=%d", ticks)
	}
	for i := 0; i < 4; i++ {
		c.Advance(time.Second)
	}
	if ticks != 5 {
		t.Fatalf("ticks=%d", ticks)
	}
	if !c.Now().Equal(epoch.Add(9 * time.Second)) {
		t.Fatalf("now=%v", c.Now())
	}
}
