package timectrl

import (
	"testing"
	"time"
)

func TestManualClockSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	newNow := start.Add(42 * time.Second)
	c.SetTime(newNow)

	if got := c.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}
}

func TestManualClockSleepAdvances(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	c.Sleep(5 * time.Millisecond)
	c.Advance(10 * time.Millisecond)
	c.Advance(-time.Hour)

	expected := start.Add(15 * time.Millisecond)
	if got := c.Now(); !got.Equal(expected) {
		t.Fatalf("Now() = %v, want %v", got, expected)
	}
}

func TestRealClockMovesForward(t *testing.T) {
	var c Clock = RealClock{}
	a := c.Now()
	c.Sleep(time.Millisecond)
	if b := c.Now(); !b.After(a) {
		t.Fatalf("Now() after Sleep = %v, want after %v", b, a)
	}
}
