package ratelimit

import (
	"testing"
	"time"
)

func TestCounterThrottles(t *testing.T) {
	c := NewCounter(time.Hour)

	total, allowed := c.Inc()
	if total != 1 || !allowed {
		t.Fatalf("first inc = %d, %v", total, allowed)
	}
	total, allowed = c.Inc()
	if total != 2 || allowed {
		t.Fatalf("second inc = %d, %v", total, allowed)
	}
}

func TestCounterZeroIntervalAlwaysLogs(t *testing.T) {
	c := NewCounter(0)
	for i := 1; i <= 3; i++ {
		total, allowed := c.Inc()
		if total != uint64(i) || !allowed {
			t.Fatalf("inc %d = %d, %v", i, total, allowed)
		}
	}
}

func TestCounterAllowsAfterInterval(t *testing.T) {
	c := NewCounter(10 * time.Millisecond)
	if _, allowed := c.Inc(); !allowed {
		t.Fatal("first inc should log")
	}
	time.Sleep(20 * time.Millisecond)
	if _, allowed := c.Inc(); !allowed {
		t.Fatal("inc after interval should log")
	}
}
