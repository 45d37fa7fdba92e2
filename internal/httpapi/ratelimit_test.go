package httpapi

import (
	"testing"
	"time"
)

func TestIPLimiterFixedWindow(t *testing.T) {
	l := newIPLimiter(100, 15*time.Minute, nil)
	defer l.Close()

	start := time.Now()
	allowed := 0
	// Spread 300 requests over the first window: a refilling bucket would
	// admit far more than 100 here.
	for i := 0; i < 300; i++ {
		if l.allow("10.0.0.1", start.Add(time.Duration(i)*3*time.Second)) {
			allowed++
		}
	}
	if allowed != 100 {
		t.Fatalf("allowed in first window = %d, want 100", allowed)
	}

	next := start.Add(15 * time.Minute)
	if !l.allow("10.0.0.1", next) {
		t.Fatalf("allow() at next window = false, want true")
	}
	if !l.allow("10.0.0.2", start) {
		t.Fatalf("allow() for other IP = false, want true")
	}
}
