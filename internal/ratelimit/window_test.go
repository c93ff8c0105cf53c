package ratelimit

import (
	"testing"
	"time"
)

func TestWindowCeiling(t *testing.T) {
	w := NewWindow(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !w.Allow("user-1") {
			t.Fatalf("command %d rejected below the ceiling", i+1)
		}
	}
	if w.Allow("user-1") {
		t.Error("command allowed at the ceiling")
	}
}

func TestWindowPerUser(t *testing.T) {
	w := NewWindow(1, time.Minute)

	if !w.Allow("user-1") {
		t.Fatal("first command for user-1 rejected")
	}
	if w.Allow("user-1") {
		t.Error("user-1 allowed past the ceiling")
	}
	if !w.Allow("user-2") {
		t.Error("user-2 throttled by user-1's window")
	}
}

func TestWindowResets(t *testing.T) {
	w := NewWindow(2, time.Minute)

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	w.Allow("user-1")
	w.Allow("user-1")
	if w.Allow("user-1") {
		t.Fatal("command allowed at the ceiling")
	}

	// Still inside the window
	clock = clock.Add(30 * time.Second)
	if w.Allow("user-1") {
		t.Error("window reset early")
	}

	// Past the reset timestamp the counter restarts
	clock = clock.Add(31 * time.Second)
	if !w.Allow("user-1") {
		t.Error("command rejected after the window expired")
	}
	if !w.Allow("user-1") {
		t.Error("fresh window saturated after one command")
	}
	if w.Allow("user-1") {
		t.Error("fresh window did not enforce the ceiling")
	}
}

func TestLimiterBurst(t *testing.T) {
	l := NewLimiter(100, 2)

	if !l.Allow("user-1") || !l.Allow("user-1") {
		t.Fatal("requests within burst rejected")
	}
	if l.Allow("user-1") {
		t.Error("request allowed past the burst")
	}
	if !l.Allow("user-2") {
		t.Error("user-2 throttled by user-1's bucket")
	}
}
