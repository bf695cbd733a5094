package backoff

import (
	"testing"
	"time"
)

func TestScheduleExhaustsAfterRetries(t *testing.T) {
	cfg := Config{Min: time.Millisecond, Rand: 0, Max: time.Second, Retries: 3}
	s := New(cfg)
	for i := 0; i < 3; i++ {
		if _, ok := s.Next(); !ok {
			t.Fatalf("expected attempt %d to produce a delay", i)
		}
	}
	if _, ok := s.Next(); ok {
		t.Fatal("expected schedule to be exhausted after Retries delays")
	}
	if !s.Exhausted() {
		t.Fatal("expected Exhausted to report true")
	}
}

func TestScheduleCapsAtMax(t *testing.T) {
	cfg := Config{Min: time.Second, Rand: 0, Max: 2 * time.Second, Retries: 10}
	s := New(cfg)
	var last time.Duration
	for i := 0; i < 10; i++ {
		d, ok := s.Next()
		if !ok {
			t.Fatalf("attempt %d: expected a delay", i)
		}
		if d > cfg.Max {
			t.Fatalf("attempt %d: delay %v exceeds max %v", i, d, cfg.Max)
		}
		last = d
	}
	if last != cfg.Max {
		t.Fatalf("expected the schedule to have reached its cap, got %v", last)
	}
}

func TestJitterRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		j := Jitter(17)
		if j < 1 || j >= 17 {
			t.Fatalf("jitter %d out of range [1,17)", j)
		}
	}
	if Jitter(0) != 1 || Jitter(1) != 1 {
		t.Fatal("expected Jitter to floor at 1 for degenerate n")
	}
}
