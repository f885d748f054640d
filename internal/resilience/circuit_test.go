package resilience

import (
	"testing"
	"time"
)

func TestBreakerOpensOnFailureRatio(t *testing.T) {
	b := NewBreaker(4, 0.5, time.Minute)

	for i := 0; i < 2; i++ {
		b.Report(true)
	}
	for i := 0; i < 2; i++ {
		b.Report(false)
	}
	if b.CurrentState() != Open {
		t.Fatalf("state = %s, want open", b.CurrentState())
	}
	if b.Allow() {
		t.Fatal("open breaker must reject requests")
	}
}

func TestBreakerStaysClosedBelowMinRequests(t *testing.T) {
	b := NewBreaker(10, 0.5, time.Minute)

	for i := 0; i < 5; i++ {
		b.Report(false)
	}
	if b.CurrentState() != Closed {
		t.Fatalf("state = %s, want closed before min requests", b.CurrentState())
	}
	if !b.Allow() {
		t.Fatal("closed breaker must allow requests")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(1, 0.5, 10*time.Millisecond)

	b.Report(false)
	if b.CurrentState() != Open {
		t.Fatalf("state = %s, want open", b.CurrentState())
	}

	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("breaker must probe after cool-off")
	}
	if b.CurrentState() != HalfOpen {
		t.Fatalf("state = %s, want half_open", b.CurrentState())
	}

	b.Report(true)
	if b.CurrentState() != Closed {
		t.Fatalf("state = %s, want closed after successful probe", b.CurrentState())
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := NewBreaker(1, 0.5, 10*time.Millisecond)

	b.Report(false)
	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("breaker must probe after cool-off")
	}
	b.Report(false)
	if b.CurrentState() != Open {
		t.Fatalf("state = %s, want open after failed probe", b.CurrentState())
	}
}

func TestBackoffGrowsWithAttempts(t *testing.T) {
	base := 100 * time.Millisecond
	prev := time.Duration(0)
	for attempt := 1; attempt <= 4; attempt++ {
		d := Backoff(base, attempt, 0)
		if d <= prev {
			t.Fatalf("backoff attempt %d: %v not greater than %v", attempt, d, prev)
		}
		prev = d
	}
}
