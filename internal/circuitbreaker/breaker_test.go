package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreakerClosedAllowsRequests(t *testing.T) {
	b := New(Config{
		FailureThreshold: 0.5,
		TimeoutSeconds:   5,
		WindowSize:       10,
	})

	if !b.Allow() {
		t.Fatal("closed breaker should allow requests")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerWithholdsJudgmentBelowMinSamples(t *testing.T) {
	b := New(Config{
		FailureThreshold: 0.1,
		TimeoutSeconds:   5,
		WindowSize:       100,
	})

	// 5 failures is well above the 10% threshold but below the 10-sample
	// floor, so the breaker must stay closed.
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}

	if b.State() != StateClosed {
		t.Fatalf("expected closed below minSamples, got %v", b.State())
	}
}

func TestBreakerTripsOnHighErrorRate(t *testing.T) {
	b := New(Config{
		FailureThreshold: 0.5,
		TimeoutSeconds:   5,
		WindowSize:       10,
	})

	// 6 failures, 4 successes over 10 samples -> 60% error rate, above 50%.
	for i := 0; i < 4; i++ {
		b.RecordSuccess()
	}
	for i := 0; i < 6; i++ {
		b.RecordFailure()
	}

	if b.State() != StateOpen {
		t.Fatalf("expected open after high error rate, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker should reject requests")
	}
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b := New(Config{
		FailureThreshold: 0.5,
		TimeoutSeconds:   5,
		WindowSize:       10,
	})

	for i := 0; i < 8; i++ {
		b.RecordSuccess()
	}
	for i := 0; i < 2; i++ {
		b.RecordFailure()
	}

	if b.State() != StateClosed {
		t.Fatalf("expected closed at 20%% error rate, got %v", b.State())
	}
}

// TimeoutSeconds only takes whole seconds, too coarse for a fast test, so
// these half-open tests build the breaker normally and then poke the
// unexported field directly to make next_retry_at elapse immediately.

func TestBreakerTransitionsToHalfOpen(t *testing.T) {
	b := New(Config{
		FailureThreshold: 0.5,
		TimeoutSeconds:   600,
		WindowSize:       10,
	})
	b.cfg.TimeoutSeconds = 0

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	// next_retry_at was set to openedAt+0s, so it has already elapsed.
	time.Sleep(time.Millisecond)

	if !b.Allow() {
		t.Fatal("should admit the half-open probe once next_retry_at elapses")
	}
}

func TestBreakerClosesAfterSuccessfulProbe(t *testing.T) {
	b := New(Config{
		FailureThreshold: 0.5,
		TimeoutSeconds:   600,
		WindowSize:       10,
	})
	b.cfg.TimeoutSeconds = 0

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	time.Sleep(time.Millisecond)

	b.Allow() // admits the probe, transitions to HalfOpen
	b.RecordSuccess()

	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", b.State())
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := New(Config{
		FailureThreshold: 0.5,
		TimeoutSeconds:   600,
		WindowSize:       10,
	})
	b.cfg.TimeoutSeconds = 0

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	time.Sleep(time.Millisecond)

	b.Allow()
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("expected open after failed probe, got %v", b.State())
	}
}

func TestBreakerRingBufferOverwritesOldestSample(t *testing.T) {
	b := New(Config{
		FailureThreshold: 1.0,
		TimeoutSeconds:   600,
		WindowSize:       10,
	})

	// Fill the window with failures, then overwrite all 10 slots with
	// successes. A threshold of 1.0 can never be exceeded, so the breaker
	// stays closed and keeps recording; it should read only the most
	// recent 10 samples, not accumulate failures forever.
	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	for i := 0; i < 10; i++ {
		b.RecordSuccess()
	}

	snap := b.Snapshot()
	if snap.ErrorRate != 0 {
		t.Fatalf("expected 0 error rate after full overwrite, got %v", snap.ErrorRate)
	}
}

func TestRegistryCreatesBreakerOnDemand(t *testing.T) {
	r := NewRegistry()

	cfg := Config{
		FailureThreshold: 0.5,
		TimeoutSeconds:   5,
		WindowSize:       10,
	}

	b1 := r.Get("anthropic", cfg)
	if b1 == nil {
		t.Fatal("expected non-nil breaker")
	}

	b2 := r.Get("anthropic", cfg)
	if b1 != b2 {
		t.Fatal("expected same breaker instance for same service")
	}
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()

	cfg := Config{
		FailureThreshold: 0.5,
		TimeoutSeconds:   5,
		WindowSize:       10,
	}

	r.Get("anthropic", cfg)
	r.Get("openai", cfg)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if snap["anthropic"] != "closed" {
		t.Fatalf("expected closed, got %s", snap["anthropic"])
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
