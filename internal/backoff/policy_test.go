package backoff

import (
	"testing"
	"time"
)

func fixedJitter(p *Policy) *Policy {
	p.Jitter = func() float64 { return 1.0 }
	return p
}

func TestNextDelay_ExponentialGrowth(t *testing.T) {
	p := fixedJitter(&Policy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 10})

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		got := p.NextDelay(i + 1)
		if got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestNextDelay_NeverExceedsJitteredCap(t *testing.T) {
	p := &Policy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 100}
	max := time.Duration(float64(p.Cap) * jitterMax)
	for attempt := 1; attempt <= 100; attempt++ {
		if d := p.NextDelay(attempt); d > max {
			t.Fatalf("attempt %d: delay %v exceeds jittered cap %v", attempt, d, max)
		}
	}
}

func TestNextDelay_JitterBand(t *testing.T) {
	p := &Policy{Base: 10 * time.Second, Cap: time.Minute, MaxAttempts: 10}
	lo := time.Duration(float64(10*time.Second) * jitterMin)
	hi := time.Duration(float64(10*time.Second) * jitterMax)

	seen := make(map[time.Duration]bool)
	for i := 0; i < 200; i++ {
		d := p.NextDelay(1)
		if d < lo || d > hi {
			t.Fatalf("delay %v outside jitter band [%v, %v]", d, lo, hi)
		}
		seen[d] = true
	}
	// A deterministic policy would produce synchronized retry storms.
	if len(seen) < 2 {
		t.Error("jitter produced identical delays across 200 draws")
	}
}

func TestNextDelay_HugeAttemptDoesNotOverflow(t *testing.T) {
	p := fixedJitter(&Policy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 10})
	if d := p.NextDelay(500); d != 30*time.Second {
		t.Errorf("expected cap, got %v", d)
	}
}

func TestShouldRetry_Budget(t *testing.T) {
	p := &Policy{Base: time.Second, Cap: time.Second, MaxAttempts: 3}
	for attempt := 0; attempt < 3; attempt++ {
		if !p.ShouldRetry(attempt) {
			t.Errorf("attempt %d: expected retry allowed", attempt)
		}
	}
	if p.ShouldRetry(3) {
		t.Error("expected budget exhausted at attempt 3")
	}
}

func TestState_NextAndReset(t *testing.T) {
	var s State
	if n := s.Next(); n != 1 {
		t.Errorf("expected attempt 1, got %d", n)
	}
	if n := s.Next(); n != 2 {
		t.Errorf("expected attempt 2, got %d", n)
	}
	if s.LastAttemptAt.IsZero() {
		t.Error("expected LastAttemptAt set")
	}

	s.BudgetExhausted = true
	s.Reset()
	if s.Attempt != 0 || s.BudgetExhausted {
		t.Errorf("expected clean state after reset, got %+v", s)
	}
	if n := s.Next(); n != 1 {
		t.Errorf("expected attempt 1 after reset, got %d", n)
	}
}
