package ingest

import (
	"testing"
	"time"
)

func TestEmptyTierLadder(t *testing.T) {
	tests := []struct {
		consecutive int
		want        time.Duration
	}{
		{1, time.Millisecond},
		{99, time.Millisecond},
		{100, 100 * time.Millisecond},
		{150, 100 * time.Millisecond},
		{200, time.Second},
		{500, 10 * time.Second},
		{1000, time.Minute},
		{2000, 5 * time.Minute},
		{5000, time.Hour},
		{9999, time.Hour},
	}

	h := NewEmptyResponseHandler(nil)
	for _, tt := range tests {
		if got := h.stepFor(tt.consecutive); got != tt.want {
			t.Errorf("stepFor(%d) = %s, want %s", tt.consecutive, got, tt.want)
		}
	}
}

func TestHandleEmptyStreakAndReset(t *testing.T) {
	h := NewEmptyResponseHandler(nil)
	lower := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	// Run 150 consecutive empties; the 150th applies the 100ms tier.
	var res EmptyResult
	for i := 0; i < 150; i++ {
		res = h.HandleEmpty(before, lower)
		if res.Done {
			t.Fatalf("unexpectedly done at empty %d", i+1)
		}
		before = res.NewBefore
	}
	if res.Step != 100*time.Millisecond {
		t.Errorf("step at streak 150 = %s, want 100ms", res.Step)
	}

	if streak := h.ResetOnData(); streak != 150 {
		t.Errorf("ResetOnData = %d, want 150", streak)
	}
	if h.Consecutive() != 0 {
		t.Errorf("Consecutive after reset = %d, want 0", h.Consecutive())
	}

	// Back at the finest tier immediately.
	res = h.HandleEmpty(before, lower)
	if res.Step != time.Millisecond {
		t.Errorf("step after reset = %s, want 1ms", res.Step)
	}
	if h.Total() != 151 {
		t.Errorf("Total = %d, want 151", h.Total())
	}
}

func TestHandleEmptyNeverSkips(t *testing.T) {
	h := NewEmptyResponseHandler(nil)
	lower := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)

	prev := before
	for i := 0; i < 5000; i++ {
		res := h.HandleEmpty(prev, lower)
		if res.Done {
			if res.NewBefore.Before(lower) {
				t.Fatalf("done crossed lower bound: %s < %s", res.NewBefore, lower)
			}
			return
		}
		if res.NewBefore.After(prev) {
			t.Fatalf("pointer moved up at empty %d", i+1)
		}
		if res.Step != h.stepFor(i+1) {
			t.Fatalf("empty %d applied step %s, want %s", i+1, res.Step, h.stepFor(i+1))
		}
		prev = res.NewBefore
	}
	t.Fatal("never reached lower bound")
}

func TestHandleEmptyDoneAtLowerBound(t *testing.T) {
	h := NewEmptyResponseHandler(nil)
	lower := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	res := h.HandleEmpty(lower.Add(time.Millisecond), lower)
	if !res.Done {
		t.Errorf("want done when step reaches lower bound, got %+v", res)
	}
}

func TestCustomTiers(t *testing.T) {
	h := NewEmptyResponseHandler([]EmptyTier{
		{Threshold: 0, Step: 2 * time.Millisecond},
		{Threshold: 10, Step: time.Second},
	})
	if got := h.stepFor(5); got != 2*time.Millisecond {
		t.Errorf("stepFor(5) = %s, want 2ms", got)
	}
	if got := h.stepFor(10); got != time.Second {
		t.Errorf("stepFor(10) = %s, want 1s", got)
	}
}
