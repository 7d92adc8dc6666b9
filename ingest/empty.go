package ingest

import (
	"sort"
	"time"
)

// EmptyTier maps a consecutive-empty streak threshold to a step size.
type EmptyTier struct {
	Threshold int
	Step      time.Duration
}

// DefaultEmptyTiers is the step-size ladder applied to sustained empty
// responses. The step only grows after confirmed emptiness; any data snaps
// back to the finest tier. Safety over speed when density is unknown.
func DefaultEmptyTiers() []EmptyTier {
	return []EmptyTier{
		{Threshold: 0, Step: time.Millisecond},
		{Threshold: 100, Step: 100 * time.Millisecond},
		{Threshold: 200, Step: time.Second},
		{Threshold: 500, Step: 10 * time.Second},
		{Threshold: 1000, Step: time.Minute},
		{Threshold: 2000, Step: 5 * time.Minute},
		{Threshold: 5000, Step: time.Hour},
	}
}

// EmptyResult is the decision for one empty response.
type EmptyResult struct {
	// Done is set when the stepped-back pointer would cross the session's
	// lower bound: the walk is finished.
	Done      bool
	NewBefore time.Time
	Step      time.Duration
}

// EmptyResponseHandler decides how far to step back on an empty fetch
// result without ever skipping unseen time.
type EmptyResponseHandler struct {
	tiers       []EmptyTier
	consecutive int
	total       int
}

// NewEmptyResponseHandler creates a handler with the given tier ladder,
// falling back to the defaults when none is supplied.
func NewEmptyResponseHandler(tiers []EmptyTier) *EmptyResponseHandler {
	if len(tiers) == 0 {
		tiers = DefaultEmptyTiers()
	}
	sorted := make([]EmptyTier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Threshold < sorted[j].Threshold })
	return &EmptyResponseHandler{tiers: sorted}
}

// HandleEmpty records one empty response and computes the stepped-back
// pointer. The step is bounded by the tier for the current streak, so the
// pointer is monotonically non-increasing and can never cross lowerBound
// in one jump.
func (h *EmptyResponseHandler) HandleEmpty(currentBefore, lowerBound time.Time) EmptyResult {
	h.consecutive++
	h.total++

	step := h.stepFor(h.consecutive)
	newBefore := currentBefore.Add(-step)
	if !newBefore.After(lowerBound) {
		return EmptyResult{Done: true, NewBefore: lowerBound, Step: step}
	}
	return EmptyResult{NewBefore: newBefore, Step: step}
}

// ResetOnData snaps back to the finest tier the instant any record is
// found, returning the streak that just ended.
func (h *EmptyResponseHandler) ResetOnData() int {
	streak := h.consecutive
	h.consecutive = 0
	return streak
}

// Consecutive returns the current empty streak.
func (h *EmptyResponseHandler) Consecutive() int { return h.consecutive }

// Total returns the empties seen over the whole session.
func (h *EmptyResponseHandler) Total() int { return h.total }

func (h *EmptyResponseHandler) stepFor(consecutive int) time.Duration {
	step := h.tiers[0].Step
	for _, t := range h.tiers {
		if consecutive >= t.Threshold {
			step = t.Step
		}
	}
	return step
}
