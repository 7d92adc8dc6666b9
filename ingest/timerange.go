package ingest

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Range is one fetch window produced by the backward time walk.
// The window is [AtOrAfter, Before).
type Range struct {
	Before    time.Time
	AtOrAfter time.Time
	Span      time.Duration
}

// Gap is an uncovered interval found by DetectGaps.
type Gap struct {
	From time.Time
	To   time.Time
}

func (g Gap) Span() time.Duration { return g.To.Sub(g.From) }

// TimeRangeManager walks a [minTime, maxTime) window backward in fixed
// steps with overlap. The overlap re-fetches boundary records that a
// non-atomic cutoff could otherwise drop; duplicates are absorbed by the
// dedup tracker. One manager is owned by exactly one session.
type TimeRangeManager struct {
	mu sync.Mutex

	minTime       time.Time
	maxTime       time.Time
	overlap       time.Duration
	currentBefore time.Time

	// processed logs confirmed sub-ranges for gap auditing
	processed []Gap
}

// NewTimeRangeManager creates a manager positioned at maxTime.
func NewTimeRangeManager(minTime, maxTime time.Time, overlap time.Duration) (*TimeRangeManager, error) {
	if !maxTime.After(minTime) {
		return nil, fmt.Errorf("invalid time range: max %s not after min %s", maxTime, minTime)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("negative overlap %s", overlap)
	}
	return &TimeRangeManager{
		minTime:       minTime.UTC(),
		maxTime:       maxTime.UTC(),
		overlap:       overlap,
		currentBefore: maxTime.UTC(),
	}, nil
}

// NextRange returns the next fetch window. The lower bound is pulled back
// by the configured overlap and clamped at minTime.
func (m *TimeRangeManager) NextRange(step time.Duration) Range {
	m.mu.Lock()
	defer m.mu.Unlock()

	atOrAfter := m.currentBefore.Add(-step).Add(-m.overlap)
	if atOrAfter.Before(m.minTime) {
		atOrAfter = m.minTime
	}
	return Range{
		Before:    m.currentBefore,
		AtOrAfter: atOrAfter,
		Span:      m.currentBefore.Sub(atOrAfter),
	}
}

// Advance moves the walk pointer down to the oldest timestamp actually
// processed, or to the stepped-back pointer after a confirmed-empty
// window. It never moves the pointer up, and never further down than the
// batch itself reached, which bounds what a single confirmed step can
// skip. The covered sub-range is logged for gap auditing.
func (m *TimeRangeManager) Advance(oldestProcessed time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldestProcessed = oldestProcessed.UTC()
	if !oldestProcessed.Before(m.currentBefore) {
		return
	}
	if oldestProcessed.Before(m.minTime) {
		oldestProcessed = m.minTime
	}
	m.processed = append(m.processed, Gap{From: oldestProcessed, To: m.currentBefore})
	m.currentBefore = oldestProcessed
}

// SetBefore repositions the walk pointer, clamped to [minTime, maxTime].
// Used when resuming from a cursor, stepping past confirmed emptiness, or
// snapping to an upstream-reported valid bound.
func (m *TimeRangeManager) SetBefore(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t = t.UTC()
	if t.Before(m.minTime) {
		t = m.minTime
	}
	if t.After(m.maxTime) {
		t = m.maxTime
	}
	m.currentBefore = t
}

// Before returns the current walk pointer.
func (m *TimeRangeManager) Before() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentBefore
}

// MinTime returns the immutable lower bound of the walk.
func (m *TimeRangeManager) MinTime() time.Time { return m.minTime }

// MaxTime returns the immutable upper bound of the walk.
func (m *TimeRangeManager) MaxTime() time.Time { return m.maxTime }

// Done reports whether the walk pointer has reached the lower bound.
func (m *TimeRangeManager) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.currentBefore.After(m.minTime)
}

// Progress reports the walked fraction of the total window.
func (m *TimeRangeManager) Progress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.maxTime.Sub(m.minTime)
	if total <= 0 {
		return 1
	}
	return float64(m.maxTime.Sub(m.currentBefore)) / float64(total)
}

// DetectGaps audits the processed sub-range log for uncovered intervals
// larger than threshold, between the walk pointer and maxTime. This is a
// monitoring aid; correctness comes from the cursor protocol.
func (m *TimeRangeManager) DetectGaps(threshold time.Duration) []Gap {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.processed) == 0 {
		return nil
	}

	covered := make([]Gap, len(m.processed))
	copy(covered, m.processed)
	sort.Slice(covered, func(i, j int) bool { return covered[i].From.Before(covered[j].From) })

	// Merge overlapping covered ranges, then report the holes.
	merged := covered[:1]
	for _, r := range covered[1:] {
		last := &merged[len(merged)-1]
		if !r.From.After(last.To) {
			if r.To.After(last.To) {
				last.To = r.To
			}
			continue
		}
		merged = append(merged, r)
	}

	var gaps []Gap
	for i := 0; i+1 < len(merged); i++ {
		g := Gap{From: merged[i].To, To: merged[i+1].From}
		if g.Span() > threshold {
			gaps = append(gaps, g)
		}
	}
	if tail := m.maxTime.Sub(merged[len(merged)-1].To); tail > threshold {
		gaps = append(gaps, Gap{From: merged[len(merged)-1].To, To: m.maxTime})
	}
	return gaps
}
