package ingest

import (
	"sync"
	"time"
)

// BatchRecord is one accounted fetch cycle.
type BatchRecord struct {
	ID         string
	Updates    int64
	Events     int64
	Window     Range
	RecordedAt time.Time
}

// BatchIntegrityTracker accumulates per-batch counts for periodic
// reconciliation against an independently computed expectation. Drift is
// an alerting signal, not a blocking gate on the pipeline.
type BatchIntegrityTracker struct {
	mu      sync.Mutex
	batches []BatchRecord
	updates int64
	events  int64
}

// NewBatchIntegrityTracker creates an empty tracker.
func NewBatchIntegrityTracker() *BatchIntegrityTracker {
	return &BatchIntegrityTracker{}
}

// RecordBatch accounts one fetched batch.
func (t *BatchIntegrityTracker) RecordBatch(id string, updates, events int64, window Range) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.batches = append(t.batches, BatchRecord{
		ID:         id,
		Updates:    updates,
		Events:     events,
		Window:     window,
		RecordedAt: time.Now().UTC(),
	})
	t.updates += updates
	t.events += events
}

// Totals returns the accumulated update and event counts.
func (t *BatchIntegrityTracker) Totals() (updates, events int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updates, t.events
}

// BatchCount returns the number of recorded batches.
func (t *BatchIntegrityTracker) BatchCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.batches)
}

// Verify compares accumulated totals against an expected total and returns
// the signed differences (accumulated minus expected).
func (t *BatchIntegrityTracker) Verify(expectedUpdates, expectedEvents int64) (updateDrift, eventDrift int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updates - expectedUpdates, t.events - expectedEvents
}
