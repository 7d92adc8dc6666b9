package ingest

import (
	"sync"

	"github.com/bstolman1/amulet-scan-port-sub014/ledger"
)

// DedupStats summarizes one dedup window, returned by Reset.
type DedupStats struct {
	Unique     int64
	Duplicates int64
	DupRate    float64
}

// DedupTracker removes in-session duplicates produced by overlapping fetch
// windows. Overlap guarantees recurring duplicates at every step boundary,
// so callers must Reset periodically (once per confirmed advance) to bound
// the seen-set's memory.
type DedupTracker struct {
	mu         sync.Mutex
	seen       map[string]struct{}
	unique     int64
	duplicates int64
}

// NewDedupTracker creates an empty tracker.
func NewDedupTracker() *DedupTracker {
	return &DedupTracker{seen: make(map[string]struct{})}
}

// Deduplicate drops records whose update id was already seen this window.
// Records without an id pass through unfiltered; their correctness relies
// on idempotent storage keys downstream.
func (d *DedupTracker) Deduplicate(updates []ledger.Update) []ledger.Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := updates[:0:0]
	for _, u := range updates {
		if u.UpdateID == "" {
			out = append(out, u)
			d.unique++
			continue
		}
		if _, dup := d.seen[u.UpdateID]; dup {
			d.duplicates++
			continue
		}
		d.seen[u.UpdateID] = struct{}{}
		d.unique++
		out = append(out, u)
	}
	return out
}

// DuplicateCount returns the duplicates dropped since the last Reset.
func (d *DedupTracker) DuplicateCount() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duplicates
}

// Reset clears the seen set and returns the window's stats.
func (d *DedupTracker) Reset() DedupStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := DedupStats{Unique: d.unique, Duplicates: d.duplicates}
	if total := d.unique + d.duplicates; total > 0 {
		stats.DupRate = float64(d.duplicates) / float64(total)
	}
	d.seen = make(map[string]struct{})
	d.unique = 0
	d.duplicates = 0
	return stats
}
