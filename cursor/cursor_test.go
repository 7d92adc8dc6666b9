package cursor

import (
	"errors"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestCursor(t *testing.T, dir string) *IntegrityCursor {
	t.Helper()
	maxTime := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	c, err := New(dir, 3, "global-sync", -1, maxTime, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestPendingThenConfirm(t *testing.T) {
	dir := t.TempDir()
	c := newTestCursor(t, dir)

	c.RecordPending(10, 25)
	snap := c.Snapshot()
	if snap.PendingUpdates != 10 || snap.PendingEvents != 25 {
		t.Fatalf("pending = (%d, %d), want (10, 25)", snap.PendingUpdates, snap.PendingEvents)
	}
	if snap.ConfirmedUpdates != 0 {
		t.Fatalf("confirmed moved before any verify: %d", snap.ConfirmedUpdates)
	}

	before := time.Date(2024, 5, 31, 12, 0, 0, 0, time.UTC)
	if err := c.ConfirmWrite(10, 25, before); err != nil {
		t.Fatalf("ConfirmWrite failed: %v", err)
	}

	snap = c.Snapshot()
	if snap.ConfirmedUpdates != 10 || snap.ConfirmedEvents != 25 {
		t.Errorf("confirmed = (%d, %d), want (10, 25)", snap.ConfirmedUpdates, snap.ConfirmedEvents)
	}
	if snap.PendingUpdates != 0 || snap.PendingEvents != 0 {
		t.Errorf("pending = (%d, %d), want (0, 0)", snap.PendingUpdates, snap.PendingEvents)
	}
	if !snap.LastConfirmedBefore.Equal(before) {
		t.Errorf("marker = %s, want %s", snap.LastConfirmedBefore, before)
	}
}

func TestConfirmMoreThanPendingFails(t *testing.T) {
	c := newTestCursor(t, t.TempDir())
	c.RecordPending(1, 1)
	if err := c.ConfirmWrite(2, 1, time.Now().UTC()); err == nil {
		t.Error("ConfirmWrite over-claimed and did not fail")
	}
}

func TestMarkerNeverMovesUp(t *testing.T) {
	c := newTestCursor(t, t.TempDir())

	low := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	c.RecordPending(1, 0)
	if err := c.ConfirmWrite(1, 0, low); err != nil {
		t.Fatalf("ConfirmWrite failed: %v", err)
	}

	// Confirming at a later timestamp (live mode) leaves the marker.
	c.RecordPending(1, 0)
	if err := c.ConfirmWrite(1, 0, low.Add(24*time.Hour)); err != nil {
		t.Fatalf("ConfirmWrite failed: %v", err)
	}
	if got := c.ResumeBefore(); !got.Equal(low) {
		t.Errorf("marker moved up to %s, want %s", got, low)
	}
}

func TestMarkCompleteWithPendingFails(t *testing.T) {
	dir := t.TempDir()
	c := newTestCursor(t, dir)

	c.RecordPending(5, 0)
	if err := c.ConfirmWrite(5, 0, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("ConfirmWrite failed: %v", err)
	}
	persisted, err := os.ReadFile(c.Path())
	if err != nil {
		t.Fatalf("failed to read cursor file: %v", err)
	}

	c.RecordPending(3, 0)
	err = c.MarkComplete()
	if !errors.Is(err, ErrIncompletePending) {
		t.Fatalf("MarkComplete = %v, want ErrIncompletePending", err)
	}

	// Persisted state must be untouched by the failed call.
	after, err := os.ReadFile(c.Path())
	if err != nil {
		t.Fatalf("failed to re-read cursor file: %v", err)
	}
	if string(persisted) != string(after) {
		t.Error("failed MarkComplete changed the persisted file")
	}
	if c.Snapshot().Complete {
		t.Error("Complete flag set despite pending records")
	}
}

func TestMarkCompleteCleanState(t *testing.T) {
	c := newTestCursor(t, t.TempDir())
	c.RecordPending(2, 4)
	if err := c.ConfirmWrite(2, 4, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("ConfirmWrite failed: %v", err)
	}
	if err := c.MarkComplete(); err != nil {
		t.Fatalf("MarkComplete failed: %v", err)
	}
	if !c.Snapshot().Complete {
		t.Error("Complete not set")
	}
}

func TestRestartRestoresConfirmedState(t *testing.T) {
	dir := t.TempDir()
	c := newTestCursor(t, dir)

	before := time.Date(2024, 5, 15, 6, 0, 0, 0, time.UTC)
	c.RecordPending(7, 11)
	if err := c.ConfirmWrite(7, 11, before); err != nil {
		t.Fatalf("ConfirmWrite failed: %v", err)
	}

	// Claim more work but crash before confirming it.
	c.RecordPending(100, 200)

	restored := newTestCursor(t, dir)
	snap := restored.Snapshot()
	if snap.ConfirmedUpdates != 7 || snap.ConfirmedEvents != 11 {
		t.Errorf("restored confirmed = (%d, %d), want (7, 11)", snap.ConfirmedUpdates, snap.ConfirmedEvents)
	}
	// Pending was never persisted; resume sees only durable truth.
	if snap.PendingUpdates != 0 || snap.PendingEvents != 0 {
		t.Errorf("restored pending = (%d, %d), want (0, 0)", snap.PendingUpdates, snap.PendingEvents)
	}
	if !restored.ResumeBefore().Equal(before) {
		t.Errorf("ResumeBefore = %s, want %s", restored.ResumeBefore(), before)
	}
}

func TestMismatchedIdentityRejected(t *testing.T) {
	dir := t.TempDir()
	maxTime := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	c, err := New(dir, 3, "global-sync", -1, maxTime, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.RecordPending(1, 0)
	if err := c.ConfirmWrite(1, 0, maxTime.Add(-time.Hour)); err != nil {
		t.Fatalf("ConfirmWrite failed: %v", err)
	}

	// Rename the file so another identity appears to own it.
	other := dir + "/" + Filename(9, "other-sync", -1)
	if err := os.Rename(c.Path(), other); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if _, err := New(dir, 9, "other-sync", -1, maxTime, zap.NewNop()); err == nil {
		t.Error("cursor with mismatched identity was accepted")
	}
}

func TestFilename(t *testing.T) {
	tests := []struct {
		migration int64
		sync      string
		shard     int
		want      string
	}{
		{1, "global", -1, "cursor-m1-global.json"},
		{2, "sync/alpha", 3, "cursor-m2-sync_alpha-s3.json"},
	}
	for _, tt := range tests {
		if got := Filename(tt.migration, tt.sync, tt.shard); got != tt.want {
			t.Errorf("Filename(%d, %q, %d) = %q, want %q", tt.migration, tt.sync, tt.shard, got, tt.want)
		}
	}
}
