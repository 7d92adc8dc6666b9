package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub014/cursor"
)

func touchFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCountFilesFiltersByPrefixAndSuffix(t *testing.T) {
	root := t.TempDir()
	part := filepath.Join(root, "migration=2", "year=2024", "month=03", "day=15")
	touchFiles(t, part,
		"updates-1710000000000-aabbccdd.parquet",
		"events-1710000000000-11223344.parquet",
		"updates-1710000000001-deadbeef.parquet.tmp", // in-flight
		"manifest.json",                              // unrelated
		"other-1710000000000-aabbccdd.parquet",       // unknown prefix
	)

	v := NewVerifier(root, 10*time.Millisecond, time.Second, zap.NewNop())
	n, err := v.CountFiles()
	if err != nil {
		t.Fatalf("CountFiles failed: %v", err)
	}
	if n != 2 {
		t.Errorf("CountFiles = %d, want 2", n)
	}
}

func TestWaitForWritesTimesOut(t *testing.T) {
	v := NewVerifier(t.TempDir(), 10*time.Millisecond, 50*time.Millisecond, zap.NewNop())
	err := v.WaitForWrites(context.Background(), 0, 1)
	if !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("got %v, want ErrVerifyFailed", err)
	}
}

func TestWaitForWritesSeesLateFiles(t *testing.T) {
	root := t.TempDir()
	v := NewVerifier(root, 10*time.Millisecond, 2*time.Second, zap.NewNop())

	dir := filepath.Join(root, "migration=1", "year=2024", "month=01", "day=01")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		if err := os.WriteFile(filepath.Join(dir, "updates-1700000000000-cafebabe.parquet"), []byte("x"), 0o644); err != nil {
			t.Error(err)
		}
	}()

	if err := v.WaitForWrites(context.Background(), 0, 1); err != nil {
		t.Fatalf("WaitForWrites failed: %v", err)
	}
}

func newVerifyCursor(t *testing.T) *cursor.IntegrityCursor {
	t.Helper()
	cur, err := cursor.New(t.TempDir(), 2, "global", -1,
		time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC), zap.NewNop())
	if err != nil {
		t.Fatalf("cursor.New failed: %v", err)
	}
	return cur
}

func TestVerifyAndConfirmMovesPendingToConfirmed(t *testing.T) {
	root := t.TempDir()
	v := NewVerifier(root, 10*time.Millisecond, time.Second, zap.NewNop())
	cur := newVerifyCursor(t)
	cur.RecordPending(10, 25)

	before := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	flush := func(ctx context.Context) (int, error) {
		touchFiles(t, filepath.Join(root, "migration=2", "year=2024", "month=03", "day=15"),
			"updates-1710000000000-aabbccdd.parquet",
			"events-1710000000000-11223344.parquet")
		return 2, nil
	}

	if err := v.VerifyAndConfirm(context.Background(), cur, 10, 25, before, flush, nil); err != nil {
		t.Fatalf("VerifyAndConfirm failed: %v", err)
	}

	st := cur.Snapshot()
	if st.ConfirmedUpdates != 10 || st.ConfirmedEvents != 25 {
		t.Errorf("confirmed = %d/%d, want 10/25", st.ConfirmedUpdates, st.ConfirmedEvents)
	}
	if st.PendingUpdates != 0 || st.PendingEvents != 0 {
		t.Errorf("pending = %d/%d, want 0/0", st.PendingUpdates, st.PendingEvents)
	}
	if !st.LastConfirmedBefore.Equal(before) {
		t.Errorf("marker = %v, want %v", st.LastConfirmedBefore, before)
	}
}

func TestVerifyAndConfirmFailureLeavesCursorUntouched(t *testing.T) {
	root := t.TempDir()
	v := NewVerifier(root, 10*time.Millisecond, 50*time.Millisecond, zap.NewNop())
	cur := newVerifyCursor(t)
	cur.RecordPending(10, 25)
	initialBefore := cur.ResumeBefore()

	// Flush claims to cut a file but never makes one durable.
	flush := func(ctx context.Context) (int, error) { return 1, nil }

	before := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	err := v.VerifyAndConfirm(context.Background(), cur, 10, 25, before, flush, nil)
	if !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("got %v, want ErrVerifyFailed", err)
	}

	st := cur.Snapshot()
	if st.ConfirmedUpdates != 0 || st.ConfirmedEvents != 0 {
		t.Errorf("confirmed moved to %d/%d on failed verify", st.ConfirmedUpdates, st.ConfirmedEvents)
	}
	if st.PendingUpdates != 10 || st.PendingEvents != 25 {
		t.Errorf("pending = %d/%d, want 10/25 still claimed", st.PendingUpdates, st.PendingEvents)
	}
	if !cur.ResumeBefore().Equal(initialBefore) {
		t.Errorf("resume marker moved on failed verify: %v", cur.ResumeBefore())
	}
}

func TestVerifyAndConfirmFlushErrorIsRetryable(t *testing.T) {
	v := NewVerifier(t.TempDir(), 10*time.Millisecond, time.Second, zap.NewNop())
	cur := newVerifyCursor(t)
	cur.RecordPending(4, 2)

	// A failed file cut requeues its rows, so the caller's retry loop
	// must see this as retryable, not fatal.
	flushErr := errors.New("write /data: no space left on device")
	flush := func(ctx context.Context) (int, error) { return 0, flushErr }

	err := v.VerifyAndConfirm(context.Background(), cur, 4, 2, time.Now(), flush, nil)
	if !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("got %v, want ErrVerifyFailed", err)
	}
	if !errors.Is(err, flushErr) {
		t.Errorf("underlying flush error lost from chain: %v", err)
	}

	st := cur.Snapshot()
	if st.PendingUpdates != 4 || st.PendingEvents != 2 {
		t.Errorf("pending = %d/%d, want 4/2 still claimed", st.PendingUpdates, st.PendingEvents)
	}
	if st.ConfirmedUpdates != 0 {
		t.Errorf("confirmed moved to %d on flush error", st.ConfirmedUpdates)
	}
}

func TestVerifyAndConfirmEmptyFlushWithPendingFails(t *testing.T) {
	v := NewVerifier(t.TempDir(), 10*time.Millisecond, time.Second, zap.NewNop())
	cur := newVerifyCursor(t)
	cur.RecordPending(5, 0)

	flush := func(ctx context.Context) (int, error) { return 0, nil }
	err := v.VerifyAndConfirm(context.Background(), cur, 5, 0, time.Now(), flush, nil)
	if !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("got %v, want ErrVerifyFailed", err)
	}
}

func TestVerifyAndConfirmNothingPendingStillMovesMarker(t *testing.T) {
	v := NewVerifier(t.TempDir(), 10*time.Millisecond, time.Second, zap.NewNop())
	cur := newVerifyCursor(t)

	before := time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC)
	flush := func(ctx context.Context) (int, error) {
		t.Fatal("flush called with nothing pending")
		return 0, nil
	}
	if err := v.VerifyAndConfirm(context.Background(), cur, 0, 0, before, flush, nil); err != nil {
		t.Fatalf("VerifyAndConfirm failed: %v", err)
	}
	if !cur.ResumeBefore().Equal(before) {
		t.Errorf("marker = %v, want %v", cur.ResumeBefore(), before)
	}
}
