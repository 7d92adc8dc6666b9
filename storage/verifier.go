package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub014/cursor"
)

// ErrVerifyFailed signals that the durable file count did not grow as
// expected after a flush. It is retryable: pending counts stay claimed
// and the next cycle flushes and verifies again.
var ErrVerifyFailed = errors.New("storage: durable file count did not grow as expected")

// FlushFunc forces the writer to emit buffered records and returns the
// number of files cut.
type FlushFunc func(ctx context.Context) (int, error)

// WaitFunc blocks until the partition root holds baseline+expected files
// or a deadline passes.
type WaitFunc func(ctx context.Context, baseline, expected int) error

// Verifier confirms, independently of the writer's internal state, that
// records actually reached durable storage. The writer's per-job futures
// are the primary acknowledgment; the file count here is a coarse,
// process-independent, crash-safe backstop.
type Verifier struct {
	root         string
	pollInterval time.Duration
	waitTimeout  time.Duration
	logger       *zap.Logger
}

// NewVerifier creates a verifier over the partition root.
func NewVerifier(root string, pollInterval, waitTimeout time.Duration, logger *zap.Logger) *Verifier {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	if waitTimeout <= 0 {
		waitTimeout = 30 * time.Second
	}
	return &Verifier{root: root, pollInterval: pollInterval, waitTimeout: waitTimeout, logger: logger}
}

// CountFiles scans the partition root for completed files of the known
// type prefixes. Temp files still being written are excluded.
func (v *Verifier) CountFiles() (int, error) {
	count := 0
	err := filepath.WalkDir(v.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".parquet") {
			return nil
		}
		if strings.HasPrefix(name, FileTypeUpdates+"-") || strings.HasPrefix(name, FileTypeEvents+"-") {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan partition root: %w", err)
	}
	return count, nil
}

// WaitForWrites polls the file count until it grows by expected over
// baseline or the timeout elapses.
func (v *Verifier) WaitForWrites(ctx context.Context, baseline, expected int) error {
	deadline := time.Now().Add(v.waitTimeout)
	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()

	for {
		count, err := v.CountFiles()
		if err != nil {
			return err
		}
		if count >= baseline+expected {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: have %d files, want %d", ErrVerifyFailed, count, baseline+expected)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// VerifyAndConfirm flushes the writer, waits for the expected durable
// growth, re-counts, and only then moves the cursor's pending counts to
// confirmed. On any failure the cursor is left untouched and the caller
// retries next cycle; pending counts are never silently dropped.
func (v *Verifier) VerifyAndConfirm(
	ctx context.Context,
	cur *cursor.IntegrityCursor,
	pendingUpdates, pendingEvents int64,
	before time.Time,
	flush FlushFunc,
	wait WaitFunc,
) error {
	if pendingUpdates == 0 && pendingEvents == 0 {
		return cur.ConfirmWrite(0, 0, before)
	}

	baseline, err := v.CountFiles()
	if err != nil {
		return err
	}

	cut, err := flush(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A failed file cut requeues its rows into the writer's buffers,
		// so the next flush retries them. Retryable, not fatal.
		return fmt.Errorf("%w: flush failed: %w", ErrVerifyFailed, err)
	}
	if cut == 0 {
		return fmt.Errorf("%w: flush emitted no files with %d updates pending", ErrVerifyFailed, pendingUpdates)
	}

	if wait == nil {
		wait = v.WaitForWrites
	}
	if err := wait(ctx, baseline, cut); err != nil {
		return err
	}

	count, err := v.CountFiles()
	if err != nil {
		return err
	}
	if count < baseline+cut {
		return fmt.Errorf("%w: have %d files, want %d", ErrVerifyFailed, count, baseline+cut)
	}

	v.logger.Debug("write verified",
		zap.Int("baseline_files", baseline),
		zap.Int("new_files", count-baseline),
		zap.Int64("updates", pendingUpdates),
		zap.Int64("events", pendingEvents),
	)
	return cur.ConfirmWrite(pendingUpdates, pendingEvents, before)
}
