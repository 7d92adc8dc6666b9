// Package storage writes validated ledger records into an immutable,
// compressed, date-partitioned parquet tree and verifies that writes
// actually reached disk before the cursor confirms them.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go/compress"
	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub014/ledger"
)

// File type prefixes in the partition tree. The verifier counts files by
// these prefixes, so they are part of the durable contract.
const (
	FileTypeUpdates = "updates"
	FileTypeEvents  = "events"
)

// Config holds durable writer settings.
type Config struct {
	Root          string `yaml:"root"`
	Compression   string `yaml:"compression"`     // zstd (default), snappy, uncompressed
	Workers       int    `yaml:"workers"`         // fixed pool size
	HighWatermark int    `yaml:"high_watermark"`  // pause producers at this many outstanding jobs
	LowWatermark  int    `yaml:"low_watermark"`   // resume below this
	MaxBufferRows int    `yaml:"max_buffer_rows"` // cut a file early past this many buffered rows
	DrainPollMs   int    `yaml:"drain_poll_ms"`
}

// ApplyDefaults sets default values for writer config.
func (c *Config) ApplyDefaults() {
	if c.Compression == "" {
		c.Compression = "zstd"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = 32
	}
	if c.LowWatermark <= 0 {
		c.LowWatermark = c.HighWatermark / 2
	}
	if c.MaxBufferRows <= 0 {
		c.MaxBufferRows = 50000
	}
	if c.DrainPollMs <= 0 {
		c.DrainPollMs = 25
	}
}

// Validate checks the writer config.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("storage root is required")
	}
	if c.LowWatermark >= c.HighWatermark {
		return fmt.Errorf("low watermark %d must be below high watermark %d", c.LowWatermark, c.HighWatermark)
	}
	if _, err := codecFor(c.Compression); err != nil {
		return err
	}
	return nil
}

// partitionKey addresses one buffer: file type, migration, UTC date.
type partitionKey struct {
	fileType    string
	migrationID int64
	year        int
	month       time.Month
	day         int
}

// job is one file cut handed to the worker pool. The result channel is
// the per-job future resolved on completion. requeue puts the job's rows
// back into their buffer on failure so a later flush can retry them;
// claimed records must never be dropped before confirmation.
type job struct {
	path    string
	rows    int
	build   func(f *os.File) error
	requeue func()
	result  chan error
}

// Writer encodes, compresses, and partitions records to disk via a fixed
// pool of long-lived workers addressed over a channel. Backpressure is
// the only flow control between producer and sink: producers must check
// ShouldPauseWrites before buffering more and await DrainUploads while
// paused.
type Writer struct {
	cfg    Config
	codec  compress.Codec
	logger *zap.Logger

	jobs chan job
	wg   sync.WaitGroup

	// outstanding counts queued plus in-flight jobs
	outstanding atomic.Int64

	mu         sync.Mutex
	updateBufs map[partitionKey][]UpdateRow
	eventBufs  map[partitionKey][]EventRow
	closed     bool

	filesWritten atomic.Int64
	bytesWritten atomic.Int64
	rowsWritten  atomic.Int64
}

// NewWriter creates the writer and starts its worker pool.
func NewWriter(cfg Config, logger *zap.Logger) (*Writer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := codecFor(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	w := &Writer{
		cfg:        cfg,
		codec:      codec,
		logger:     logger,
		jobs:       make(chan job, cfg.HighWatermark),
		updateBufs: make(map[partitionKey][]UpdateRow),
		eventBufs:  make(map[partitionKey][]EventRow),
	}

	for i := 0; i < cfg.Workers; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}

	logger.Info("durable writer started",
		zap.String("root", cfg.Root),
		zap.String("compression", cfg.Compression),
		zap.Int("workers", cfg.Workers),
		zap.Int("high_watermark", cfg.HighWatermark),
		zap.Int("low_watermark", cfg.LowWatermark),
	)
	return w, nil
}

// Append buffers updates and their nested events into per-partition
// buffers, cutting files early when a buffer exceeds the row threshold.
func (w *Writer) Append(updates []ledger.Update) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("writer is shut down")
	}

	var cut []job
	for _, u := range updates {
		t := u.RecordTime.UTC()
		uk := partitionKey{FileTypeUpdates, u.MigrationID, t.Year(), t.Month(), t.Day()}
		w.updateBufs[uk] = append(w.updateBufs[uk], toUpdateRow(u))
		if len(w.updateBufs[uk]) >= w.cfg.MaxBufferRows {
			cut = append(cut, w.cutUpdatesLocked(uk))
		}

		if rows := toEventRows(u); len(rows) > 0 {
			ek := partitionKey{FileTypeEvents, u.MigrationID, t.Year(), t.Month(), t.Day()}
			w.eventBufs[ek] = append(w.eventBufs[ek], rows...)
			if len(w.eventBufs[ek]) >= w.cfg.MaxBufferRows {
				cut = append(cut, w.cutEventsLocked(ek))
			}
		}
	}

	for _, j := range cut {
		w.submit(j)
	}
	return nil
}

// Flush forces emission of all buffered records and waits for the cut
// files to reach disk. It returns the number of files written. Used by
// the verifier before re-counting durable files.
func (w *Writer) Flush(ctx context.Context) (int, error) {
	w.mu.Lock()
	var cut []job
	for k := range w.updateBufs {
		cut = append(cut, w.cutUpdatesLocked(k))
	}
	for k := range w.eventBufs {
		cut = append(cut, w.cutEventsLocked(k))
	}
	w.mu.Unlock()

	for _, j := range cut {
		w.submit(j)
	}

	// Await every per-job future; any failure fails the flush.
	var firstErr error
	for _, j := range cut {
		select {
		case err := <-j.result:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if firstErr != nil {
		return 0, firstErr
	}
	return len(cut), nil
}

// ShouldPauseWrites reports whether outstanding unflushed work exceeds the
// high watermark.
func (w *Writer) ShouldPauseWrites() bool {
	return w.outstanding.Load() >= int64(w.cfg.HighWatermark)
}

// DrainUploads blocks until outstanding work falls to the low watermark.
func (w *Writer) DrainUploads(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(w.cfg.DrainPollMs) * time.Millisecond)
	defer ticker.Stop()

	for w.outstanding.Load() > int64(w.cfg.LowWatermark) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// OutstandingJobs returns the queued-plus-running job count.
func (w *Writer) OutstandingJobs() int64 { return w.outstanding.Load() }

// Stats returns cumulative files, bytes, and rows written.
func (w *Writer) Stats() (files, bytes, rows int64) {
	return w.filesWritten.Load(), w.bytesWritten.Load(), w.rowsWritten.Load()
}

// Shutdown flushes remaining buffers, then drains and terminates the
// worker pool.
func (w *Writer) Shutdown(ctx context.Context) error {
	if _, err := w.Flush(ctx); err != nil {
		return err
	}

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	close(w.jobs)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("durable writer stopped",
			zap.Int64("files_written", w.filesWritten.Load()),
			zap.Int64("rows_written", w.rowsWritten.Load()),
		)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cutUpdatesLocked converts one update buffer into a file job. Caller
// holds mu.
func (w *Writer) cutUpdatesLocked(k partitionKey) job {
	rows := w.updateBufs[k]
	delete(w.updateBufs, k)
	return job{
		path:   w.partitionFilePath(k),
		rows:   len(rows),
		result: make(chan error, 1),
		build: func(f *os.File) error {
			return writeParquet(f, rows, w.codec)
		},
		requeue: func() {
			w.mu.Lock()
			w.updateBufs[k] = append(w.updateBufs[k], rows...)
			w.mu.Unlock()
		},
	}
}

func (w *Writer) cutEventsLocked(k partitionKey) job {
	rows := w.eventBufs[k]
	delete(w.eventBufs, k)
	return job{
		path:   w.partitionFilePath(k),
		rows:   len(rows),
		result: make(chan error, 1),
		build: func(f *os.File) error {
			return writeParquet(f, rows, w.codec)
		},
		requeue: func() {
			w.mu.Lock()
			w.eventBufs[k] = append(w.eventBufs[k], rows...)
			w.mu.Unlock()
		},
	}
}

func (w *Writer) submit(j job) {
	w.outstanding.Add(1)
	w.jobs <- j
}

// worker is one long-lived pool member. Spawning per job would not bound
// thread-creation overhead under high file throughput; the pool does.
func (w *Writer) worker(id int) {
	defer w.wg.Done()
	for j := range w.jobs {
		err := w.writeFile(j)
		if err != nil {
			w.logger.Error("file write failed, rows returned to buffer",
				zap.Int("worker", id),
				zap.String("path", j.path),
				zap.Error(err),
			)
			j.requeue()
		}
		j.result <- err
		w.outstanding.Add(-1)
	}
}

// writeFile writes one partition file via temp-then-rename so partially
// written files are never visible under their final name.
func (w *Writer) writeFile(j job) error {
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("failed to create partition directory: %w", err)
	}

	tmp := j.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if err := j.build(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	info, statErr := f.Stat()
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}

	w.filesWritten.Add(1)
	w.rowsWritten.Add(int64(j.rows))
	if statErr == nil {
		w.bytesWritten.Add(info.Size())
	}
	return nil
}

// partitionFilePath builds
// root/migration=<id>/year=YYYY/month=MM/day=DD/<type>-<epochMs>-<rand>.parquet.
// The millisecond timestamp plus random suffix is never reused, so
// concurrent shard sessions can share a date partition safely.
func (w *Writer) partitionFilePath(k partitionKey) string {
	dir := filepath.Join(
		w.cfg.Root,
		fmt.Sprintf("migration=%d", k.migrationID),
		fmt.Sprintf("year=%04d", k.year),
		fmt.Sprintf("month=%02d", int(k.month)),
		fmt.Sprintf("day=%02d", k.day),
	)
	name := fmt.Sprintf("%s-%d-%s.parquet", k.fileType, time.Now().UTC().UnixMilli(), uuid.NewString()[:8])
	return filepath.Join(dir, name)
}
