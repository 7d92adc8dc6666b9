// Package ingest implements the resumable ingestion integrity pipeline:
// the backward time walk, dedup, empty-response stepping, batch
// accounting, and the session orchestrator that drives the cursor
// confirmation protocol.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub014/cursor"
	"github.com/bstolman1/amulet-scan-port-sub014/ledger"
	"github.com/bstolman1/amulet-scan-port-sub014/metrics"
	"github.com/bstolman1/amulet-scan-port-sub014/scan"
	"github.com/bstolman1/amulet-scan-port-sub014/storage"
)

// Fetcher is the scan API surface the session needs.
type Fetcher interface {
	FetchPage(ctx context.Context, before, atOrAfter time.Time, count int) (*scan.Page, error)
	FetchAfter(ctx context.Context, afterMigrationID int64, afterRecordTime time.Time, count int) (*scan.Page, error)
}

// DurableWriter is the buffered write path the session produces into.
type DurableWriter interface {
	Append(updates []ledger.Update) error
	Flush(ctx context.Context) (int, error)
	ShouldPauseWrites() bool
	DrainUploads(ctx context.Context) error
}

// Confirmer verifies durable growth and moves the cursor.
type Confirmer interface {
	VerifyAndConfirm(ctx context.Context, cur *cursor.IntegrityCursor, pendingUpdates, pendingEvents int64,
		before time.Time, flush storage.FlushFunc, wait storage.WaitFunc) error
}

// TierConfig is one yaml-configured empty-response tier.
type TierConfig struct {
	Threshold int   `yaml:"threshold"`
	StepMs    int64 `yaml:"step_ms"`
}

// Config holds session-level ingestion settings.
type Config struct {
	StepMs               int64        `yaml:"step_ms"`
	OverlapMs            int64        `yaml:"overlap_ms"`
	PageSize             int          `yaml:"page_size"`
	GapThresholdMs       int64        `yaml:"gap_threshold_ms"`
	ProgressIntervalSecs int          `yaml:"progress_interval_seconds"`
	LivePollSecs         int          `yaml:"live_poll_seconds"`
	VerifyRetryDelaySecs int          `yaml:"verify_retry_delay_seconds"`
	VerifyMaxAttempts    int          `yaml:"verify_max_attempts"`
	EmptyTiers           []TierConfig `yaml:"empty_tiers"`
}

// ApplyDefaults sets default values for ingestion config.
func (c *Config) ApplyDefaults() {
	if c.StepMs <= 0 {
		c.StepMs = int64(time.Hour / time.Millisecond)
	}
	if c.OverlapMs <= 0 {
		c.OverlapMs = 1000
	}
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	if c.GapThresholdMs <= 0 {
		c.GapThresholdMs = int64(time.Minute / time.Millisecond)
	}
	if c.ProgressIntervalSecs <= 0 {
		c.ProgressIntervalSecs = 30
	}
	if c.LivePollSecs <= 0 {
		c.LivePollSecs = 2
	}
	if c.VerifyRetryDelaySecs <= 0 {
		c.VerifyRetryDelaySecs = 5
	}
	if c.VerifyMaxAttempts <= 0 {
		c.VerifyMaxAttempts = 10
	}
}

// Tiers converts the configured tier table, falling back to defaults.
func (c *Config) Tiers() []EmptyTier {
	if len(c.EmptyTiers) == 0 {
		return DefaultEmptyTiers()
	}
	tiers := make([]EmptyTier, 0, len(c.EmptyTiers))
	for _, t := range c.EmptyTiers {
		tiers = append(tiers, EmptyTier{Threshold: t.Threshold, Step: time.Duration(t.StepMs) * time.Millisecond})
	}
	return tiers
}

// SessionSpec identifies one ingestion session and its time window.
// Shard below zero means unsharded.
type SessionSpec struct {
	MigrationID    int64     `yaml:"migration_id"`
	SynchronizerID string    `yaml:"synchronizer_id"`
	Shard          int       `yaml:"shard"`
	MinTime        time.Time `yaml:"min_time"`
	MaxTime        time.Time `yaml:"max_time"`
	Live           bool      `yaml:"live"`
}

// Label returns a compact session identifier for logs.
func (s SessionSpec) Label() string {
	if s.Shard < 0 {
		return fmt.Sprintf("m%d/%s", s.MigrationID, s.SynchronizerID)
	}
	return fmt.Sprintf("m%d/%s/s%d", s.MigrationID, s.SynchronizerID, s.Shard)
}

// Session drives a strictly sequential time walk for one
// (migration, synchronizer[, shard]). It owns every component instance
// including its writer pool; nothing mutable is shared across sessions
// but the scan client, so shard sessions can coexist in one process.
type Session struct {
	spec SessionSpec
	cfg  Config

	fetcher  Fetcher
	cur      *cursor.IntegrityCursor
	ranges   *TimeRangeManager
	dedup    *DedupTracker
	empty    *EmptyResponseHandler
	batches  *BatchIntegrityTracker
	writer   DurableWriter
	verifier Confirmer
	capture  *storage.Capture
	metrics  *metrics.Metrics
	logger   *zap.Logger

	cycles    int64
	startedAt time.Time
}

// SessionDeps bundles the collaborators a session needs.
type SessionDeps struct {
	Fetcher  Fetcher
	Writer   DurableWriter
	Verifier Confirmer
	Capture  *storage.Capture
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// NewSession builds a session, restoring its cursor and positioning the
// walk at the confirmed resume marker. Pending values are never resumed
// from; at-least-once across restarts, duplicates absorbed downstream.
func NewSession(spec SessionSpec, cfg Config, cursorDir string, deps SessionDeps) (*Session, error) {
	cfg.ApplyDefaults()
	if spec.SynchronizerID == "" {
		return nil, fmt.Errorf("session %s: synchronizer_id is required", spec.Label())
	}
	if !spec.MaxTime.After(spec.MinTime) {
		return nil, fmt.Errorf("session %s: max_time must be after min_time", spec.Label())
	}

	logger := deps.Logger.With(zap.String("session", spec.Label()))

	cur, err := cursor.New(cursorDir, spec.MigrationID, spec.SynchronizerID, spec.Shard, spec.MaxTime, logger)
	if err != nil {
		return nil, err
	}

	ranges, err := NewTimeRangeManager(spec.MinTime, spec.MaxTime, time.Duration(cfg.OverlapMs)*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", spec.Label(), err)
	}
	ranges.SetBefore(cur.ResumeBefore())

	return &Session{
		spec:     spec,
		cfg:      cfg,
		fetcher:  deps.Fetcher,
		cur:      cur,
		ranges:   ranges,
		dedup:    NewDedupTracker(),
		empty:    NewEmptyResponseHandler(cfg.Tiers()),
		batches:  NewBatchIntegrityTracker(),
		writer:   deps.Writer,
		verifier: deps.Verifier,
		capture:  deps.Capture,
		metrics:  deps.Metrics,
		logger:   logger,
	}, nil
}

// Cursor exposes the session's cursor for status surfaces.
func (s *Session) Cursor() *cursor.IntegrityCursor { return s.cur }

// Progress reports the walked fraction of the session window.
func (s *Session) Progress() float64 { return s.ranges.Progress() }

// Run executes the backfill walk and, when configured, the live follow
// loop afterward.
func (s *Session) Run(ctx context.Context) error {
	s.startedAt = time.Now()

	snap := s.cur.Snapshot()
	if !snap.Complete {
		if err := s.backfill(ctx); err != nil {
			return err
		}
	} else {
		s.logger.Info("backfill already complete, skipping walk")
	}

	if s.spec.Live {
		return s.follow(ctx)
	}
	return nil
}

// backfill walks the session window backward until the pointer reaches
// the lower bound, confirming every batch before advancing.
func (s *Session) backfill(ctx context.Context) error {
	step := time.Duration(s.cfg.StepMs) * time.Millisecond
	lastProgress := time.Now()
	var confirmedAtLastProgress int64
	base := s.cur.Snapshot()

	s.logger.Info("starting backfill",
		zap.Time("min_time", s.ranges.MinTime()),
		zap.Time("max_time", s.ranges.MaxTime()),
		zap.Time("resume_before", s.ranges.Before()),
		zap.Duration("step", step),
	)

	for !s.ranges.Done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r := s.ranges.NextRange(step)

		fetchStart := time.Now()
		page, err := s.fetcher.FetchPage(ctx, r.Before, r.AtOrAfter, s.cfg.PageSize)
		if s.metrics.Enabled() {
			s.metrics.FetchDuration.Observe(time.Since(fetchStart).Seconds())
		}

		var bounds *scan.BoundsError
		if errors.As(err, &bounds) {
			s.logger.Info("walk pointer out of bounds, snapping to valid bound",
				zap.Time("requested_before", r.Before),
				zap.Time("valid_bound", bounds.ValidBound),
			)
			if s.metrics.Enabled() {
				s.metrics.BoundsSnaps.WithLabelValues(s.labels()...).Inc()
			}
			s.ranges.SetBefore(bounds.ValidBound)
			continue
		}
		if err != nil {
			return fmt.Errorf("session %s: fetch failed fatally: %w", s.spec.Label(), err)
		}

		if len(page.Updates) == 0 {
			if s.metrics.Enabled() {
				s.metrics.EmptyResponses.WithLabelValues(s.labels()...).Inc()
			}
			// Stepped-over spans were confirmed empty, so they count as
			// covered for gap auditing.
			res := s.empty.HandleEmpty(s.ranges.Before(), s.ranges.MinTime())
			if res.Done {
				s.ranges.Advance(s.ranges.MinTime())
				break
			}
			s.ranges.Advance(res.NewBefore)
			continue
		}

		if streak := s.empty.ResetOnData(); streak > 0 {
			s.logger.Debug("empty streak ended", zap.Int("streak", streak))
		}

		if s.capture != nil {
			if _, err := s.capture.StorePage(s.spec.MigrationID, page.FetchedAt, page.Raw); err != nil {
				s.logger.Warn("raw page capture failed", zap.Error(err))
			}
		}

		// Advance target: the oldest timestamp in the whole page, dup or
		// not. Bounds what a single confirmed step can skip, and keeps the
		// walk moving when an overlap window returns only duplicates.
		oldest, _ := ledger.OldestRecordTime(page.Updates)

		unique := s.dedup.Deduplicate(page.Updates)
		if len(unique) == 0 {
			s.ranges.Advance(oldest)
			continue
		}

		events := ledger.CountEvents(unique)
		s.cur.RecordPending(int64(len(unique)), events)
		s.publishPending()

		if s.writer.ShouldPauseWrites() {
			if err := s.writer.DrainUploads(ctx); err != nil {
				return err
			}
		}
		if err := s.writer.Append(unique); err != nil {
			return fmt.Errorf("session %s: append failed: %w", s.spec.Label(), err)
		}

		if err := s.confirmPending(ctx, oldest); err != nil {
			return err
		}

		s.ranges.Advance(oldest)
		stats := s.dedup.Reset()
		s.cycles++
		s.batches.RecordBatch(fmt.Sprintf("%s-c%d", s.spec.Label(), s.cycles), int64(len(unique)), events, r)

		if s.metrics.Enabled() {
			labels := s.labels()
			s.metrics.UpdatesIngested.WithLabelValues(labels...).Add(float64(len(unique)))
			s.metrics.EventsIngested.WithLabelValues(labels...).Add(float64(events))
			s.metrics.DuplicatesTotal.WithLabelValues(labels...).Add(float64(stats.Duplicates))
			s.metrics.Progress.WithLabelValues(labels...).Set(s.ranges.Progress())
			s.metrics.WalkPointer.WithLabelValues(labels...).Set(float64(s.ranges.Before().Unix()))
		}
		s.publishPending()

		if interval := time.Duration(s.cfg.ProgressIntervalSecs) * time.Second; time.Since(lastProgress) >= interval {
			confirmedAtLastProgress = s.logProgress(lastProgress, confirmedAtLastProgress)
			lastProgress = time.Now()
		}
	}

	if err := s.cur.MarkComplete(); err != nil {
		// Nonzero pending here is an ordering bug, not a data condition.
		return fmt.Errorf("session %s: %w", s.spec.Label(), err)
	}

	if gaps := s.ranges.DetectGaps(time.Duration(s.cfg.GapThresholdMs) * time.Millisecond); len(gaps) > 0 {
		for _, g := range gaps {
			s.logger.Warn("uncovered interval in processed log",
				zap.Time("from", g.From),
				zap.Time("to", g.To),
				zap.Duration("span", g.Span()),
			)
		}
	}

	snap := s.cur.Snapshot()

	// Reconcile batch accounting against what the cursor confirmed during
	// this run. Drift is an alerting signal, not a gate.
	updateDrift, eventDrift := s.batches.Verify(snap.ConfirmedUpdates-base.ConfirmedUpdates, snap.ConfirmedEvents-base.ConfirmedEvents)
	if updateDrift != 0 || eventDrift != 0 {
		s.logger.Warn("batch accounting drift",
			zap.Int64("update_drift", updateDrift),
			zap.Int64("event_drift", eventDrift),
			zap.Int("batches", s.batches.BatchCount()),
		)
	}

	s.logger.Info("backfill complete",
		zap.Int64("confirmed_updates", snap.ConfirmedUpdates),
		zap.Int64("confirmed_events", snap.ConfirmedEvents),
		zap.Int64("cycles", s.cycles),
		zap.Duration("elapsed", time.Since(s.startedAt)),
	)
	return nil
}

// confirmPending flushes and verifies until the claimed records are
// durable. Verification failure preserves pending counts and retries
// after a delay; it is never silently dropped and never advances the
// cursor. Retries are bounded: sustained verification failure escalates
// to a fatal session error, as do cursor persist failures.
func (s *Session) confirmPending(ctx context.Context, before time.Time) error {
	delay := time.Duration(s.cfg.VerifyRetryDelaySecs) * time.Second

	flush := storage.FlushFunc(s.writer.Flush)
	if s.metrics.Enabled() {
		flush = func(ctx context.Context) (int, error) {
			start := time.Now()
			n, err := s.writer.Flush(ctx)
			s.metrics.FlushDuration.Observe(time.Since(start).Seconds())
			return n, err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.VerifyMaxAttempts; attempt++ {
		snap := s.cur.Snapshot()
		verifyStart := time.Now()
		err := s.verifier.VerifyAndConfirm(ctx, s.cur, snap.PendingUpdates, snap.PendingEvents, before, flush, nil)
		if s.metrics.Enabled() {
			s.metrics.VerifyDuration.Observe(time.Since(verifyStart).Seconds())
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrVerifyFailed) {
			return fmt.Errorf("session %s: confirm failed fatally: %w", s.spec.Label(), err)
		}
		lastErr = err

		if s.metrics.Enabled() {
			s.metrics.VerifyFailures.WithLabelValues(s.labels()...).Inc()
		}
		s.logger.Warn("write verification failed, pending preserved for retry",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.cfg.VerifyMaxAttempts),
			zap.Int64("pending_updates", snap.PendingUpdates),
			zap.Int64("pending_events", snap.PendingEvents),
			zap.Error(err),
		)
		if attempt == s.cfg.VerifyMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("session %s: verification failed after %d attempts: %w", s.spec.Label(), s.cfg.VerifyMaxAttempts, lastErr)
}

// follow polls the marker-based endpoint for live records after backfill.
func (s *Session) follow(ctx context.Context) error {
	poll := time.Duration(s.cfg.LivePollSecs) * time.Second
	markerMigration := s.spec.MigrationID
	markerTime := s.spec.MaxTime

	s.logger.Info("entering live follow",
		zap.Int64("after_migration_id", markerMigration),
		zap.Time("after_record_time", markerTime),
		zap.Duration("poll_interval", poll),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		page, err := s.fetcher.FetchAfter(ctx, markerMigration, markerTime, s.cfg.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("session %s: live fetch failed fatally: %w", s.spec.Label(), err)
		}

		if len(page.Updates) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(poll):
			}
			continue
		}

		if s.capture != nil {
			if _, err := s.capture.StorePage(markerMigration, page.FetchedAt, page.Raw); err != nil {
				s.logger.Warn("raw page capture failed", zap.Error(err))
			}
		}

		unique := s.dedup.Deduplicate(page.Updates)
		markerMigration, markerTime = liveMarker(page.Updates, markerMigration, markerTime)

		if len(unique) == 0 {
			continue
		}

		events := ledger.CountEvents(unique)
		s.cur.RecordPending(int64(len(unique)), events)

		if s.writer.ShouldPauseWrites() {
			if err := s.writer.DrainUploads(ctx); err != nil {
				return err
			}
		}
		if err := s.writer.Append(unique); err != nil {
			return fmt.Errorf("session %s: append failed: %w", s.spec.Label(), err)
		}

		// The resume marker belongs to the backward walk; confirming at
		// the current marker leaves it untouched in live mode.
		if err := s.confirmPending(ctx, s.cur.ResumeBefore()); err != nil {
			return err
		}
		s.dedup.Reset()

		if s.metrics.Enabled() {
			labels := s.labels()
			s.metrics.UpdatesIngested.WithLabelValues(labels...).Add(float64(len(unique)))
			s.metrics.EventsIngested.WithLabelValues(labels...).Add(float64(events))
		}

		if len(page.Updates) < s.cfg.PageSize {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(poll):
			}
		}
	}
}

// liveMarker computes the next (migration, record time) marker from a
// page, never moving backward.
func liveMarker(updates []ledger.Update, curMigration int64, curTime time.Time) (int64, time.Time) {
	for _, u := range updates {
		if u.MigrationID > curMigration || (u.MigrationID == curMigration && u.RecordTime.After(curTime)) {
			curMigration = u.MigrationID
			curTime = u.RecordTime
		}
	}
	return curMigration, curTime
}

func (s *Session) publishPending() {
	if !s.metrics.Enabled() {
		return
	}
	snap := s.cur.Snapshot()
	labels := s.labels()
	s.metrics.PendingUpdates.WithLabelValues(labels...).Set(float64(snap.PendingUpdates))
	s.metrics.PendingEvents.WithLabelValues(labels...).Set(float64(snap.PendingEvents))
}

// labels returns the session's metric label values. The shard index is
// part of the set so concurrent shards of one (migration, synchronizer)
// pair never clobber each other's gauges.
func (s *Session) labels() []string {
	return []string{
		strconv.FormatInt(s.spec.MigrationID, 10),
		s.spec.SynchronizerID,
		strconv.Itoa(s.spec.Shard),
	}
}

// logProgress emits the periodic operator progress line and returns the
// confirmed count at this checkpoint.
func (s *Session) logProgress(since time.Time, confirmedBefore int64) int64 {
	snap := s.cur.Snapshot()
	progress := s.ranges.Progress()

	rate := float64(snap.ConfirmedUpdates-confirmedBefore) / time.Since(since).Seconds()

	var eta time.Duration
	if progress > 0 {
		elapsed := time.Since(s.startedAt)
		eta = time.Duration(float64(elapsed) * (1 - progress) / progress)
	}

	s.logger.Info("backfill progress",
		zap.Float64("progress", progress),
		zap.Int64("confirmed_updates", snap.ConfirmedUpdates),
		zap.Int64("confirmed_events", snap.ConfirmedEvents),
		zap.Float64("updates_per_sec", rate),
		zap.Duration("eta", eta),
		zap.Time("walk_pointer", s.ranges.Before()),
	)
	return snap.ConfirmedUpdates
}
