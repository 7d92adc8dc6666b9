// Package cursor persists confirmed-vs-pending ingestion progress.
// One cursor file exists per (migration, synchronizer[, shard]); it is the
// only record authorized to move the resumable marker, and it is written
// atomically so a crash can never leave a corrupt resume point.
package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrIncompletePending is returned by MarkComplete while unverified work
// remains. It indicates an ordering bug in the caller, not a data
// condition, and must be treated as fatal.
var ErrIncompletePending = errors.New("cursor: pending records not yet confirmed")

// State is the persisted cursor content. Confirmed counters are durable
// truth and monotonically non-decreasing; pending counters are claimed but
// unverified. LastConfirmedBefore only moves backward in time (the walk
// direction) and only via a confirmed write.
type State struct {
	MigrationID    int64  `json:"migration_id"`
	SynchronizerID string `json:"synchronizer_id"`
	ShardIndex     int    `json:"shard_index"`

	ConfirmedUpdates int64 `json:"confirmed_updates"`
	ConfirmedEvents  int64 `json:"confirmed_events"`
	PendingUpdates   int64 `json:"pending_updates"`
	PendingEvents    int64 `json:"pending_events"`

	LastConfirmedBefore time.Time `json:"last_confirmed_before"`
	Complete            bool      `json:"complete"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IntegrityCursor is the state machine recording confirmed-vs-pending
// progress for one session.
type IntegrityCursor struct {
	mu     sync.Mutex
	path   string
	state  State
	logger *zap.Logger
}

// timeNow is a variable to allow mocking in tests.
var timeNow = time.Now

// Filename returns the cursor file name for a session identity. A shard
// index below zero means the session is unsharded.
func Filename(migrationID int64, synchronizerID string, shard int) string {
	if shard < 0 {
		return fmt.Sprintf("cursor-m%d-%s.json", migrationID, sanitize(synchronizerID))
	}
	return fmt.Sprintf("cursor-m%d-%s-s%d.json", migrationID, sanitize(synchronizerID), shard)
}

// New opens the cursor for a session, restoring persisted state when a
// file exists. initialBefore seeds the resume marker on first run; the
// walk starts at the top of the session's window.
func New(dir string, migrationID int64, synchronizerID string, shard int, initialBefore time.Time, logger *zap.Logger) (*IntegrityCursor, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cursor directory: %w", err)
	}

	c := &IntegrityCursor{
		path:   filepath.Join(dir, Filename(migrationID, synchronizerID, shard)),
		logger: logger,
		state: State{
			MigrationID:         migrationID,
			SynchronizerID:      synchronizerID,
			ShardIndex:          shard,
			LastConfirmedBefore: initialBefore.UTC(),
			CreatedAt:           timeNow().UTC(),
		},
	}

	loaded, err := c.load()
	if err != nil {
		return nil, err
	}
	if loaded {
		if c.state.MigrationID != migrationID || c.state.SynchronizerID != synchronizerID {
			return nil, fmt.Errorf("cursor file %s belongs to migration=%d synchronizer=%s, want migration=%d synchronizer=%s",
				c.path, c.state.MigrationID, c.state.SynchronizerID, migrationID, synchronizerID)
		}
		logger.Info("restored cursor",
			zap.String("path", c.path),
			zap.Int64("confirmed_updates", c.state.ConfirmedUpdates),
			zap.Int64("pending_updates", c.state.PendingUpdates),
			zap.Time("last_confirmed_before", c.state.LastConfirmedBefore),
		)
	}
	return c, nil
}

// load restores state from disk. Returns false when no file exists yet.
func (c *IntegrityCursor) load() (bool, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cursor file: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return false, fmt.Errorf("failed to parse cursor file %s: %w", c.path, err)
	}
	c.state = st
	return true, nil
}

// RecordPending claims fetched-but-unwritten records. Purely in-memory:
// a crash here re-fetches the same window on restart.
func (c *IntegrityCursor) RecordPending(updates, events int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.PendingUpdates += updates
	c.state.PendingEvents += events
}

// ConfirmWrite is the only mutator of the confirmed counters and the
// resume marker. It moves written counts from pending to confirmed and
// synchronously persists the new state before returning, so a crash after
// this call leaves durable state consistent with what was actually
// written. The marker never moves up; confirming at a later timestamp
// than the current marker leaves the marker untouched.
func (c *IntegrityCursor) ConfirmWrite(writtenUpdates, writtenEvents int64, before time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if writtenUpdates > c.state.PendingUpdates || writtenEvents > c.state.PendingEvents {
		return fmt.Errorf("cursor: confirming %d/%d records with only %d/%d pending",
			writtenUpdates, writtenEvents, c.state.PendingUpdates, c.state.PendingEvents)
	}

	prev := c.state

	c.state.ConfirmedUpdates += writtenUpdates
	c.state.ConfirmedEvents += writtenEvents
	c.state.PendingUpdates -= writtenUpdates
	c.state.PendingEvents -= writtenEvents
	before = before.UTC()
	if before.Before(c.state.LastConfirmedBefore) {
		c.state.LastConfirmedBefore = before
	}
	c.state.UpdatedAt = timeNow().UTC()

	if err := c.persist(); err != nil {
		c.state = prev
		return fmt.Errorf("failed to persist cursor: %w", err)
	}
	return nil
}

// MarkComplete marks the session finished. It hard-fails while either
// pending counter is nonzero and leaves persisted state unchanged.
func (c *IntegrityCursor) MarkComplete() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.PendingUpdates != 0 || c.state.PendingEvents != 0 {
		return fmt.Errorf("%w: %d updates, %d events", ErrIncompletePending,
			c.state.PendingUpdates, c.state.PendingEvents)
	}

	prev := c.state
	c.state.Complete = true
	c.state.UpdatedAt = timeNow().UTC()
	if err := c.persist(); err != nil {
		c.state = prev
		return fmt.Errorf("failed to persist cursor: %w", err)
	}
	return nil
}

// ResumeBefore returns the durable resume marker. Resuming always starts
// here, never from a pending value, giving at-least-once semantics across
// restarts.
func (c *IntegrityCursor) ResumeBefore() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.LastConfirmedBefore
}

// Snapshot returns a copy of the current state.
func (c *IntegrityCursor) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Path returns the cursor file location.
func (c *IntegrityCursor) Path() string { return c.path }

// persist writes the state atomically: temp file first, then rename, so a
// crash mid-write cannot corrupt the resume file. Must be called with mu
// held.
func (c *IntegrityCursor) persist() error {
	data, err := json.MarshalIndent(&c.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp cursor: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename cursor: %w", err)
	}
	return nil
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
