// Package ledger defines the validated domain types for scan ingestion.
// The remote API returns loosely-typed JSON; everything past the ingestion
// boundary operates only on the tagged Update variant defined here.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// UpdateKind tags the two update variants the ledger emits.
type UpdateKind string

const (
	UpdateKindTransaction  UpdateKind = "transaction"
	UpdateKindReassignment UpdateKind = "reassignment"
)

// EventKind identifies the sub-record types nested in a transaction.
type EventKind string

const (
	EventKindCreated   EventKind = "created"
	EventKindArchived  EventKind = "archived"
	EventKindExercised EventKind = "exercised"
)

// Event is a sub-record nested within a transaction update.
type Event struct {
	EventID    string    `json:"event_id"`
	Kind       EventKind `json:"kind"`
	ContractID string    `json:"contract_id"`
	TemplateID string    `json:"template_id"`
}

// Update is the ingestion unit: a transaction or a reassignment.
// UpdateID is globally unique and serves as the dedup key; records that
// arrive without one are passed through unfiltered and rely on idempotent
// storage keys downstream.
type Update struct {
	UpdateID       string     `json:"update_id"`
	Kind           UpdateKind `json:"kind"`
	MigrationID    int64      `json:"migration_id"`
	SynchronizerID string     `json:"synchronizer_id"`
	RecordTime     time.Time  `json:"record_time"`
	Offset         string     `json:"offset"`
	WorkflowID     string     `json:"workflow_id"`
	Events         []Event    `json:"events,omitempty"`

	// Raw keeps the original API payload for the capture archive.
	Raw json.RawMessage `json:"-"`
}

// EventCount returns the number of nested events.
func (u *Update) EventCount() int {
	return len(u.Events)
}

// CountEvents totals the nested events across a batch of updates.
func CountEvents(updates []Update) int64 {
	var n int64
	for i := range updates {
		n += int64(len(updates[i].Events))
	}
	return n
}

// OldestRecordTime returns the smallest record time in the batch.
// The second return is false for an empty batch.
func OldestRecordTime(updates []Update) (time.Time, bool) {
	if len(updates) == 0 {
		return time.Time{}, false
	}
	oldest := updates[0].RecordTime
	for i := 1; i < len(updates); i++ {
		if updates[i].RecordTime.Before(oldest) {
			oldest = updates[i].RecordTime
		}
	}
	return oldest, true
}

// NewestRecordTime returns the largest record time in the batch.
func NewestRecordTime(updates []Update) (time.Time, bool) {
	if len(updates) == 0 {
		return time.Time{}, false
	}
	newest := updates[0].RecordTime
	for i := 1; i < len(updates); i++ {
		if updates[i].RecordTime.After(newest) {
			newest = updates[i].RecordTime
		}
	}
	return newest, true
}

// apiUpdate mirrors the wire shape of one item in a scan API page.
// Exactly one of Transaction or Reassignment is set.
type apiUpdate struct {
	UpdateID       string          `json:"update_id"`
	MigrationID    int64           `json:"migration_id"`
	SynchronizerID string          `json:"synchronizer_id"`
	RecordTime     string          `json:"record_time"`
	Offset         string          `json:"offset"`
	WorkflowID     string          `json:"workflow_id"`
	Transaction    *apiTransaction `json:"transaction,omitempty"`
	Reassignment   json.RawMessage `json:"reassignment,omitempty"`
}

type apiTransaction struct {
	EventsByID map[string]apiEvent `json:"events_by_id"`
}

type apiEvent struct {
	Kind       string `json:"event_type"`
	ContractID string `json:"contract_id"`
	TemplateID string `json:"template_id"`
}

// DecodeUpdate converts one raw API item into a validated Update.
func DecodeUpdate(raw json.RawMessage) (Update, error) {
	var a apiUpdate
	if err := json.Unmarshal(raw, &a); err != nil {
		return Update{}, fmt.Errorf("failed to parse update: %w", err)
	}

	u := Update{
		UpdateID:       a.UpdateID,
		MigrationID:    a.MigrationID,
		SynchronizerID: a.SynchronizerID,
		Offset:         a.Offset,
		WorkflowID:     a.WorkflowID,
		Raw:            raw,
	}

	if a.RecordTime != "" {
		t, err := time.Parse(time.RFC3339Nano, a.RecordTime)
		if err != nil {
			return Update{}, fmt.Errorf("invalid record_time %q for update %s: %w", a.RecordTime, a.UpdateID, err)
		}
		u.RecordTime = t.UTC()
	}

	switch {
	case a.Transaction != nil:
		u.Kind = UpdateKindTransaction
		u.Events = make([]Event, 0, len(a.Transaction.EventsByID))
		for id, ev := range a.Transaction.EventsByID {
			kind, err := eventKind(ev.Kind)
			if err != nil {
				return Update{}, fmt.Errorf("update %s event %s: %w", a.UpdateID, id, err)
			}
			u.Events = append(u.Events, Event{
				EventID:    id,
				Kind:       kind,
				ContractID: ev.ContractID,
				TemplateID: ev.TemplateID,
			})
		}
	case len(a.Reassignment) > 0:
		u.Kind = UpdateKindReassignment
	default:
		return Update{}, fmt.Errorf("update %s is neither transaction nor reassignment", a.UpdateID)
	}

	return u, nil
}

// DecodeUpdates converts a page of raw API items, preserving order.
func DecodeUpdates(items []json.RawMessage) ([]Update, error) {
	updates := make([]Update, 0, len(items))
	for i, item := range items {
		u, err := DecodeUpdate(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func eventKind(s string) (EventKind, error) {
	switch s {
	case "created_event", "created":
		return EventKindCreated, nil
	case "archived_event", "archived":
		return EventKindArchived, nil
	case "exercised_event", "exercised":
		return EventKindExercised, nil
	default:
		return "", fmt.Errorf("unknown event type %q", s)
	}
}
