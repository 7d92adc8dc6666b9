package storage

import (
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/bstolman1/amulet-scan-port-sub014/ledger"
)

// UpdateRow is the flat parquet row for one update. The raw API payload
// rides along so downstream indexers never need to re-fetch.
type UpdateRow struct {
	UpdateID       string `parquet:"update_id"`
	Kind           string `parquet:"kind"`
	MigrationID    int64  `parquet:"migration_id"`
	SynchronizerID string `parquet:"synchronizer_id"`
	RecordTimeUs   int64  `parquet:"record_time_us"`
	Offset         string `parquet:"offset"`
	WorkflowID     string `parquet:"workflow_id"`
	EventCount     int32  `parquet:"event_count"`
	Payload        []byte `parquet:"payload"`
}

// EventRow is the flat parquet row for one nested event, denormalized
// with its parent's identity and ordering timestamp.
type EventRow struct {
	UpdateID       string `parquet:"update_id"`
	EventID        string `parquet:"event_id"`
	Kind           string `parquet:"kind"`
	ContractID     string `parquet:"contract_id"`
	TemplateID     string `parquet:"template_id"`
	MigrationID    int64  `parquet:"migration_id"`
	SynchronizerID string `parquet:"synchronizer_id"`
	RecordTimeUs   int64  `parquet:"record_time_us"`
}

func toUpdateRow(u ledger.Update) UpdateRow {
	return UpdateRow{
		UpdateID:       u.UpdateID,
		Kind:           string(u.Kind),
		MigrationID:    u.MigrationID,
		SynchronizerID: u.SynchronizerID,
		RecordTimeUs:   u.RecordTime.UTC().UnixMicro(),
		Offset:         u.Offset,
		WorkflowID:     u.WorkflowID,
		EventCount:     int32(len(u.Events)),
		Payload:        []byte(u.Raw),
	}
}

func toEventRows(u ledger.Update) []EventRow {
	if len(u.Events) == 0 {
		return nil
	}
	rows := make([]EventRow, 0, len(u.Events))
	for _, ev := range u.Events {
		rows = append(rows, EventRow{
			UpdateID:       u.UpdateID,
			EventID:        ev.EventID,
			Kind:           string(ev.Kind),
			ContractID:     ev.ContractID,
			TemplateID:     ev.TemplateID,
			MigrationID:    u.MigrationID,
			SynchronizerID: u.SynchronizerID,
			RecordTimeUs:   u.RecordTime.UTC().UnixMicro(),
		})
	}
	return rows
}

// codecFor maps a config string to a parquet compression codec.
func codecFor(name string) (compress.Codec, error) {
	switch name {
	case "", "zstd":
		return &parquet.Zstd, nil
	case "snappy":
		return &parquet.Snappy, nil
	case "uncompressed", "none":
		return &parquet.Uncompressed, nil
	default:
		return nil, fmt.Errorf("unsupported parquet compression %q", name)
	}
}

// writeParquet encodes rows into w with the given codec.
func writeParquet[T any](w io.Writer, rows []T, codec compress.Codec) error {
	pw := parquet.NewGenericWriter[T](w, parquet.Compression(codec))
	if _, err := pw.Write(rows); err != nil {
		pw.Close()
		return fmt.Errorf("failed to write parquet rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}
