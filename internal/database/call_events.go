package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
)

// CallEventRow is one append-only lifecycle log entry for a call.
type CallEventRow struct {
	CallID      int64
	Type        string
	OccurredAt  time.Time
	Duration    *float64
	Party       string
	AgentID     *int64
	Extension   string
	QueueName   string
	Details     map[string]any
}

// InsertCallEvents batch-inserts CallEvent rows in the order given, using
// pgx's CopyFrom for a single round trip. After a failure PersistBuffer
// prepends the failed batch back onto its pending rows, so a retry
// carries those rows first, possibly followed by rows buffered since.
func (db *DB) InsertCallEvents(ctx context.Context, rows []CallEventRow) error {
	if len(rows) == 0 {
		return nil
	}

	source := pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		r := rows[i]
		var details []byte
		if r.Details != nil {
			b, err := json.Marshal(r.Details)
			if err != nil {
				return nil, err
			}
			details = b
		}
		return []any{
			r.CallID, r.Type, r.OccurredAt, r.Duration,
			r.Party, r.AgentID, r.Extension, r.QueueName, details,
		}, nil
	})

	_, err := db.Pool.CopyFrom(ctx, pgx.Identifier{"call_events"}, []string{
		"call_id", "event_type", "occurred_at", "duration_seconds",
		"party", "agent_id", "extension", "queue_name", "details",
	}, source)
	return err
}
