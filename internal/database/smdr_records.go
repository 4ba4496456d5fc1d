package database

import (
	"context"
	"time"
)

// SMDRRow is the persisted, raw-plus-parsed view of one SMDR line.
type SMDRRow struct {
	RawLine                string
	CallStart              time.Time
	ConnectedSeconds       int
	RingSeconds            int
	Direction              string
	AccountCode            string
	IsInternal             bool
	Party1Device           string
	Party2Device           string
	HoldSeconds            int
	ParkSeconds            int
	CallCharge             float64
	Currency               string
	ExternalTargetingCause string
}

// InsertSMDRRecord stores a raw SMDR line prior to correlation.
func (db *DB) InsertSMDRRecord(ctx context.Context, r SMDRRow) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO smdr_records (
			raw_line, call_start, connected_seconds, ring_seconds, direction,
			account_code, is_internal, party1_device, party2_device,
			hold_seconds, park_seconds, call_charge, currency, external_targeting_cause
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING smdr_id
	`,
		r.RawLine, r.CallStart, r.ConnectedSeconds, r.RingSeconds, r.Direction,
		r.AccountCode, r.IsInternal, r.Party1Device, r.Party2Device,
		r.HoldSeconds, r.ParkSeconds, r.CallCharge, r.Currency, r.ExternalTargetingCause,
	).Scan(&id)
	return id, err
}

// MarkSMDRReconciled records which call a SMDR record was matched to.
func (db *DB) MarkSMDRReconciled(ctx context.Context, smdrID, callID int64, reconciledAt time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE smdr_records SET matched_call_id = $2, reconciled = true, reconciled_at = $3
		WHERE smdr_id = $1
	`, smdrID, callID, reconciledAt)
	return err
}

// FindCallsInWindow returns candidate calls for SMDR window matching:
// live calls whose start_time falls within [from, to] and whose agent
// extension matches.
type CallWindowCandidate struct {
	CallID    int64
	StartTime time.Time
}

func (db *DB) FindCallsInWindow(ctx context.Context, extension string, from, to time.Time) ([]CallWindowCandidate, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT call_id, start_time FROM calls
		WHERE agent_extension = $1 AND start_time BETWEEN $2 AND $3
	`, extension, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallWindowCandidate
	for rows.Next() {
		var c CallWindowCandidate
		if err := rows.Scan(&c.CallID, &c.StartTime); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
