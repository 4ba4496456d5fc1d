package database

import (
	"context"
	"encoding/json"
	"time"
)

// CallUpsert carries the fields PersistBuffer wants written for a call.
// A nil pointer field means "leave unchanged" on update; upsert never
// clears a previously-set column by passing an explicit null unless the
// caller sets it to a non-nil empty value.
type CallUpsert struct {
	ExternalCallID string
	Direction      *string
	State          *string
	CallerNumber   *string
	CallerName     *string
	CalledNumber   *string
	CalledName     *string
	QueueName      *string
	QueueEntryTime *time.Time
	AgentExtension *string
	AgentName      *string
	TrunkID        *string
	TrunkName      *string
	StartTime      *time.Time
	AnswerTime     *time.Time
	EndTime        *time.Time
	Duration       *float64
	TalkDuration   *float64
	HoldCount      *int
	HoldDuration   *float64
	TransferCount  *int
	Answered       *bool
	Abandoned      *bool
	Recorded       *bool
	AccountCode    *string
	Tags           []string
	Metadata       map[string]any
}

// UpsertCall inserts a new call row keyed on external_call_id, or merges
// non-null fields into the existing row. Returns the row id and whether
// it was newly created.
func (db *DB) UpsertCall(ctx context.Context, u CallUpsert) (id int64, isNew bool, err error) {
	var metadata []byte
	if u.Metadata != nil {
		metadata, err = json.Marshal(u.Metadata)
		if err != nil {
			return 0, false, err
		}
	}

	row := db.Pool.QueryRow(ctx, `
		INSERT INTO calls (
			external_call_id, direction, state,
			caller_number, caller_name, called_number, called_name,
			queue_name, queue_entry_time, agent_extension, agent_name,
			trunk_id, trunk_name, start_time, answer_time, end_time,
			duration_seconds, talk_duration_seconds, hold_count, hold_duration_seconds,
			transfer_count, answered, abandoned, recorded, account_code, tags, metadata
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27
		)
		ON CONFLICT (external_call_id) DO UPDATE SET
			direction             = COALESCE(EXCLUDED.direction, calls.direction),
			state                 = COALESCE(EXCLUDED.state, calls.state),
			caller_number         = COALESCE(EXCLUDED.caller_number, calls.caller_number),
			caller_name           = COALESCE(EXCLUDED.caller_name, calls.caller_name),
			called_number         = COALESCE(EXCLUDED.called_number, calls.called_number),
			called_name           = COALESCE(EXCLUDED.called_name, calls.called_name),
			queue_name            = COALESCE(EXCLUDED.queue_name, calls.queue_name),
			queue_entry_time      = COALESCE(EXCLUDED.queue_entry_time, calls.queue_entry_time),
			agent_extension       = COALESCE(EXCLUDED.agent_extension, calls.agent_extension),
			agent_name            = COALESCE(EXCLUDED.agent_name, calls.agent_name),
			trunk_id              = COALESCE(EXCLUDED.trunk_id, calls.trunk_id),
			trunk_name            = COALESCE(EXCLUDED.trunk_name, calls.trunk_name),
			start_time            = COALESCE(calls.start_time, EXCLUDED.start_time),
			answer_time           = COALESCE(calls.answer_time, EXCLUDED.answer_time),
			end_time              = COALESCE(EXCLUDED.end_time, calls.end_time),
			duration_seconds      = COALESCE(EXCLUDED.duration_seconds, calls.duration_seconds),
			talk_duration_seconds = COALESCE(EXCLUDED.talk_duration_seconds, calls.talk_duration_seconds),
			hold_count            = COALESCE(EXCLUDED.hold_count, calls.hold_count),
			hold_duration_seconds = COALESCE(EXCLUDED.hold_duration_seconds, calls.hold_duration_seconds),
			transfer_count        = COALESCE(EXCLUDED.transfer_count, calls.transfer_count),
			answered              = COALESCE(EXCLUDED.answered, calls.answered),
			abandoned             = COALESCE(EXCLUDED.abandoned, calls.abandoned),
			recorded              = COALESCE(EXCLUDED.recorded, calls.recorded),
			account_code          = COALESCE(EXCLUDED.account_code, calls.account_code),
			tags                  = COALESCE(EXCLUDED.tags, calls.tags),
			metadata              = COALESCE(EXCLUDED.metadata, calls.metadata),
			updated_at            = now()
		RETURNING call_id, (xmax = 0) AS is_new
	`,
		u.ExternalCallID, u.Direction, u.State,
		u.CallerNumber, u.CallerName, u.CalledNumber, u.CalledName,
		u.QueueName, u.QueueEntryTime, u.AgentExtension, u.AgentName,
		u.TrunkID, u.TrunkName, u.StartTime, u.AnswerTime, u.EndTime,
		u.Duration, u.TalkDuration, u.HoldCount, u.HoldDuration,
		u.TransferCount, u.Answered, u.Abandoned, u.Recorded, u.AccountCode, u.Tags, metadata,
	)
	if err := row.Scan(&id, &isNew); err != nil {
		return 0, false, err
	}
	return id, isNew, nil
}

// CallEnrichment carries the fields the correlation engine overwrites
// once an SMDR record reconciles against a call, keyed by the call's
// internal id rather than its external_call_id: a window match only
// ever learns the internal id, never the PBX's external one.
type CallEnrichment struct {
	Duration     float64
	TalkDuration float64
	HoldDuration float64
	AccountCode  string
	TrunkName    string
	Answered     bool
	Metadata     map[string]any
}

// ApplyCallEnrichment overwrites a call's duration/talk/hold figures and
// merges the given metadata keys into the existing metadata object.
func (db *DB) ApplyCallEnrichment(ctx context.Context, callID int64, e CallEnrichment) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx, `
		UPDATE calls SET
			duration_seconds      = $2,
			talk_duration_seconds = $3,
			hold_duration_seconds = $4,
			account_code          = COALESCE($5, account_code),
			trunk_name            = COALESCE($6, trunk_name),
			answered              = $7,
			metadata              = COALESCE(metadata, '{}'::jsonb) || $8::jsonb,
			updated_at            = now()
		WHERE call_id = $1
	`, callID, e.Duration, e.TalkDuration, e.HoldDuration, nullIfEmpty(e.AccountCode), nullIfEmpty(e.TrunkName), e.Answered, metadata)
	return err
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
