package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// AgentRow is the persisted view of an agent.
type AgentRow struct {
	AgentID      int64
	Extension    string
	DisplayName  string
	CurrentState string
}

// FindAgentByExtension looks up an agent by extension. Returns
// (AgentRow{}, false, nil) on a clean miss.
func (db *DB) FindAgentByExtension(ctx context.Context, extension string) (AgentRow, bool, error) {
	var a AgentRow
	err := db.Pool.QueryRow(ctx, `
		SELECT agent_id, extension, display_name, current_state
		FROM agents WHERE extension = $1
	`, extension).Scan(&a.AgentID, &a.Extension, &a.DisplayName, &a.CurrentState)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AgentRow{}, false, nil
		}
		return AgentRow{}, false, err
	}
	return a, true, nil
}

// LoadAllAgents returns every agent row, for AgentResolver's cache
// warm-up on startup.
func (db *DB) LoadAllAgents(ctx context.Context) ([]AgentRow, error) {
	rows, err := db.Pool.Query(ctx, `SELECT agent_id, extension, display_name, current_state FROM agents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentRow
	for rows.Next() {
		var a AgentRow
		if err := rows.Scan(&a.AgentID, &a.Extension, &a.DisplayName, &a.CurrentState); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AgentMappingRow is a secondary extension that resolves to an existing
// agent, e.g. a shared or forwarded line.
type AgentMappingRow struct {
	AgentID   int64
	Extension string
}

// LoadAgentMappings returns every secondary extension->agent mapping.
func (db *DB) LoadAgentMappings(ctx context.Context) ([]AgentMappingRow, error) {
	rows, err := db.Pool.Query(ctx, `SELECT agent_id, extension FROM agent_mappings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentMappingRow
	for rows.Next() {
		var m AgentMappingRow
		if err := rows.Scan(&m.AgentID, &m.Extension); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertPlaceholderAgent creates a synthetic agent row for an extension
// the resolver has never seen before, so downstream foreign keys have
// something to point at until a real record exists.
func (db *DB) InsertPlaceholderAgent(ctx context.Context, extension, displayName string) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO agents (extension, display_name, current_state)
		VALUES ($1, $2, 'unknown')
		ON CONFLICT (extension) DO UPDATE SET extension = EXCLUDED.extension
		RETURNING agent_id
	`, extension, displayName).Scan(&id)
	return id, err
}

// InsertAgentStateHistory appends a new state segment for an agent. This
// is the source of truth for the agent's state: UpdateAgentCurrentState
// is a denormalized convenience column, written second.
func (db *DB) InsertAgentStateHistory(ctx context.Context, agentID int64, state, previousState string, startTime time.Time, callID *int64, reason string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO agent_states (agent_id, state, previous_state, start_time, call_id, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, agentID, state, previousState, startTime, callID, reason)
	return err
}

// CloseAgentStateHistory sets the end_time of an agent's currently open
// state segment.
func (db *DB) CloseAgentStateHistory(ctx context.Context, agentID int64, endTime time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE agent_states SET end_time = $2
		WHERE agent_id = $1 AND end_time IS NULL
	`, agentID, endTime)
	return err
}

// UpdateAgentCurrentState updates the agent row's denormalized current
// state column. Called after InsertAgentStateHistory succeeds, per the
// "history first, source of truth" ordering the persistence layer uses
// when the store lacks cross-statement transactions.
func (db *DB) UpdateAgentCurrentState(ctx context.Context, agentID int64, state string, stateStart time.Time, activeCallID *int64) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE agents SET current_state = $2, state_start_time = $3, active_call_id = $4, updated_at = now()
		WHERE agent_id = $1
	`, agentID, state, stateStart, activeCallID)
	return err
}
