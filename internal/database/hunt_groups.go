package database

import "context"

// UpsertHuntGroupStats writes a hunt group's recomputed snapshot stats,
// creating the row on first sight of a queue name.
func (db *DB) UpsertHuntGroupStats(ctx context.Context, number, name string, callsWaiting int, longestWaitSecs float64, agentsAvailable, agentsBusy int) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO hunt_groups (name, number, calls_waiting, longest_wait_seconds, agents_available, agents_busy)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (number) DO UPDATE SET
			name                 = EXCLUDED.name,
			calls_waiting        = EXCLUDED.calls_waiting,
			longest_wait_seconds = EXCLUDED.longest_wait_seconds,
			agents_available     = EXCLUDED.agents_available,
			agents_busy          = EXCLUDED.agents_busy,
			updated_at           = now()
	`, name, number, callsWaiting, longestWaitSecs, agentsAvailable, agentsBusy)
	return err
}
