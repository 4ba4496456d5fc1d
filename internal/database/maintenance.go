package database

import (
	"context"
	"fmt"
	"time"
)

// PurgeOlderThan deletes rows older than the given retention period.
// Table and column names are hardcoded by callers, never user input.
func (db *DB) PurgeOlderThan(ctx context.Context, table, timeColumn string, retention time.Duration) (int64, error) {
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE %s < now() - $1::interval`,
		table, timeColumn,
	)
	tag, err := db.Pool.Exec(ctx, query, retention.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
