package persistence

import (
	"context"
	"database/sql"
)

// PostgresIdempotencyChecker is the second dedup tier, backed by the
// unique (command_type, idempotency_key) index on the command log.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate reports whether the command log already holds the key.
// The caller bounds ctx.
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, commandType string, key string) (bool, error) {
	var exists bool
	err := pic.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM settle.command_log
			WHERE command_type = $1 AND idempotency_key = $2
		)
	`, commandType, key).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}
