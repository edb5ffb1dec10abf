package persistence

import (
	"PerpSettle/internal/core"
	"context"
	"database/sql"
	"fmt"
)

// CommandLogReader loads the command log for startup replay
type CommandLogReader struct {
	db *sql.DB
}

func NewCommandLogReader(db *sql.DB) *CommandLogReader {
	return &CommandLogReader{db: db}
}

// Load returns every command from fromSequence on, in sequence order
func (r *CommandLogReader) Load(ctx context.Context, fromSequence int64) ([]core.CommandRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence, idempotency_key, command_type, market_id, command_time,
		       source_sequence, payload, rejected, state_hash, prev_hash
		FROM settle.command_log
		WHERE sequence >= $1
		ORDER BY sequence ASC
	`, fromSequence)
	if err != nil {
		return nil, fmt.Errorf("query command log: %w", err)
	}
	defer rows.Close()

	var records []core.CommandRecord
	for rows.Next() {
		var row CommandRow
		var payload string
		if err := rows.Scan(
			&row.Sequence, &row.IdempotencyKey, &row.CommandType, &row.MarketID, &row.CommandTime,
			&row.SourceSequence, &payload, &row.Rejected, &row.StateHash, &row.PrevHash,
		); err != nil {
			return nil, fmt.Errorf("scan command log: %w", err)
		}
		row.Payload = []byte(payload)

		rec, err := row.Record()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecentKeys returns the composite dedup keys of the last limit commands,
// oldest first, for warming the in-memory tier
func (r *CommandLogReader) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT command_type, idempotency_key FROM (
			SELECT sequence, command_type, idempotency_key
			FROM settle.command_log
			ORDER BY sequence DESC
			LIMIT $1
		) recent
		ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var commandType, key string
		if err := rows.Scan(&commandType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, commandType+":"+key)
	}
	return keys, rows.Err()
}

// LastSequence returns the highest persisted sequence, -1 when empty
func (r *CommandLogReader) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM settle.command_log`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query last sequence: %w", err)
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// Record converts a stored row back into a command record
func (row CommandRow) Record() (core.CommandRecord, error) {
	ct, err := core.ParseCommandType(row.CommandType)
	if err != nil {
		return core.CommandRecord{}, fmt.Errorf("sequence %d: %w", row.Sequence, err)
	}
	if len(row.StateHash) != 32 || len(row.PrevHash) != 32 {
		return core.CommandRecord{}, fmt.Errorf("sequence %d: malformed hash", row.Sequence)
	}

	rec := core.CommandRecord{
		Sequence:       row.Sequence,
		IdempotencyKey: row.IdempotencyKey,
		CommandType:    ct,
		MarketID:       row.MarketID,
		Timestamp:      row.CommandTime,
		SourceSequence: row.SourceSequence,
		Payload:        row.Payload,
		Rejected:       row.Rejected,
	}
	copy(rec.StateHash[:], row.StateHash)
	copy(rec.PrevHash[:], row.PrevHash)
	return rec, nil
}
