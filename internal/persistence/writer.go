package persistence

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Postgres caps bind parameters per statement at 65535
const maxParams = 65535

// Execer is satisfied by *sql.DB and *sql.Tx.
// JSONB payloads are bound as strings: lib/pq sends []byte as bytea.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CommandRow represents a row in settle.command_log
type CommandRow struct {
	Sequence       int64
	IdempotencyKey string
	CommandType    string
	MarketID       string
	CommandTime    time.Time
	SourceSequence int64
	Payload        []byte
	Rejected       bool
	StateHash      []byte
	PrevHash       []byte
}

// EventRow represents a row in settle.events
type EventRow struct {
	Sequence   int64
	Index      int
	EventType  string
	MarketID   string
	CommandKey string
	EventTime  time.Time
	Payload    []byte
}

// DeltaRow represents a row in settle.deltas. Amounts are decimal strings.
type DeltaRow struct {
	DeltaID      string
	BatchID      string
	Sequence     int64
	MarketID     string
	Account      string
	DeltaType    string
	Base         string
	Quote        string
	Leveraged    string
	FundingIndex *int64
	GasPrice     *string
	BatchTime    int64
}

// Rows is one flush worth of rows
type Rows struct {
	Commands []CommandRow
	Events   []EventRow
	Deltas   []DeltaRow
}

// Len returns the number of commands
func (r *Rows) Len() int { return len(r.Commands) }

func (r *Rows) Reset() {
	r.Commands = r.Commands[:0]
	r.Events = r.Events[:0]
	r.Deltas = r.Deltas[:0]
}

// Append converts one core output into rows
func (r *Rows) Append(out core.Output) {
	r.Commands = append(r.Commands, CommandRowFrom(out.Command))
	for _, env := range out.Events {
		r.Events = append(r.Events, EventRowFrom(env))
	}
	r.Deltas = append(r.Deltas, DeltaRowsFrom(out.Batches)...)
}

func CommandRowFrom(rec core.CommandRecord) CommandRow {
	return CommandRow{
		Sequence:       rec.Sequence,
		IdempotencyKey: rec.IdempotencyKey,
		CommandType:    rec.CommandType.String(),
		MarketID:       rec.MarketID,
		CommandTime:    rec.Timestamp,
		SourceSequence: rec.SourceSequence,
		Payload:        rec.Payload,
		Rejected:       rec.Rejected,
		StateHash:      rec.StateHash[:],
		PrevHash:       rec.PrevHash[:],
	}
}

func EventRowFrom(env event.Envelope) EventRow {
	return EventRow{
		Sequence:   env.Sequence,
		Index:      env.Index,
		EventType:  env.EventType.String(),
		MarketID:   env.MarketID,
		CommandKey: env.CommandKey,
		EventTime:  env.Timestamp,
		Payload:    env.Payload,
	}
}

// DeltaRowsFrom flattens ledger batches into one row per delta
func DeltaRowsFrom(batches []*ledger.Batch) []DeltaRow {
	var rows []DeltaRow
	for _, b := range batches {
		for _, d := range b.Deltas {
			row := DeltaRow{
				DeltaID:   d.DeltaID.String(),
				BatchID:   b.BatchID.String(),
				Sequence:  b.Sequence,
				MarketID:  b.MarketID,
				Account:   d.Account.Hex(),
				DeltaType: d.Type.String(),
				Base:      d.Base.String(),
				Quote:     d.Quote.String(),
				Leveraged: d.Leveraged.String(),
				BatchTime: b.Timestamp,
			}
			if d.Sync != nil {
				idx := d.Sync.FundingIndex
				gas := d.Sync.GasPrice.String()
				row.FundingIndex = &idx
				row.GasPrice = &gas
			}
			rows = append(rows, row)
		}
	}
	return rows
}

// Writer writes the command log, events and deltas using multi-row INSERTs.
// All writes are idempotent so a retried flush is harmless.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

var commandColumns = []string{
	"sequence", "idempotency_key", "command_type", "market_id", "command_time",
	"source_sequence", "payload", "rejected", "state_hash", "prev_hash",
}

var eventColumns = []string{
	"sequence", "idx", "event_type", "market_id", "command_key", "event_time", "payload",
}

var deltaColumns = []string{
	"delta_id", "batch_id", "sequence", "market_id", "account", "delta_type",
	"base", "quote", "leveraged", "funding_index", "gas_price", "batch_time",
}

// WriteAll writes rows in foreign-key order: commands, events, deltas
func (w *Writer) WriteAll(ctx context.Context, ex Execer, rows *Rows) error {
	if err := w.WriteCommands(ctx, ex, rows.Commands); err != nil {
		return fmt.Errorf("write commands: %w", err)
	}
	if err := w.WriteEvents(ctx, ex, rows.Events); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	if err := w.WriteDeltas(ctx, ex, rows.Deltas); err != nil {
		return fmt.Errorf("write deltas: %w", err)
	}
	return nil
}

func (w *Writer) WriteCommands(ctx context.Context, ex Execer, rows []CommandRow) error {
	args := make([][]interface{}, len(rows))
	for i, c := range rows {
		args[i] = []interface{}{
			c.Sequence, c.IdempotencyKey, c.CommandType, c.MarketID, c.CommandTime,
			c.SourceSequence, string(c.Payload), c.Rejected, c.StateHash, c.PrevHash,
		}
	}
	return insertChunked(ctx, ex, "settle.command_log", commandColumns, args, "ON CONFLICT (sequence) DO NOTHING")
}

func (w *Writer) WriteEvents(ctx context.Context, ex Execer, rows []EventRow) error {
	args := make([][]interface{}, len(rows))
	for i, e := range rows {
		args[i] = []interface{}{
			e.Sequence, e.Index, e.EventType, e.MarketID, e.CommandKey, e.EventTime, string(e.Payload),
		}
	}
	return insertChunked(ctx, ex, "settle.events", eventColumns, args, "ON CONFLICT (sequence, idx) DO NOTHING")
}

func (w *Writer) WriteDeltas(ctx context.Context, ex Execer, rows []DeltaRow) error {
	args := make([][]interface{}, len(rows))
	for i, d := range rows {
		args[i] = []interface{}{
			d.DeltaID, d.BatchID, d.Sequence, d.MarketID, d.Account, d.DeltaType,
			d.Base, d.Quote, d.Leveraged, d.FundingIndex, d.GasPrice, d.BatchTime,
		}
	}
	return insertChunked(ctx, ex, "settle.deltas", deltaColumns, args, "ON CONFLICT (delta_id) DO NOTHING")
}

func insertChunked(ctx context.Context, ex Execer, table string, columns []string, rows [][]interface{}, conflict string) error {
	perChunk := maxParams / len(columns)
	for start := 0; start < len(rows); start += perChunk {
		end := min(start+perChunk, len(rows))
		chunk := rows[start:end]

		args := make([]interface{}, 0, len(chunk)*len(columns))
		for _, r := range chunk {
			args = append(args, r...)
		}
		if _, err := ex.ExecContext(ctx, BuildInsert(table, columns, len(chunk), conflict), args...); err != nil {
			return err
		}
	}
	return nil
}

// BuildInsert renders a multi-row INSERT with numbered placeholders
func BuildInsert(table string, columns []string, rows int, conflict string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))

	n := 1
	for i := 0; i < rows; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := range columns {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", n)
			n++
		}
		sb.WriteByte(')')
	}

	if conflict != "" {
		sb.WriteByte(' ')
		sb.WriteString(conflict)
	}
	return sb.String()
}
