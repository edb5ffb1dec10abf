package persistence_test

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/persistence"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func output(seq int64, key string) core.Output {
	b := ledger.NewBatch("ETH-USD", key, t0)
	b.Sequence = seq
	b.Add(ledger.Delta{
		Account: common.HexToAddress("0xa11c"),
		Type:    ledger.DeltaTypeMarginDeposit,
		Quote:   fpmath.MustParse("12.5"),
	})
	b.Add(ledger.Delta{
		Account: common.HexToAddress("0xa11c"),
		Type:    ledger.DeltaTypeIndexSync,
		Sync:    &ledger.IndexSync{FundingIndex: 4, GasPrice: fpmath.MustParse("0.00000002")},
	})

	return core.Output{
		Command: core.CommandRecord{
			Sequence:       seq,
			IdempotencyKey: key,
			CommandType:    core.CommandTypeDepositMargin,
			MarketID:       "ETH-USD",
			Timestamp:      t0,
			Payload:        []byte(`{"key":"` + key + `"}`),
		},
		Events: []event.Envelope{
			{Sequence: seq, Index: 0, CommandKey: key, EventType: event.EventTypeMarginDeposited, MarketID: "ETH-USD", Payload: []byte(`{}`)},
		},
		Batches: []*ledger.Batch{b},
	}
}

// ============================================================================
// Test: Row building
// ============================================================================

func TestBuildInsert(t *testing.T) {
	got := persistence.BuildInsert("settle.events", []string{"a", "b"}, 2, "ON CONFLICT DO NOTHING")
	want := "INSERT INTO settle.events (a, b) VALUES ($1, $2), ($3, $4) ON CONFLICT DO NOTHING"
	if got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
}

func TestRowsAppend(t *testing.T) {
	var rows persistence.Rows
	rows.Append(output(7, "dep-7"))

	if rows.Len() != 1 || len(rows.Events) != 1 || len(rows.Deltas) != 2 {
		t.Fatalf("rows: %d commands, %d events, %d deltas", rows.Len(), len(rows.Events), len(rows.Deltas))
	}

	cmd := rows.Commands[0]
	if cmd.CommandType != "DepositMargin" || len(cmd.StateHash) != 32 {
		t.Errorf("command row: %+v", cmd)
	}
	if rows.Events[0].EventType != "MarginDeposited" {
		t.Errorf("event type: %s", rows.Events[0].EventType)
	}

	deposit, sync := rows.Deltas[0], rows.Deltas[1]
	if deposit.Quote != "12.5" || deposit.DeltaType != "margin_deposit" || deposit.FundingIndex != nil {
		t.Errorf("deposit row: %+v", deposit)
	}
	if deposit.Sequence != 7 || deposit.BatchID != sync.BatchID || deposit.DeltaID == sync.DeltaID {
		t.Error("deltas should share the batch and have distinct ids")
	}
	if sync.FundingIndex == nil || *sync.FundingIndex != 4 || *sync.GasPrice != "0.00000002" {
		t.Errorf("sync row: %+v", sync)
	}

	rows.Reset()
	if rows.Len() != 0 || len(rows.Deltas) != 0 {
		t.Error("reset should empty all rows")
	}
}

func TestCommandRowRecord(t *testing.T) {
	out := output(3, "dep-3")
	out.Command.StateHash[0] = 0xab
	out.Command.PrevHash[31] = 0xcd

	rec, err := persistence.CommandRowFrom(out.Command).Record()
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.StateHash != out.Command.StateHash || rec.PrevHash != out.Command.PrevHash {
		t.Error("hashes changed across the row")
	}
	if rec.CommandType != core.CommandTypeDepositMargin {
		t.Errorf("command type: %s", rec.CommandType)
	}

	bad := persistence.CommandRowFrom(out.Command)
	bad.StateHash = bad.StateHash[:4]
	if _, err := bad.Record(); err == nil {
		t.Error("expected error for short hash")
	}
}

// ============================================================================
// Test: Migrations
// ============================================================================

func TestPendingMigrations(t *testing.T) {
	files := []string{"000002_events.up.sql", "000001_command_log.up.sql", "000003_deltas.up.sql"}
	applied := map[string]bool{"000001": true}

	got := persistence.PendingMigrations(files, applied)
	if strings.Join(got, ",") != "000002_events.up.sql,000003_deltas.up.sql" {
		t.Errorf("pending: %v", got)
	}
	if persistence.ExtractVersion("000003_deltas.up.sql") != "000003" {
		t.Error("version prefix")
	}
}

// ============================================================================
// Test: Worker
// ============================================================================

type fakeStore struct {
	mu       sync.Mutex
	failures int
	written  [][]int64
}

func (s *fakeStore) Write(ctx context.Context, rows *persistence.Rows) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset")
	}
	var seqs []int64
	for _, c := range rows.Commands {
		seqs = append(seqs, c.Sequence)
	}
	s.written = append(s.written, seqs)
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []event.Envelope
}

func (s *fakeSink) Enqueue(envs []event.Envelope) {
	s.mu.Lock()
	s.events = append(s.events, envs...)
	s.mu.Unlock()
}

func TestPersistenceWorker_BatchesAndForwards(t *testing.T) {
	store := &fakeStore{}
	sink := &fakeSink{}
	in := make(chan core.Output, 8)

	w := persistence.NewPersistenceWorker(store, in, sink, 2, time.Hour, nil, zerolog.Nop())

	for i := int64(0); i < 3; i++ {
		in <- output(i, "k")
	}
	close(in)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Full batch of two, then the remainder on close
	if len(store.written) != 2 || len(store.written[0]) != 2 || store.written[1][0] != 2 {
		t.Errorf("written batches: %v", store.written)
	}
	if len(sink.events) != 3 {
		t.Errorf("expected 3 forwarded events, got %d", len(sink.events))
	}
}

func TestPersistenceWorker_RetriesUntilWritten(t *testing.T) {
	store := &fakeStore{failures: 2}
	sink := &fakeSink{}
	in := make(chan core.Output, 1)

	w := persistence.NewPersistenceWorker(store, in, sink, 1, time.Hour, nil, zerolog.Nop())
	in <- output(0, "k")
	close(in)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(store.written) != 1 || len(sink.events) != 1 {
		t.Errorf("written=%v events=%d", store.written, len(sink.events))
	}
	if store.failures != 0 {
		t.Error("worker gave up before the write succeeded")
	}
}
