package persistence_test

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/testutil"
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ============================================================================
// Test: Postgres round trip (INTEGRATION_TEST=1)
// ============================================================================

func TestPostgresStore_RoundTrip(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := persistence.NewPostgresStore(db, observability.NewMetricsWith(prometheus.NewRegistry()))

	var rows persistence.Rows
	rows.Append(output(0, "dep-0"))
	rows.Append(output(1, "dep-1"))
	if err := store.Write(ctx, &rows); err != nil {
		t.Fatalf("write: %v", err)
	}
	// redelivered batch is absorbed by ON CONFLICT
	if err := store.Write(ctx, &rows); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	reader := persistence.NewCommandLogReader(db)
	records, err := reader.Load(ctx, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 2 || records[1].IdempotencyKey != "dep-1" || records[1].CommandType != core.CommandTypeDepositMargin {
		t.Fatalf("records: %+v", records)
	}

	last, err := reader.LastSequence(ctx)
	if err != nil || last != 1 {
		t.Errorf("last sequence %d, %v", last, err)
	}

	keys, err := reader.RecentKeys(ctx, 1)
	if err != nil || len(keys) != 1 || keys[0] != "DepositMargin:dep-1" {
		t.Errorf("recent keys %v, %v", keys, err)
	}

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate(ctx, "DepositMargin", "dep-0")
	if err != nil || !dup {
		t.Errorf("dep-0 duplicate=%v err=%v", dup, err)
	}
	dup, err = checker.IsDuplicate(ctx, "DepositMargin", "dep-9")
	if err != nil || dup {
		t.Errorf("dep-9 duplicate=%v err=%v", dup, err)
	}
}

func TestMigrator_Status(t *testing.T) {
	db := testutil.SetupTestDB(t)

	statuses, err := persistence.NewMigrator(db, testutil.MigrationsDir(), zerolog.Nop()).Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(statuses))
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("%s not applied", s.Filename)
		}
	}
}
