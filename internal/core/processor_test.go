package core_test

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/state"
	"PerpSettle/internal/trader"
	"context"
	"crypto/sha256"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

var (
	insuranceAddr = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	traderAddr    = common.HexToAddress("0x0000000000000000000000000000000000007777")
	alice         = common.HexToAddress("0x000000000000000000000000000000000000a11c")

	t0 = time.Unix(1_700_000_000, 0).UTC()
)

func wad(s string) fpmath.Wad { return fpmath.MustParse(s) }

type fakeDB struct {
	seen map[string]bool
}

func (f *fakeDB) IsDuplicate(ctx context.Context, commandType, key string) (bool, error) {
	return f.seen[commandType+":"+key], nil
}

// newTestProcessor creates a Processor over one ETH-USD market with
// buffered channels.
func newTestProcessor(t *testing.T, db core.DBIdempotencyChecker) (*core.Processor, chan core.Output) {
	t.Helper()
	persistChan := make(chan core.Output, 1024)
	projChan := make(chan core.Output, 1024)

	p := core.NewProcessor(0, persistChan, projChan, db,
		observability.NewMetricsWith(prometheus.NewRegistry()), zerolog.Nop())

	m, err := market.New(state.DefaultParams("ETH-USD"), insuranceAddr, []common.Address{traderAddr})
	if err != nil {
		t.Fatalf("new market: %v", err)
	}
	p.AddMarket(m)
	return p, persistChan
}

func hdr(key string, seq int64) core.Header {
	return core.Header{Key: key, Market: "ETH-USD", Time: t0.Add(time.Duration(seq) * time.Second), SourceSequence: seq}
}

func mustProcess(t *testing.T, p *core.Processor, cmd core.Command, want core.Outcome) {
	t.Helper()
	got, err := p.Process(cmd)
	if err != nil {
		t.Fatalf("%s %s: %v", cmd.CommandType(), cmd.Meta().Key, err)
	}
	if got != want {
		t.Fatalf("%s %s: outcome %s, want %s", cmd.CommandType(), cmd.Meta().Key, got, want)
	}
}

func drain(ch chan core.Output) []core.Output {
	var out []core.Output
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

// basicFlow credits, deposits, prices and then tries an over-withdrawal
func basicFlow(t *testing.T, p *core.Processor) {
	t.Helper()
	mustProcess(t, p, &core.CreditWallet{Header: hdr("credit-1", 0), Account: alice, Amount: wad("1000")}, core.OutcomeApplied)
	mustProcess(t, p, &core.DepositMargin{Header: hdr("deposit-1", 1), Account: alice, Amount: wad("500")}, core.OutcomeApplied)
	mustProcess(t, p, &core.UpdatePrice{Header: hdr("price-0", 0), Price: wad("100")}, core.OutcomeApplied)
	mustProcess(t, p, &core.WithdrawMargin{Header: hdr("withdraw-1", 2), Account: alice, Amount: wad("600")}, core.OutcomeRejected)
}

// ============================================================================
// Test: Pipeline
// ============================================================================

func TestProcessor_AppliesAndSequences(t *testing.T) {
	p, persist := newTestProcessor(t, nil)
	basicFlow(t, p)

	outputs := drain(persist)
	if len(outputs) != 4 {
		t.Fatalf("expected 4 outputs, got %d", len(outputs))
	}
	for i, o := range outputs {
		if o.Command.Sequence != int64(i) {
			t.Errorf("output %d has sequence %d", i, o.Command.Sequence)
		}
	}
	if p.Sequence() != 4 {
		t.Errorf("next sequence: got %d, want 4", p.Sequence())
	}

	deposit := outputs[1]
	if len(deposit.Batches) != 1 || deposit.Batches[0].Sequence != 1 {
		t.Errorf("deposit should carry one batch stamped with its sequence")
	}
	if len(deposit.Snapshot.Accounts) != 1 || !deposit.Snapshot.Accounts[0].Wallet.Eq(wad("500")) {
		t.Errorf("deposit snapshot: %+v", deposit.Snapshot.Accounts)
	}

	m, _ := p.Market("ETH-USD")
	if got := m.Ledger().Balance(alice).Quote; !got.Eq(wad("500")) {
		t.Errorf("alice quote: got %s, want 500", got)
	}
}

func TestProcessor_RejectionConsumesSequence(t *testing.T) {
	p, persist := newTestProcessor(t, nil)
	basicFlow(t, p)

	rejected := drain(persist)[3]
	if !rejected.Command.Rejected {
		t.Fatal("withdrawal should be recorded as rejected")
	}
	if len(rejected.Events) != 1 || rejected.Events[0].EventType != event.EventTypeCommandRejected {
		t.Fatalf("expected one CommandRejected event, got %d", len(rejected.Events))
	}
	ev, err := rejected.Events[0].Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r := ev.(*event.CommandRejected)
	if r.Kind != "solvency" || r.Code != "under_margin" || r.CommandType != "WithdrawMargin" {
		t.Errorf("rejection: %+v", r)
	}
	if len(rejected.Batches) != 0 {
		t.Error("rejected command must not journal")
	}
}

func TestProcessor_UnknownMarketRejected(t *testing.T) {
	p, persist := newTestProcessor(t, nil)

	cmd := &core.CreditWallet{Header: hdr("credit-btc", 0), Account: alice, Amount: wad("1")}
	cmd.Market = "BTC-USD"
	mustProcess(t, p, cmd, core.OutcomeRejected)

	out := drain(persist)[0]
	ev, _ := out.Events[0].Decode()
	if code := ev.(*event.CommandRejected).Code; code != "unknown_market" {
		t.Errorf("code: got %s", code)
	}
}

func TestProcessor_ArithmeticOverflowRejected(t *testing.T) {
	p, persist := newTestProcessor(t, nil)
	huge, err := fpmath.FromBig(new(big.Int).Lsh(big.NewInt(1), 200))
	if err != nil {
		t.Fatal(err)
	}

	mustProcess(t, p, &core.UpdatePrice{Header: hdr("price-0", 0), Price: wad("100")}, core.OutcomeApplied)
	mustProcess(t, p, &core.ExecuteFill{
		Header: hdr("fill-1", 0),
		Trader: traderAddr,
		Order: trader.Order{
			Maker: alice, Market: "ETH-USD", Price: huge, Amount: huge,
			Side: state.SideLong, Created: t0,
		},
		Taker:  common.HexToAddress("0x0000000000000000000000000000000000000b0b"),
		Amount: huge,
		Price:  huge,
	}, core.OutcomeRejected)

	out := drain(persist)[1]
	if len(out.Batches) != 0 {
		t.Error("overflowing fill must not journal")
	}
	ev, _ := out.Events[0].Decode()
	r := ev.(*event.CommandRejected)
	if r.Kind != "validation" || r.Code != "wad_overflow" {
		t.Errorf("rejection: %+v", r)
	}
	if p.Sequence() != 2 {
		t.Errorf("next sequence: got %d, want 2", p.Sequence())
	}
}

// ============================================================================
// Test: Idempotency & Ordering
// ============================================================================

func TestProcessor_DuplicateSkipped(t *testing.T) {
	p, persist := newTestProcessor(t, nil)
	credit := &core.CreditWallet{Header: hdr("credit-1", 0), Account: alice, Amount: wad("1000")}

	mustProcess(t, p, credit, core.OutcomeApplied)
	mustProcess(t, p, credit, core.OutcomeDuplicate)

	if n := len(drain(persist)); n != 1 {
		t.Errorf("expected 1 output, got %d", n)
	}
	m, _ := p.Market("ETH-USD")
	if !m.Vault().WalletBalance(alice).Eq(wad("1000")) {
		t.Error("duplicate credited twice")
	}
}

func TestProcessor_DatabaseDuplicate(t *testing.T) {
	db := &fakeDB{seen: map[string]bool{"CreditWallet:credit-1": true}}
	p, persist := newTestProcessor(t, db)

	mustProcess(t, p, &core.CreditWallet{Header: hdr("credit-1", 0), Account: alice, Amount: wad("1")}, core.OutcomeDuplicate)
	if n := len(drain(persist)); n != 0 {
		t.Errorf("expected no output, got %d", n)
	}
}

func TestProcessor_SequenceErrors(t *testing.T) {
	p, _ := newTestProcessor(t, nil)
	mustProcess(t, p, &core.CreditWallet{Header: hdr("credit-1", 0), Account: alice, Amount: wad("1")}, core.OutcomeApplied)

	_, err := p.Process(&core.CreditWallet{Header: hdr("credit-gap", 5), Account: alice, Amount: wad("1")})
	if !errors.Is(err, core.ErrSequenceGap) {
		t.Errorf("expected ErrSequenceGap, got %v", err)
	}

	_, err = p.Process(&core.CreditWallet{Header: hdr("credit-old", 0), Account: alice, Amount: wad("1")})
	if !errors.Is(err, core.ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder, got %v", err)
	}

	if p.Sequence() != 1 {
		t.Errorf("ordering failures must not consume a sequence, got %d", p.Sequence())
	}
}

func TestProcessor_StaleFeedIgnored(t *testing.T) {
	p, _ := newTestProcessor(t, nil)

	mustProcess(t, p, &core.UpdatePrice{Header: hdr("price-5", 5), Price: wad("100")}, core.OutcomeApplied)
	mustProcess(t, p, &core.UpdatePrice{Header: hdr("price-3", 3), Price: wad("90")}, core.OutcomeStale)

	m, _ := p.Market("ETH-USD")
	if !m.Oracle().FairPrice().Eq(wad("100")) {
		t.Errorf("stale price applied: %s", m.Oracle().FairPrice())
	}

	// Gas prices run on their own feed partition
	mustProcess(t, p, &core.UpdateGasPrice{Header: hdr("gas-0", 0), GasPrice: wad("0.00000003")}, core.OutcomeApplied)
}

// ============================================================================
// Test: Hash chain & Replay
// ============================================================================

func TestProcessor_HashChainLinks(t *testing.T) {
	p, persist := newTestProcessor(t, nil)
	basicFlow(t, p)
	outputs := drain(persist)

	genesis := sha256.Sum256([]byte(core.GenesisHashSeed))
	if outputs[0].Command.PrevHash != genesis {
		t.Error("first command must link to genesis")
	}
	for i := 1; i < len(outputs); i++ {
		if outputs[i].Command.PrevHash != outputs[i-1].Command.StateHash {
			t.Errorf("output %d does not link to %d", i, i-1)
		}
	}
	if p.StateHash() != outputs[len(outputs)-1].Command.StateHash {
		t.Error("chain tip should be the last state hash")
	}
}

func TestProcessor_ReplayRebuildsState(t *testing.T) {
	p, persist := newTestProcessor(t, nil)
	basicFlow(t, p)

	var records []core.CommandRecord
	for _, o := range drain(persist) {
		records = append(records, o.Command)
	}

	replayed, replayPersist := newTestProcessor(t, nil)
	if err := replayed.Replay(records); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if replayed.StateHash() != p.StateHash() {
		t.Error("replayed chain tip differs")
	}
	if replayed.Sequence() != p.Sequence() {
		t.Errorf("sequence: got %d, want %d", replayed.Sequence(), p.Sequence())
	}
	m, _ := replayed.Market("ETH-USD")
	if got := m.Ledger().Balance(alice).Quote; !got.Eq(wad("500")) {
		t.Errorf("alice quote after replay: got %s", got)
	}
	if n := len(drain(replayPersist)); n != 0 {
		t.Errorf("replay must not re-persist, got %d outputs", n)
	}

	// Keys replayed are now known duplicates
	mustProcess(t, replayed, &core.CreditWallet{Header: hdr("credit-1", 0), Account: alice, Amount: wad("1000")}, core.OutcomeDuplicate)
}

func TestProcessor_ReplayDetectsTampering(t *testing.T) {
	p, persist := newTestProcessor(t, nil)
	basicFlow(t, p)

	var records []core.CommandRecord
	for _, o := range drain(persist) {
		records = append(records, o.Command)
	}
	records[1].StateHash[0] ^= 0xff

	replayed, _ := newTestProcessor(t, nil)
	if err := replayed.Replay(records); !errors.Is(err, core.ErrHashMismatch) {
		t.Errorf("expected ErrHashMismatch, got %v", err)
	}
}

func TestProcessor_ReplayRejectsGaps(t *testing.T) {
	p, persist := newTestProcessor(t, nil)
	basicFlow(t, p)

	outputs := drain(persist)
	records := []core.CommandRecord{outputs[0].Command, outputs[2].Command}

	replayed, _ := newTestProcessor(t, nil)
	if err := replayed.Replay(records); err == nil {
		t.Error("expected error for missing sequence")
	}
}
