package core

import (
	"PerpSettle/internal/apperr"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/liquidation"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var ErrUnknownMarket = apperr.New(apperr.KindValidation, "unknown_market", "market not configured")

// Outcome of processing one command
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeRejected
	OutcomeDuplicate
	OutcomeStale // Out-of-date oracle feed, ignored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeRejected:
		return "rejected"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Processor is the single-threaded command processor. Every command that
// passes deduplication and ordering gets the next sequence number, whether
// it applies or is rejected, so replaying the command log reproduces the
// same hash chain.
type Processor struct {
	sequence          int64
	hasher            *StateHasher
	markets           map[string]*market.Market
	validators        map[string]*ledger.InvariantValidator
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- Output
	projectionChan chan<- Output
	replaying      bool
}

func NewProcessor(
	startSequence int64,
	persistChan, projectionChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Processor {
	return &Processor{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		markets:           make(map[string]*market.Market),
		validators:        make(map[string]*ledger.InvariantValidator),
		idempotency:       NewIdempotencyChecker(1_000_000, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(metrics),
		metrics:           metrics,
		logger:            logger,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// AddMarket registers a market. Must be called before processing starts.
func (p *Processor) AddMarket(m *market.Market) {
	p.markets[m.ID()] = m
	p.validators[m.ID()] = ledger.NewInvariantValidator(m.Ledger())
}

// Market returns a registered market
func (p *Processor) Market(id string) (*market.Market, bool) {
	m, ok := p.markets[id]
	return m, ok
}

// Sequence returns the next sequence to assign
func (p *Processor) Sequence() int64 { return p.sequence }

// StateHash returns the chain tip
func (p *Processor) StateHash() [32]byte { return p.hasher.PrevHash() }

// WarmLRU loads recent command keys into the dedup cache
func (p *Processor) WarmLRU(keys []string) { p.idempotency.Warm(keys) }

// SetLRUCapacity resizes the dedup cache. Must be called before replay.
func (p *Processor) SetLRUCapacity(capacity int) {
	p.idempotency.lru = NewIdempotencyLRU(capacity)
}

// Process runs one command through the pipeline. An error means the command
// was not consumed (ordering failure) and must be redelivered; rejections
// are outcomes, not errors.
func (p *Processor) Process(cmd Command) (Outcome, error) {
	out, outcome, err := p.process(cmd)
	if err != nil || out == nil {
		return outcome, err
	}
	p.emit(out)
	return outcome, nil
}

func (p *Processor) process(cmd Command) (*Output, Outcome, error) {
	start := time.Now()
	h := cmd.Meta()
	cmdType := cmd.CommandType().String()

	// Step 1: Idempotency check (two-tier)
	var isDuplicate bool
	if p.replaying {
		isDuplicate = p.idempotency.SeenRecently(cmdType, h.Key)
	} else {
		isDuplicate = p.idempotency.IsDuplicate(cmdType, h.Key)
	}

	// Step 2: Sequence validation. Oracle feeds tolerate gaps.
	switch cmd.(type) {
	case *UpdatePrice, *UpdateGasPrice:
		if isDuplicate {
			return nil, OutcomeDuplicate, nil
		}
		partition := fmt.Sprintf("%s:%s", feedName(cmd), h.Market)
		if !p.sequenceValidator.ValidateFeedSequence(partition, h.SourceSequence) {
			return nil, OutcomeStale, nil
		}
	default:
		partition := "market:" + h.Market
		if err := p.sequenceValidator.ValidateSequence(partition, h.SourceSequence, isDuplicate); err != nil {
			p.countRejected(cmdType, apperr.CodeOf(err))
			return nil, OutcomeRejected, fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		p.countRejected(cmdType, "duplicate")
		return nil, OutcomeDuplicate, nil
	}

	// Step 3: Dispatch
	m, ok := p.markets[h.Market]
	var events []event.Event
	var err error
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownMarket, h.Market)
	} else {
		events, err = dispatchChecked(m, cmd)
	}

	seq := p.sequence
	outcome := OutcomeApplied
	if err != nil {
		outcome = OutcomeRejected
		events = []event.Event{rejection(cmd, err)}
		p.logRejection(cmd, seq, err)
	}

	// Step 4: Journal and invariants
	var batches []*ledger.Batch
	if m != nil {
		batches = m.Ledger().DrainJournal()
		for _, b := range batches {
			b.Sequence = seq
		}
		if err := p.validators[h.Market].ValidateAll(); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated after %s %s: %v", cmdType, h.Key, err))
		}
		if err := m.Fund().Validate(); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated after %s %s: %v", cmdType, h.Key, err))
		}
	}

	// Step 5: Hash chain
	payload, encErr := json.Marshal(cmd)
	if encErr != nil {
		panic(fmt.Sprintf("FATAL: cannot encode %s %s: %v", cmdType, h.Key, encErr))
	}

	hashStart := time.Now()
	touched := touchedAccounts(cmd, batches)
	prevHash := p.hasher.PrevHash()
	stateHash := p.hasher.ComputeHash(seq, digest(m, touched, events))
	if p.metrics != nil {
		p.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	out := &Output{
		Command: CommandRecord{
			Sequence:       seq,
			IdempotencyKey: h.Key,
			CommandType:    cmd.CommandType(),
			MarketID:       h.Market,
			Timestamp:      h.Time,
			SourceSequence: h.SourceSequence,
			Payload:        payload,
			Rejected:       outcome == OutcomeRejected,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Batches: batches,
	}

	for i, ev := range events {
		env, err := event.Wrap(seq, i, h.Key, h.Time, ev)
		if err != nil {
			panic(fmt.Sprintf("FATAL: %v", err))
		}
		out.Events = append(out.Events, env)
	}
	if m != nil {
		out.Snapshot = snapshot(m, seq, touched, events, cmd)
	}

	p.sequence++
	p.idempotency.MarkProcessed(cmdType, h.Key)

	if p.metrics != nil {
		if outcome == OutcomeApplied {
			p.metrics.CommandsApplied.WithLabelValues(cmdType).Inc()
			p.observeEvents(events)
		} else {
			p.countRejected(cmdType, apperr.CodeOf(err))
		}
		for _, b := range batches {
			for _, d := range b.Deltas {
				p.metrics.CoreDeltas.WithLabelValues(d.Type.String()).Inc()
			}
		}
		p.metrics.CommandDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
		p.metrics.CoreSequence.Set(float64(p.sequence))
		if m != nil {
			p.observeMarket(out.Snapshot)
		}
	}

	return out, outcome, nil
}

// emit sends the output downstream. Persistence is a blocking send so no
// command is lost; projections are dropped when full and rebuilt by replay.
func (p *Processor) emit(out *Output) {
	select {
	case p.persistChan <- *out:
	default:
		if p.metrics != nil {
			p.metrics.PersistBackpressure.Inc()
		}
		p.persistChan <- *out
	}

	if p.projectionChan == nil {
		return
	}
	select {
	case p.projectionChan <- *out:
	default:
		if p.metrics != nil {
			p.metrics.ProjectionDrops.WithLabelValues("redis").Inc()
		}
	}
}

func feedName(cmd Command) string {
	if _, ok := cmd.(*UpdateGasPrice); ok {
		return "gas"
	}
	return "price"
}

// dispatchChecked turns a Wad overflow inside a handler into a rejection.
// Any other panic propagates.
func dispatchChecked(m *market.Market, cmd Command) (events []event.Event, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(error); ok && errors.Is(e, fpmath.ErrOverflow) {
			events, err = nil, fmt.Errorf("%s: %w", cmd.CommandType(), e)
			return
		}
		panic(r)
	}()
	return dispatch(m, cmd)
}

func dispatch(m *market.Market, cmd Command) ([]event.Event, error) {
	h := cmd.Meta()
	switch c := cmd.(type) {
	case *CreditWallet:
		return m.CreditWallet(c.Account, c.Amount)
	case *DepositMargin:
		return m.DepositMargin(h.Key, h.Time, c.Account, c.Amount)
	case *WithdrawMargin:
		return m.WithdrawMargin(h.Key, h.Time, c.Account, c.Amount)
	case *Settle:
		return m.Settle(h.Key, h.Time, c.Account)
	case *UpdatePrice:
		return m.UpdatePrice(c.Price)
	case *UpdateGasPrice:
		return m.UpdateGasPrice(c.GasPrice)
	case *RecordFundingRate:
		return m.RecordFundingRate(h.Time, c.Index, c.Rate, c.InsuranceRate)
	case *UpdateParams:
		return m.UpdateParams(c.Params)
	case *ExecuteFill:
		return m.ExecuteFill(h.Key, h.Time, market.FillRequest{
			Trader: c.Trader,
			Order:  c.Order,
			Taker:  c.Taker,
			Amount: c.Amount,
			Price:  c.Price,
		})
	case *Liquidate:
		return m.Liquidate(h.Time, liquidation.LiquidateRequest{
			Liquidator: c.Liquidator,
			Liquidatee: c.Liquidatee,
			Amount:     c.Amount,
			GasPrice:   c.GasPrice,
		})
	case *ClaimReceipt:
		return m.ClaimReceipt(h.Time, c.Caller, c.ReceiptID, c.Orders, c.Trader)
	case *ClaimEscrow:
		return m.ClaimEscrow(h.Time, c.Caller, c.ReceiptID)
	case *DepositInsurance:
		return m.DepositInsurance(h.Time, c.Account, c.Amount)
	case *WithdrawInsurance:
		return m.WithdrawInsurance(h.Time, c.Account, c.PoolTokens)
	case *CommitWithdrawal:
		return m.CommitToDelayedWithdrawal(h.Time, c.Account, c.PoolTokens, c.WithdrawalID)
	case *ExecuteWithdrawal:
		return m.ExecuteDelayedWithdrawal(h.Time, c.Account, c.WithdrawalID)
	case *ScanWithdrawals:
		return m.ScanDelayedWithdrawals(h.Time)
	case *SyncPool:
		return m.SyncPool(h.Key, h.Time)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

func rejection(cmd Command, err error) *event.CommandRejected {
	return &event.CommandRejected{
		Market:      cmd.Meta().Market,
		CommandType: cmd.CommandType().String(),
		Kind:        apperr.KindOf(err).String(),
		Code:        apperr.CodeOf(err),
		Reason:      err.Error(),
	}
}

func (p *Processor) logRejection(cmd Command, seq int64, err error) {
	h := cmd.Meta()
	lvl := zerolog.DebugLevel
	if apperr.KindOf(err) == apperr.KindUnknown {
		lvl = zerolog.ErrorLevel
	}
	p.logger.WithLevel(lvl).
		Int64("sequence", seq).
		Str("command_type", cmd.CommandType().String()).
		Str("key", h.Key).
		Str("market", h.Market).
		Err(err).
		Msg("command rejected")
}

func (p *Processor) countRejected(cmdType, reason string) {
	if p.metrics != nil {
		p.metrics.CommandsRejected.WithLabelValues(cmdType, reason).Inc()
	}
}

// touchedAccounts returns the accounts the command changed or names, in
// byte order
func touchedAccounts(cmd Command, batches []*ledger.Batch) []common.Address {
	seen := make(map[common.Address]bool)
	for _, b := range batches {
		for _, addr := range b.Touched() {
			seen[addr] = true
		}
	}

	var named []common.Address
	switch c := cmd.(type) {
	case *CreditWallet:
		named = []common.Address{c.Account}
	case *DepositMargin:
		named = []common.Address{c.Account}
	case *WithdrawMargin:
		named = []common.Address{c.Account}
	case *Settle:
		named = []common.Address{c.Account}
	case *DepositInsurance:
		named = []common.Address{c.Account}
	case *WithdrawInsurance:
		named = []common.Address{c.Account}
	case *CommitWithdrawal:
		named = []common.Address{c.Account}
	case *ExecuteWithdrawal:
		named = []common.Address{c.Account}
	}
	for _, addr := range named {
		seen[addr] = true
	}

	out := make([]common.Address, 0, len(seen))
	for addr := range seen {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// receiptIDs returns the receipts referenced by the events
func receiptIDs(events []event.Event) []uint64 {
	var ids []uint64
	for _, ev := range events {
		switch e := ev.(type) {
		case *event.LiquidationOccurred:
			ids = append(ids, e.ReceiptID)
		case *event.ClaimedReceipt:
			ids = append(ids, e.ReceiptID)
		case *event.ClaimedEscrow:
			ids = append(ids, e.ReceiptID)
		}
	}
	return ids
}

func digest(m *market.Market, touched []common.Address, events []event.Event) []byte {
	var d stateDigest
	if m == nil {
		return d.buf
	}

	for _, addr := range touched {
		d.account(addr, m.Ledger().Balance(addr))
		d.wad(m.Vault().WalletBalance(addr))
		d.wad(m.Fund().PoolTokenBalance(addr))
	}

	fund := m.Fund()
	d.wad(fund.PublicCollateral())
	d.wad(fund.BufferCollateral())
	d.wad(fund.PoolTokenSupply())
	d.wad(fund.TotalPendingWithdrawals())
	d.wad(m.Ledger().LeveragedNotional())
	d.wad(m.Vault().Held())

	for _, id := range receiptIDs(events) {
		if r, ok := m.Engine().Receipt(id); ok {
			d.int64(int64(r.ID))
			d.wad(r.EscrowedAmount)
			d.str(fmt.Sprintf("%t/%t", r.EscrowClaimed, r.LiquidatorRefundClaimed))
		}
	}
	return d.buf
}

func snapshot(m *market.Market, seq int64, touched []common.Address, events []event.Event, cmd Command) MarketSnapshot {
	s := MarketSnapshot{
		MarketID:          m.ID(),
		Sequence:          seq,
		FairPrice:         m.Oracle().FairPrice(),
		FastGasPrice:      m.Oracle().FastGasPrice(),
		FundingIndex:      m.Oracle().CurrentFundingIndex(),
		LeveragedNotional: m.Ledger().LeveragedNotional(),
		MaxLeverage:       m.Engine().MaxLeverage(),
		Custody:           m.Vault().Held(),
		Insurance:         m.Fund().State(),
	}

	for _, addr := range touched {
		s.Accounts = append(s.Accounts, AccountSnapshot{
			AccountView: m.Account(addr),
			Wallet:      m.Vault().WalletBalance(addr),
			PoolTokens:  m.Fund().PoolTokenBalance(addr),
		})
	}
	for _, id := range receiptIDs(events) {
		if r, ok := m.Engine().Receipt(id); ok {
			s.Receipts = append(s.Receipts, r)
		}
	}

	switch cmd.(type) {
	case *WithdrawInsurance, *CommitWithdrawal, *ExecuteWithdrawal, *ScanWithdrawals:
		s.WithdrawalsChanged = true
		s.Withdrawals = m.Fund().PendingWithdrawals()
	}
	return s
}

func (p *Processor) observeEvents(events []event.Event) {
	for _, ev := range events {
		switch e := ev.(type) {
		case *event.LiquidationOccurred:
			p.metrics.Liquidations.WithLabelValues(e.Market).Inc()
			p.metrics.LiquidationEscrow.WithLabelValues(e.Market).Add(e.Escrowed.Float64())
		case *event.ClaimedReceipt:
			p.metrics.Claims.WithLabelValues(e.Market).Inc()
			p.metrics.ClaimPayout.WithLabelValues(e.Market, "escrow").Add(e.FromEscrow.Float64())
			p.metrics.ClaimPayout.WithLabelValues(e.Market, "insurance_margin").Add(e.FromInsuranceMargin.Float64())
			p.metrics.ClaimPayout.WithLabelValues(e.Market, "buffer").Add(e.FromBuffer.Float64())
		case *event.InvalidClaimOrder:
			p.metrics.InvalidClaimOrders.WithLabelValues(e.Market, e.Reason).Inc()
		}
	}
}

func (p *Processor) observeMarket(s MarketSnapshot) {
	p.metrics.InsuranceHoldings.WithLabelValues(s.MarketID).Set(s.Insurance.Holdings.Float64())
	p.metrics.LeveragedNotional.WithLabelValues(s.MarketID).Set(s.LeveragedNotional.Float64())
	p.metrics.MaxLeverage.WithLabelValues(s.MarketID).Set(s.MaxLeverage.Float64())
	p.metrics.FundingIndex.WithLabelValues(s.MarketID).Set(float64(s.FundingIndex))
}
