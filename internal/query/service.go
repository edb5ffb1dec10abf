package query

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/insurance"
	"PerpSettle/internal/liquidation"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/projection"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound    = projection.ErrNotFound
	ErrNoEventLog  = errors.New("event log not configured")
	ErrInvalidArgs = errors.New("invalid arguments")
)

const maxLimit = 1000

// ReadModel is the projected state queries are served from
type ReadModel interface {
	Watermark(ctx context.Context) (int64, error)
	Summary(ctx context.Context, market string) (projection.MarketSummary, error)
	Account(ctx context.Context, market string, addr common.Address) (core.AccountSnapshot, error)
	Accounts(ctx context.Context, market string) ([]common.Address, error)
	Receipt(ctx context.Context, market string, id uint64) (liquidation.Receipt, error)
	Withdrawals(ctx context.Context, market string) ([]insurance.PendingWithdrawal, error)
	RecentEvents(ctx context.Context, market string, limit int) ([]event.Envelope, error)
	FundingHistory(ctx context.Context, market string, limit int) ([]projection.FundingHistoryEntry, error)
}

// QueryService provides read-only access to the projected state and the
// persisted command log. Current state is read from Redis; history and
// integrity checks from Postgres.
type QueryService struct {
	rm      ReadModel
	db      *sql.DB
	metrics *observability.Metrics
}

// NewQueryService wires the read model and event log. db may be nil, in
// which case history queries return ErrNoEventLog.
func NewQueryService(rm ReadModel, db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{rm: rm, db: db, metrics: metrics}
}

// GetMarket returns the market-wide state
func (qs *QueryService) GetMarket(ctx context.Context, market string) (resp *MarketResponse, err error) {
	defer qs.track("market", time.Now(), &err)

	asOf, err := qs.rm.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	summary, err := qs.rm.Summary(ctx, market)
	if err != nil {
		return nil, err
	}
	return &MarketResponse{MarketSummary: summary, AsOfSequence: asOf}, nil
}

// GetAccount returns one account's margin state
func (qs *QueryService) GetAccount(ctx context.Context, market string, addr common.Address) (resp *AccountResponse, err error) {
	defer qs.track("account", time.Now(), &err)

	asOf, err := qs.rm.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := qs.rm.Account(ctx, market, addr)
	if err != nil {
		return nil, err
	}
	return accountResponse(snap, asOf), nil
}

// ListAccounts returns every projected account of a market
func (qs *QueryService) ListAccounts(ctx context.Context, market string) (out []AccountResponse, err error) {
	defer qs.track("accounts", time.Now(), &err)

	asOf, err := qs.rm.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	addrs, err := qs.rm.Accounts(ctx, market)
	if err != nil {
		return nil, err
	}

	out = make([]AccountResponse, 0, len(addrs))
	for _, addr := range addrs {
		snap, err := qs.rm.Account(ctx, market, addr)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *accountResponse(snap, asOf))
	}
	sortAccounts(out)
	return out, nil
}

func accountResponse(snap core.AccountSnapshot, asOf int64) *AccountResponse {
	return &AccountResponse{
		AccountSnapshot: snap,
		Liquidatable:    !snap.Valid,
		AsOfSequence:    asOf,
	}
}

func sortAccounts(accts []AccountResponse) {
	for i := 1; i < len(accts); i++ {
		for j := i; j > 0 && bytes.Compare(accts[j].Address[:], accts[j-1].Address[:]) < 0; j-- {
			accts[j], accts[j-1] = accts[j-1], accts[j]
		}
	}
}

// GetReceipt returns a liquidation receipt
func (qs *QueryService) GetReceipt(ctx context.Context, market string, id uint64) (resp *ReceiptResponse, err error) {
	defer qs.track("receipt", time.Now(), &err)

	asOf, err := qs.rm.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	r, err := qs.rm.Receipt(ctx, market, id)
	if err != nil {
		return nil, err
	}
	return &ReceiptResponse{Receipt: r, Settled: r.Settled(), AsOfSequence: asOf}, nil
}

// GetWithdrawals returns the pending insurance withdrawals of a market
func (qs *QueryService) GetWithdrawals(ctx context.Context, market string) (resp *WithdrawalsResponse, err error) {
	defer qs.track("withdrawals", time.Now(), &err)

	asOf, err := qs.rm.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := qs.rm.Withdrawals(ctx, market)
	if err != nil {
		return nil, err
	}

	resp = &WithdrawalsResponse{MarketID: market, AsOfSequence: asOf, Withdrawals: []WithdrawalResponse{}}
	for _, w := range pending {
		resp.Withdrawals = append(resp.Withdrawals, WithdrawalResponse{
			PendingWithdrawal: w,
			ExecutableAt:      w.ExecutableAt(),
			ExpiresAt:         w.ExpiresAt(),
		})
	}
	return resp, nil
}

// GetFundingHistory returns recorded funding rates, newest first
func (qs *QueryService) GetFundingHistory(ctx context.Context, market string, limit int) (resp *FundingHistoryResponse, err error) {
	defer qs.track("funding_history", time.Now(), &err)

	limit, err = clampLimit(limit)
	if err != nil {
		return nil, err
	}
	asOf, err := qs.rm.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := qs.rm.FundingHistory(ctx, market, limit)
	if err != nil {
		return nil, err
	}
	return &FundingHistoryResponse{MarketID: market, Entries: entries, AsOfSequence: asOf}, nil
}

// GetRecentEvents returns the market's latest events, newest first
func (qs *QueryService) GetRecentEvents(ctx context.Context, market string, limit int) (resp *EventsResponse, err error) {
	defer qs.track("events", time.Now(), &err)

	limit, err = clampLimit(limit)
	if err != nil {
		return nil, err
	}
	asOf, err := qs.rm.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	events, err := qs.rm.RecentEvents(ctx, market, limit)
	if err != nil {
		return nil, err
	}
	return &EventsResponse{MarketID: market, Events: events, AsOfSequence: asOf}, nil
}

// GetDeltaHistory returns an account's ledger deltas with cursor pagination
func (qs *QueryService) GetDeltaHistory(
	ctx context.Context,
	market string,
	addr common.Address,
	limit int,
	beforeSequence *int64,
) (entries []DeltaHistoryEntry, err error) {
	defer qs.track("delta_history", time.Now(), &err)

	if qs.db == nil {
		return nil, ErrNoEventLog
	}
	limit, err = clampLimit(limit)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT delta_id, batch_id, sequence, market_id, account, delta_type,
		       base::TEXT, quote::TEXT, leveraged::TEXT, funding_index, gas_price::TEXT, batch_time
		FROM settle.deltas
		WHERE market_id = $1 AND account = $2
	`
	args := []interface{}{market, addr.Hex()}
	argIdx := 3

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, delta_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e DeltaHistoryEntry
		var fundingIndex sql.NullInt64
		var gasPrice sql.NullString
		if err := rows.Scan(
			&e.DeltaID, &e.BatchID, &e.Sequence, &e.MarketID, &e.Account, &e.DeltaType,
			&e.Base, &e.Quote, &e.Leveraged, &fundingIndex, &gasPrice, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if fundingIndex.Valid {
			e.FundingIndex = &fundingIndex.Int64
		}
		if gasPrice.Valid {
			e.GasPrice = &gasPrice.String
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain linkage and sequence continuity of the
// command log, and how far the read model trails it.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.track("integrity", time.Now(), &err)

	if qs.db == nil {
		return nil, ErrNoEventLog
	}
	report = &IntegrityReport{LastSequence: -1}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM settle.command_log c1
		JOIN settle.command_log c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.prev_hash != c2.state_hash
		ORDER BY c1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	gapRows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence + 1
		FROM settle.command_log c1
		LEFT JOIN settle.command_log c2 ON c2.sequence = c1.sequence + 1
		WHERE c2.sequence IS NULL
		  AND c1.sequence < (SELECT MAX(sequence) FROM settle.command_log)
		ORDER BY c1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer gapRows.Close()

	for gapRows.Next() {
		var seq int64
		if err := gapRows.Scan(&seq); err != nil {
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, seq)
	}
	if err := gapRows.Err(); err != nil {
		return nil, err
	}

	var last sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM settle.command_log`).Scan(&last); err != nil {
		return nil, err
	}
	if last.Valid {
		report.LastSequence = last.Int64
	}

	watermark, err := qs.rm.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	report.Watermark = watermark
	report.ProjectionLag = max(report.LastSequence-watermark, 0)

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}

// --- helpers ---

func clampLimit(limit int) (int, error) {
	if limit < 0 {
		return 0, fmt.Errorf("%w: negative limit", ErrInvalidArgs)
	}
	if limit == 0 {
		return 100, nil
	}
	return min(limit, maxLimit), nil
}

func (qs *QueryService) track(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if err := *errp; err != nil {
		status = "error"
		qs.metrics.QueryErrors.WithLabelValues(endpoint, ErrorCode(err)).Inc()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// ErrorCode classifies a query error for metrics and API responses
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgs):
		return "invalid_argument"
	case errors.Is(err, ErrNoEventLog):
		return "unavailable"
	default:
		return "internal"
	}
}
