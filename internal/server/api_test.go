package server_test

import (
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/projection"
	"PerpSettle/internal/query"
	"PerpSettle/internal/server"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

type fakeQueries struct {
	gotLimit  int
	gotBefore *int64
}

func (f *fakeQueries) GetMarket(ctx context.Context, market string) (*query.MarketResponse, error) {
	if market != "ETH-USD" {
		return nil, query.ErrNotFound
	}
	return &query.MarketResponse{MarketSummary: projection.MarketSummary{MarketID: market}, AsOfSequence: 9}, nil
}

func (f *fakeQueries) GetAccount(ctx context.Context, market string, addr common.Address) (*query.AccountResponse, error) {
	resp := &query.AccountResponse{Liquidatable: true, AsOfSequence: 9}
	resp.Address = addr
	return resp, nil
}

func (f *fakeQueries) ListAccounts(ctx context.Context, market string) ([]query.AccountResponse, error) {
	return nil, nil
}

func (f *fakeQueries) GetReceipt(ctx context.Context, market string, id uint64) (*query.ReceiptResponse, error) {
	return nil, query.ErrNotFound
}

func (f *fakeQueries) GetWithdrawals(ctx context.Context, market string) (*query.WithdrawalsResponse, error) {
	return &query.WithdrawalsResponse{MarketID: market}, nil
}

func (f *fakeQueries) GetFundingHistory(ctx context.Context, market string, limit int) (*query.FundingHistoryResponse, error) {
	f.gotLimit = limit
	return &query.FundingHistoryResponse{MarketID: market}, nil
}

func (f *fakeQueries) GetRecentEvents(ctx context.Context, market string, limit int) (*query.EventsResponse, error) {
	f.gotLimit = limit
	return &query.EventsResponse{MarketID: market}, nil
}

func (f *fakeQueries) GetDeltaHistory(ctx context.Context, market string, addr common.Address, limit int, before *int64) ([]query.DeltaHistoryEntry, error) {
	f.gotLimit = limit
	f.gotBefore = before
	return []query.DeltaHistoryEntry{{Sequence: 3, Account: addr.Hex()}}, nil
}

func (f *fakeQueries) VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error) {
	return nil, query.ErrNoEventLog
}

type fakeSubmitter struct {
	err     error
	gotType string
	gotBody string
}

func (f *fakeSubmitter) Submit(ctx context.Context, commandType string, data []byte) error {
	f.gotType = commandType
	f.gotBody = string(data)
	return f.err
}

func newHandler(t *testing.T, q *fakeQueries, s *fakeSubmitter) http.Handler {
	t.Helper()
	h, err := server.NewHTTPHandler(&server.Deps{Queries: q, Commands: s, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return h
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ============================================================================
// Test: Query routes
// ============================================================================

func TestQueryRoutes_Status(t *testing.T) {
	h := newHandler(t, &fakeQueries{}, &fakeSubmitter{})
	addr := common.HexToAddress("0xa11c").Hex()

	tests := []struct {
		target string
		status int
	}{
		{"/v1/markets/ETH-USD", http.StatusOK},
		{"/v1/markets/BTC-USD", http.StatusNotFound},
		{"/v1/markets/ETH-USD/accounts/" + addr, http.StatusOK},
		{"/v1/markets/ETH-USD/accounts/not-an-address", http.StatusBadRequest},
		{"/v1/markets/ETH-USD/receipts/7", http.StatusNotFound},
		{"/v1/markets/ETH-USD/receipts/seven", http.StatusBadRequest},
		{"/v1/markets/ETH-USD/withdrawals", http.StatusOK},
		{"/v1/markets/ETH-USD/events?limit=x", http.StatusBadRequest},
		{"/v1/admin/integrity", http.StatusServiceUnavailable},
		{"/healthz", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := do(h, "GET", tt.target, "")
			if rec.Code != tt.status {
				t.Errorf("status %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestGetAccount_Body(t *testing.T) {
	h := newHandler(t, &fakeQueries{}, &fakeSubmitter{})
	addr := common.HexToAddress("0xa11c")

	rec := do(h, "GET", "/v1/markets/ETH-USD/accounts/"+addr.Hex(), "")
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["liquidatable"] != true || body["as_of_sequence"] != float64(9) {
		t.Errorf("body: %v", body)
	}
	if !strings.EqualFold(fmt.Sprint(body["address"]), addr.Hex()) {
		t.Errorf("address: %v", body["address"])
	}
}

func TestGetDeltas_Params(t *testing.T) {
	q := &fakeQueries{}
	h := newHandler(t, q, &fakeSubmitter{})

	rec := do(h, "GET", "/v1/markets/ETH-USD/accounts/"+common.HexToAddress("0xa11c").Hex()+"/deltas?limit=5&before=40", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if q.gotLimit != 5 || q.gotBefore == nil || *q.gotBefore != 40 {
		t.Errorf("limit=%d before=%v", q.gotLimit, q.gotBefore)
	}
}

// ============================================================================
// Test: Command route
// ============================================================================

func TestSubmitCommand(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"processed", nil, http.StatusAccepted},
		{"invalid", ingestion.ErrInvalidCommand, http.StatusBadRequest},
		{"not consumed", ingestion.ErrNotConsumed, http.StatusBadRequest},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSubmitter{err: tt.err}
			h := newHandler(t, &fakeQueries{}, s)

			rec := do(h, "POST", "/v1/commands/Settle", `{"key":"k"}`)
			if rec.Code != tt.status {
				t.Errorf("status %d, want %d", rec.Code, tt.status)
			}
			if s.gotType != "Settle" || s.gotBody != `{"key":"k"}` {
				t.Errorf("submitted %s %s", s.gotType, s.gotBody)
			}
		})
	}
}
