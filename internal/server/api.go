package server

import (
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/query"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
)

const maxCommandBody = 1 << 20

// Queries is the read API
type Queries interface {
	GetMarket(ctx context.Context, market string) (*query.MarketResponse, error)
	GetAccount(ctx context.Context, market string, addr common.Address) (*query.AccountResponse, error)
	ListAccounts(ctx context.Context, market string) ([]query.AccountResponse, error)
	GetReceipt(ctx context.Context, market string, id uint64) (*query.ReceiptResponse, error)
	GetWithdrawals(ctx context.Context, market string) (*query.WithdrawalsResponse, error)
	GetFundingHistory(ctx context.Context, market string, limit int) (*query.FundingHistoryResponse, error)
	GetRecentEvents(ctx context.Context, market string, limit int) (*query.EventsResponse, error)
	GetDeltaHistory(ctx context.Context, market string, addr common.Address, limit int, beforeSequence *int64) ([]query.DeltaHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// CommandSubmitter injects commands into the ingest pipeline
type CommandSubmitter interface {
	Submit(ctx context.Context, commandType string, data []byte) error
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type api struct {
	queries   Queries
	commands  CommandSubmitter
	marshaler runtime.JSONBuiltin
	logger    zerolog.Logger
}

func (a *api) register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{"GET", "/v1/markets/{market}", a.getMarket},
		{"GET", "/v1/markets/{market}/accounts", a.listAccounts},
		{"GET", "/v1/markets/{market}/accounts/{address}", a.getAccount},
		{"GET", "/v1/markets/{market}/accounts/{address}/deltas", a.getDeltas},
		{"GET", "/v1/markets/{market}/receipts/{id}", a.getReceipt},
		{"GET", "/v1/markets/{market}/withdrawals", a.getWithdrawals},
		{"GET", "/v1/markets/{market}/funding", a.getFunding},
		{"GET", "/v1/markets/{market}/events", a.getEvents},
		{"GET", "/v1/admin/integrity", a.verifyIntegrity},
		{"POST", "/v1/commands/{command_type}", a.submitCommand},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.h); err != nil {
			return fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return nil
}

// ============================================================================
// Query handlers
// ============================================================================

func (a *api) getMarket(w http.ResponseWriter, r *http.Request, p map[string]string) {
	resp, err := a.queries.GetMarket(r.Context(), p["market"])
	a.respond(w, resp, err)
}

func (a *api) listAccounts(w http.ResponseWriter, r *http.Request, p map[string]string) {
	resp, err := a.queries.ListAccounts(r.Context(), p["market"])
	a.respond(w, resp, err)
}

func (a *api) getAccount(w http.ResponseWriter, r *http.Request, p map[string]string) {
	addr, err := parseAddress(p["address"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	resp, err := a.queries.GetAccount(r.Context(), p["market"], addr)
	a.respond(w, resp, err)
}

func (a *api) getDeltas(w http.ResponseWriter, r *http.Request, p map[string]string) {
	addr, err := parseAddress(p["address"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		a.writeError(w, err)
		return
	}

	var before *int64
	if v := r.URL.Query().Get("before"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			a.writeError(w, fmt.Errorf("%w: before: %v", query.ErrInvalidArgs, err))
			return
		}
		before = &seq
	}

	resp, err := a.queries.GetDeltaHistory(r.Context(), p["market"], addr, limit, before)
	a.respond(w, resp, err)
}

func (a *api) getReceipt(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := strconv.ParseUint(p["id"], 10, 64)
	if err != nil {
		a.writeError(w, fmt.Errorf("%w: receipt id: %v", query.ErrInvalidArgs, err))
		return
	}
	resp, err := a.queries.GetReceipt(r.Context(), p["market"], id)
	a.respond(w, resp, err)
}

func (a *api) getWithdrawals(w http.ResponseWriter, r *http.Request, p map[string]string) {
	resp, err := a.queries.GetWithdrawals(r.Context(), p["market"])
	a.respond(w, resp, err)
}

func (a *api) getFunding(w http.ResponseWriter, r *http.Request, p map[string]string) {
	limit, err := intParam(r, "limit")
	if err != nil {
		a.writeError(w, err)
		return
	}
	resp, err := a.queries.GetFundingHistory(r.Context(), p["market"], limit)
	a.respond(w, resp, err)
}

func (a *api) getEvents(w http.ResponseWriter, r *http.Request, p map[string]string) {
	limit, err := intParam(r, "limit")
	if err != nil {
		a.writeError(w, err)
		return
	}
	resp, err := a.queries.GetRecentEvents(r.Context(), p["market"], limit)
	a.respond(w, resp, err)
}

// ============================================================================
// Admin handlers
// ============================================================================

func (a *api) verifyIntegrity(w http.ResponseWriter, r *http.Request, p map[string]string) {
	resp, err := a.queries.VerifyIntegrity(r.Context())
	a.respond(w, resp, err)
}

// submitCommand accepts the same JSON payload a producer would publish to
// perp.settle.commands.{command_type}.{market}
func (a *api) submitCommand(w http.ResponseWriter, r *http.Request, p map[string]string) {
	if a.commands == nil {
		a.writeStatus(w, codes.Unavailable, "command ingest not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		a.writeStatus(w, codes.InvalidArgument, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	err = a.commands.Submit(ctx, p["command_type"], body)
	switch {
	case err == nil:
		a.writeJSON(w, http.StatusAccepted, map[string]string{"status": "processed"})
	case errors.Is(err, ingestion.ErrInvalidCommand):
		a.writeStatus(w, codes.InvalidArgument, err.Error())
	case errors.Is(err, ingestion.ErrNotConsumed):
		a.writeStatus(w, codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		a.writeStatus(w, codes.DeadlineExceeded, err.Error())
	default:
		a.writeStatus(w, codes.Unavailable, err.Error())
	}
}

// ============================================================================
// Helpers
// ============================================================================

func (a *api) respond(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, v)
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	code := codes.Internal
	switch query.ErrorCode(err) {
	case "not_found":
		code = codes.NotFound
	case "invalid_argument":
		code = codes.InvalidArgument
	case "unavailable":
		code = codes.Unavailable
	default:
		a.logger.Error().Err(err).Msg("query failed")
	}
	a.writeStatus(w, code, err.Error())
}

func (a *api) writeStatus(w http.ResponseWriter, code codes.Code, msg string) {
	a.writeJSON(w, runtime.HTTPStatusFromCode(code), errorBody{Code: code.String(), Message: msg})
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := a.marshaler.Marshal(v)
	if err != nil {
		a.logger.Error().Err(err).Msg("encode response")
		http.Error(w, `{"code":"Internal","message":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", a.marshaler.ContentType(v))
	w.WriteHeader(status)
	w.Write(data)
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: address %q", query.ErrInvalidArgs, s)
	}
	return common.HexToAddress(s), nil
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", query.ErrInvalidArgs, name, err)
	}
	return n, nil
}
