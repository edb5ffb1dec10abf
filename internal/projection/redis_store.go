package projection

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/insurance"
	"PerpSettle/internal/liquidation"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("not found")

const (
	recentEventsCap   = 1000
	fundingHistoryCap = 5000
)

// Key schema:
//
//	settle:watermark                  - last projected sequence
//	settle:{market}:summary           - hash, field "data" holds MarketSummary JSON
//	settle:{market}:accounts          - set of account addresses
//	settle:{market}:account:{addr}    - hash, field "data" holds AccountSnapshot JSON
//	settle:{market}:receipt:{id}      - hash, field "data" holds Receipt JSON
//	settle:{market}:withdrawals       - string, JSON list of pending withdrawals
//	settle:{market}:events            - capped list of recent event envelopes, newest first
//	settle:{market}:funding           - capped list of funding records, newest first
const keyPrefix = "settle"

func WatermarkKey() string                { return keyPrefix + ":watermark" }
func SummaryKey(market string) string     { return fmt.Sprintf("%s:%s:summary", keyPrefix, market) }
func AccountsKey(market string) string    { return fmt.Sprintf("%s:%s:accounts", keyPrefix, market) }
func WithdrawalsKey(market string) string { return fmt.Sprintf("%s:%s:withdrawals", keyPrefix, market) }
func EventsKey(market string) string      { return fmt.Sprintf("%s:%s:events", keyPrefix, market) }
func FundingKey(market string) string     { return fmt.Sprintf("%s:%s:funding", keyPrefix, market) }
func ReceiptKey(market string, id uint64) string {
	return fmt.Sprintf("%s:%s:receipt:%d", keyPrefix, market, id)
}

func AccountKey(market string, addr common.Address) string {
	return fmt.Sprintf("%s:%s:account:%s", keyPrefix, market, addr.Hex())
}

// RedisConfig holds connection parameters for the Redis client.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// NewRedisClient creates a client and pings it to verify connectivity.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// RedisStore holds the read model: per-market summaries, accounts,
// receipts, withdrawals and recent history.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Apply writes everything one command produced in a single transaction
func (s *RedisStore) Apply(ctx context.Context, out core.Output) error {
	snap := out.Snapshot
	market := out.Command.MarketID

	pipe := s.rdb.TxPipeline()

	if snap.MarketID != "" {
		summary, err := json.Marshal(SummaryFrom(snap))
		if err != nil {
			return fmt.Errorf("redis: marshal summary %s: %w", market, err)
		}
		pipe.HSet(ctx, SummaryKey(market), "data", summary)

		for _, acct := range snap.Accounts {
			data, err := json.Marshal(acct)
			if err != nil {
				return fmt.Errorf("redis: marshal account %s: %w", acct.Address.Hex(), err)
			}
			pipe.HSet(ctx, AccountKey(market, acct.Address), "data", data)
			pipe.SAdd(ctx, AccountsKey(market), acct.Address.Hex())
		}

		for _, r := range snap.Receipts {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("redis: marshal receipt %d: %w", r.ID, err)
			}
			pipe.HSet(ctx, ReceiptKey(market, r.ID), "data", data)
		}

		if snap.WithdrawalsChanged {
			data, err := json.Marshal(snap.Withdrawals)
			if err != nil {
				return fmt.Errorf("redis: marshal withdrawals %s: %w", market, err)
			}
			pipe.Set(ctx, WithdrawalsKey(market), data, 0)
		}
	}

	if len(out.Events) > 0 {
		for _, env := range out.Events {
			data, err := json.Marshal(env)
			if err != nil {
				return fmt.Errorf("redis: marshal event %d/%d: %w", env.Sequence, env.Index, err)
			}
			pipe.LPush(ctx, EventsKey(market), data)
		}
		pipe.LTrim(ctx, EventsKey(market), 0, recentEventsCap-1)
	}

	funding, err := FundingEntries(out)
	if err != nil {
		return err
	}
	if len(funding) > 0 {
		for _, f := range funding {
			data, err := json.Marshal(f)
			if err != nil {
				return fmt.Errorf("redis: marshal funding %d: %w", f.Index, err)
			}
			pipe.LPush(ctx, FundingKey(market), data)
		}
		pipe.LTrim(ctx, FundingKey(market), 0, fundingHistoryCap-1)
	}

	pipe.Set(ctx, WatermarkKey(), out.Command.Sequence, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: apply sequence %d: %w", out.Command.Sequence, err)
	}
	return nil
}

// Watermark returns the last projected sequence, -1 if nothing is projected
func (s *RedisStore) Watermark(ctx context.Context) (int64, error) {
	v, err := s.rdb.Get(ctx, WatermarkKey()).Result()
	if errors.Is(err, redis.Nil) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis: get watermark: %w", err)
	}
	return strconv.ParseInt(v, 10, 64)
}

func (s *RedisStore) Summary(ctx context.Context, market string) (MarketSummary, error) {
	var out MarketSummary
	err := s.getJSON(ctx, SummaryKey(market), &out)
	return out, err
}

func (s *RedisStore) Account(ctx context.Context, market string, addr common.Address) (core.AccountSnapshot, error) {
	var out core.AccountSnapshot
	err := s.getJSON(ctx, AccountKey(market, addr), &out)
	return out, err
}

// Accounts lists every account the market has projected
func (s *RedisStore) Accounts(ctx context.Context, market string) ([]common.Address, error) {
	members, err := s.rdb.SMembers(ctx, AccountsKey(market)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list accounts %s: %w", market, err)
	}
	out := make([]common.Address, 0, len(members))
	for _, m := range members {
		out = append(out, common.HexToAddress(m))
	}
	return out, nil
}

func (s *RedisStore) Receipt(ctx context.Context, market string, id uint64) (liquidation.Receipt, error) {
	var out liquidation.Receipt
	err := s.getJSON(ctx, ReceiptKey(market, id), &out)
	return out, err
}

func (s *RedisStore) Withdrawals(ctx context.Context, market string) ([]insurance.PendingWithdrawal, error) {
	data, err := s.rdb.Get(ctx, WithdrawalsKey(market)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get withdrawals %s: %w", market, err)
	}
	var out []insurance.PendingWithdrawal
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("redis: unmarshal withdrawals %s: %w", market, err)
	}
	return out, nil
}

// RecentEvents returns up to limit events, newest first
func (s *RedisStore) RecentEvents(ctx context.Context, market string, limit int) ([]event.Envelope, error) {
	var out []event.Envelope
	err := s.getList(ctx, EventsKey(market), limit, func(data []byte) error {
		var env event.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return err
		}
		out = append(out, env)
		return nil
	})
	return out, err
}

// FundingHistory returns up to limit funding records, newest first
func (s *RedisStore) FundingHistory(ctx context.Context, market string, limit int) ([]FundingHistoryEntry, error) {
	var out []FundingHistoryEntry
	err := s.getList(ctx, FundingKey(market), limit, func(data []byte) error {
		var f FundingHistoryEntry
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		out = append(out, f)
		return nil
	})
	return out, err
}

// Reset deletes the market's read model and the watermark so it can be
// rebuilt by replay
func (s *RedisStore) Reset(ctx context.Context, market string) error {
	var cursor uint64
	pattern := fmt.Sprintf("%s:%s:*", keyPrefix, market)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return fmt.Errorf("redis: scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis: delete %s: %w", pattern, err)
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return s.rdb.Del(ctx, WatermarkKey()).Err()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := s.rdb.HGet(ctx, key, "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis: get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("redis: unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) getList(ctx context.Context, key string, limit int, decode func([]byte) error) error {
	if limit <= 0 {
		limit = 100
	}
	items, err := s.rdb.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return fmt.Errorf("redis: range %s: %w", key, err)
	}
	for _, item := range items {
		if err := decode([]byte(item)); err != nil {
			return fmt.Errorf("redis: unmarshal %s: %w", key, err)
		}
	}
	return nil
}
