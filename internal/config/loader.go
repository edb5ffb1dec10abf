package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults, loads a .env file if present, and applies PERP_* environment
// overrides. The result is not validated; call Validate after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets operators inject endpoints and secrets at deploy
// time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PERP_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "PERP_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "PERP_POSTGRES_MAX_IDLE_CONNS")
	setDuration(&cfg.Postgres.ConnMaxLifetime, "PERP_POSTGRES_CONN_MAX_LIFETIME")
	setStr(&cfg.Postgres.MigrationsDir, "PERP_MIGRATIONS_DIR")
	setBool(&cfg.Postgres.RunMigrations, "PERP_RUN_MIGRATIONS")

	// ── NATS ──
	setStr(&cfg.NATS.URL, "PERP_NATS_URL")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PERP_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERP_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERP_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERP_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "PERP_REDIS_TLS_ENABLED")

	// ── Pipeline ──
	setInt(&cfg.Pipeline.PersistChanSize, "PERP_PERSIST_CHAN_SIZE")
	setInt(&cfg.Pipeline.ProjectionChanSize, "PERP_PROJECTION_CHAN_SIZE")
	setInt(&cfg.Pipeline.PersistBatchSize, "PERP_PERSIST_BATCH_SIZE")
	setDuration(&cfg.Pipeline.PersistFlushTimeout, "PERP_PERSIST_FLUSH_TIMEOUT")
	setInt(&cfg.Pipeline.IdempotencyLRUSize, "PERP_IDEMPOTENCY_LRU_CAPACITY")

	// ── Server ──
	setStr(&cfg.Server.GRPCAddr, "PERP_GRPC_ADDR")
	setStr(&cfg.Server.HTTPAddr, "PERP_HTTP_ADDR")

	setStr(&cfg.LogLevel, "PERP_LOG_LEVEL")

	// A single market can be declared entirely from the environment.
	if id := os.Getenv("PERP_MARKET_ID"); id != "" && len(cfg.Markets) == 0 {
		m := MarketConfig{ID: id}
		setStr(&m.InsuranceAccount, "PERP_MARKET_INSURANCE_ACCOUNT")
		setStringSlice(&m.Traders, "PERP_MARKET_TRADERS")
		cfg.Markets = append(cfg.Markets, m)
	}
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
