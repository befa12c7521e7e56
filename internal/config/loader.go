package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (if path is non-empty) over Defaults,
// then applies PERP_* overrides. Call Validate on the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// .env is optional.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Source, "PERP_SOURCE")

	setStr(&cfg.Chain.RPCURL, "PERP_CHAIN_RPC_URL")
	setStr(&cfg.Chain.Contract, "PERP_CHAIN_CONTRACT")
	setUint64(&cfg.Chain.StartBlock, "PERP_CHAIN_START_BLOCK")
	setUint64(&cfg.Chain.Confirmations, "PERP_CHAIN_CONFIRMATIONS")
	setUint64(&cfg.Chain.BatchSize, "PERP_CHAIN_BATCH_SIZE")
	setDuration(&cfg.Chain.PollInterval, "PERP_CHAIN_POLL_INTERVAL")

	setStr(&cfg.NATS.URL, "PERP_NATS_URL")
	setStr(&cfg.NATS.Consumer, "PERP_NATS_CONSUMER")
	setDuration(&cfg.NATS.AckWait, "PERP_NATS_ACK_WAIT")
	setBool(&cfg.NATS.PublishFeed, "PERP_NATS_PUBLISH_FEED")

	setStr(&cfg.Postgres.DSN, "PERP_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "PERP_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "PERP_POSTGRES_MAX_IDLE_CONNS")
	setStr(&cfg.Postgres.MigrationsDir, "PERP_MIGRATIONS_DIR")
	setBool(&cfg.Postgres.RunMigrations, "PERP_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "PERP_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERP_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERP_REDIS_DB")
	setDuration(&cfg.Redis.TTL, "PERP_REDIS_TTL")

	setDuration(&cfg.Processor.RetryInitial, "PERP_RETRY_INITIAL")
	setDuration(&cfg.Processor.RetryMax, "PERP_RETRY_MAX")

	setStr(&cfg.Server.HTTPAddr, "PERP_HTTP_ADDR")
	setStr(&cfg.Server.GRPCAddr, "PERP_GRPC_ADDR")

	setStr(&cfg.LogLevel, "PERP_LOG_LEVEL")
}

// Each setter only touches dst when the variable is set and parses.

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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
