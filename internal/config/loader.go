package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over Defaults, loads .env if present and
// applies SIMENGINE_* overrides. An empty path or a missing file leaves the
// defaults in place. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets operators inject connection strings and tune the
// engine at deploy time without editing the TOML file.
func applyEnvOverrides(cfg *Config) {
	// Platform aliases first so the prefixed variables win.
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")

	setInt(&cfg.Server.Port, "SIMENGINE_SERVER_PORT")

	setStr(&cfg.Log.Level, "SIMENGINE_LOG_LEVEL")
	setStr(&cfg.Log.Format, "SIMENGINE_LOG_FORMAT")

	setStr(&cfg.Postgres.DSN, "SIMENGINE_POSTGRES_DSN")
	setBool(&cfg.Postgres.RunMigrations, "SIMENGINE_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.URL, "SIMENGINE_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "SIMENGINE_REDIS_CACHE_TTL")

	setDuration(&cfg.Engine.TickInterval, "SIMENGINE_ENGINE_TICK_INTERVAL")
	setFloat64(&cfg.Engine.StartingBalance, "SIMENGINE_ENGINE_STARTING_BALANCE")

	setUint64(&cfg.Price.Seed, "SIMENGINE_PRICE_SEED")

	setFloat64(&cfg.AMM.Liquidity, "SIMENGINE_AMM_LIQUIDITY")

	setInt(&cfg.Perps.MaxLeverage, "SIMENGINE_PERPS_MAX_LEVERAGE")
	setInt64(&cfg.Perps.FeeBps, "SIMENGINE_PERPS_FEE_BPS")
	setFloat64(&cfg.Perps.FundingRate, "SIMENGINE_PERPS_FUNDING_RATE")
	setDuration(&cfg.Perps.FundingInterval, "SIMENGINE_PERPS_FUNDING_INTERVAL")

	setStr(&cfg.Content.URL, "SIMENGINE_CONTENT_URL")
	setDuration(&cfg.Content.Timeout, "SIMENGINE_CONTENT_TIMEOUT")
	setUint64(&cfg.Content.Seed, "SIMENGINE_CONTENT_SEED")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
