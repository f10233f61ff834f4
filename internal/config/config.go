// Package config loads simulation engine settings from TOML, .env and
// SIMENGINE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/engine"
	"github.com/atmx/sim-engine/internal/ledger"
	"github.com/atmx/sim-engine/internal/market"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/perps"
	"github.com/atmx/sim-engine/internal/price"
	"github.com/atmx/sim-engine/internal/scheduler"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Log      LogConfig      `toml:"log"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Engine   EngineConfig   `toml:"engine"`
	Price    PriceConfig    `toml:"price"`
	AMM      AMMConfig      `toml:"amm"`
	Perps    PerpsConfig    `toml:"perps"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Content  ContentConfig  `toml:"content"`
	Cohorts  []CohortConfig `toml:"cohorts"`
	Assets   []AssetConfig  `toml:"assets"`
}

type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type LogConfig struct {
	Level    string `toml:"level"`
	Format   string `toml:"format"` // json or text
	Output   string `toml:"output"` // console, file or both
	FilePath string `toml:"file_path"`
}

// PostgresConfig selects the durable store. An empty DSN runs in memory.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache and event fan-out when URL is set.
type RedisConfig struct {
	URL           string   `toml:"url"`
	CacheTTL      Duration `toml:"cache_ttl"`
	ChannelPrefix string   `toml:"channel_prefix"`
}

type EngineConfig struct {
	TickInterval    Duration `toml:"tick_interval"`
	StartingBalance float64  `toml:"starting_balance"`
	MaxRetryDelay   int      `toml:"max_retry_delay"`
	EscalateAfter   int      `toml:"escalate_after"`
}

type PriceConfig struct {
	MinVolatility float64 `toml:"min_volatility"`
	MaxVolatility float64 `toml:"max_volatility"`
	TrendScale    float64 `toml:"trend_scale"`
	MaxMove       float64 `toml:"max_move"`
	Parallelism   int     `toml:"parallelism"`
	Seed          uint64  `toml:"seed"`
}

type AMMConfig struct {
	Liquidity float64 `toml:"liquidity"`
	MinPrice  float64 `toml:"min_price"`
	MaxPrice  float64 `toml:"max_price"`
}

type PerpsConfig struct {
	MaxLeverage     int      `toml:"max_leverage"`
	FeeBps          int64    `toml:"fee_bps"`
	FundingRate     float64  `toml:"funding_rate"`
	FundingInterval Duration `toml:"funding_interval"`
	Parallelism     int      `toml:"parallelism"`
	MaxPerTicker    float64  `toml:"max_per_ticker"`
	MaxCorrelated   float64  `toml:"max_correlated"`
}

type LedgerConfig struct {
	PointsDivisor  float64 `toml:"points_divisor"`
	PointsFloor    int64   `toml:"points_floor"`
	BaseReputation int64   `toml:"base_reputation"`
	RecentPoints   int     `toml:"recent_points"`
}

// ContentConfig picks the question generator. An empty URL uses the
// built-in template generator.
type ContentConfig struct {
	URL       string   `toml:"url"`
	Timeout   Duration `toml:"timeout"`
	Seed      uint64   `toml:"seed"`
	Tolerance Duration `toml:"tolerance"`
}

type CohortConfig struct {
	Label     string   `toml:"label"`
	Duration  Duration `toml:"duration"`
	MaxActive int      `toml:"max_active"`
	Interval  Duration `toml:"interval"`
}

// AssetConfig seeds a tradable asset on first start.
type AssetConfig struct {
	Ticker string  `toml:"ticker"`
	Name   string  `toml:"name"`
	Price  float64 `toml:"price"`
	Group  string  `toml:"group"` // correlation group for exposure limits
}

// Duration decodes TOML strings like "30s" or "8h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration that runs in memory with the standard
// cadence and a small asset universe.
func Defaults() Config {
	eng := engine.DefaultConfig()
	pr := price.DefaultConfig()
	pp := perps.DefaultConfig()
	led := ledger.DefaultConfig()
	sch := scheduler.DefaultConfig()

	cfg := Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration{10 * time.Second},
			WriteTimeout:    Duration{10 * time.Second},
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Log: LogConfig{Level: "info", Format: "json", Output: "console"},
		Redis: RedisConfig{
			CacheTTL:      Duration{30 * time.Second},
			ChannelPrefix: "sim:",
		},
		Engine: EngineConfig{
			TickInterval:    Duration{eng.TickInterval},
			StartingBalance: eng.StartingBalance.InexactFloat64(),
			MaxRetryDelay:   eng.MaxRetryDelay,
			EscalateAfter:   eng.EscalateAfter,
		},
		Price: PriceConfig{
			MinVolatility: pr.MinVolatility,
			MaxVolatility: pr.MaxVolatility,
			TrendScale:    pr.TrendScale,
			MaxMove:       pr.MaxMove.InexactFloat64(),
			Parallelism:   pr.Parallelism,
		},
		AMM: AMMConfig{Liquidity: 100},
		Perps: PerpsConfig{
			MaxLeverage:     pp.MaxLeverage,
			FeeBps:          pp.FeeBps,
			FundingRate:     pp.FundingRate.InexactFloat64(),
			FundingInterval: Duration{pp.FundingInterval},
			Parallelism:     pp.Parallelism,
			MaxPerTicker:    50000,
			MaxCorrelated:   200000,
		},
		Ledger: LedgerConfig{
			PointsDivisor:  led.PointsDivisor.InexactFloat64(),
			PointsFloor:    led.PointsFloor,
			BaseReputation: led.BaseReputation,
			RecentPoints:   led.RecentPoints,
		},
		Content: ContentConfig{
			Timeout:   Duration{sch.GenerationTimeout},
			Tolerance: Duration{sch.Tolerance},
		},
		Assets: []AssetConfig{
			{Ticker: "BTC", Name: "Bitcoin", Price: 50000, Group: "crypto"},
			{Ticker: "ETH", Name: "Ether", Price: 3000, Group: "crypto"},
			{Ticker: "SPX", Name: "S&P 500", Price: 5000, Group: "equity"},
			{Ticker: "GOLD", Name: "Gold", Price: 2300, Group: "commodity"},
		},
	}
	for _, c := range scheduler.DefaultCohorts() {
		cfg.Cohorts = append(cfg.Cohorts, CohortConfig{
			Label:     c.Cohort.Label,
			Duration:  Duration{c.Cohort.Duration},
			MaxActive: c.MaxActive,
			Interval:  Duration{c.Interval},
		})
	}
	return cfg
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"json": true, "text": true}
	validLogOutputs = map[string]bool{"": true, "console": true, "file": true, "both": true}
)

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("unknown log level %q (valid: debug, info, warn, error)", c.Log.Level))
	}
	if !validLogFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, fmt.Sprintf("unknown log format %q (valid: json, text)", c.Log.Format))
	}
	if !validLogOutputs[strings.ToLower(c.Log.Output)] {
		errs = append(errs, fmt.Sprintf("unknown log output %q (valid: console, file, both)", c.Log.Output))
	}

	if c.Engine.TickInterval.Duration <= 0 {
		errs = append(errs, "engine: tick_interval must be positive")
	}
	if c.Engine.StartingBalance < 0 {
		errs = append(errs, "engine: starting_balance must not be negative")
	}

	if c.Price.MinVolatility < 0 || c.Price.MaxVolatility < c.Price.MinVolatility {
		errs = append(errs, "price: need 0 <= min_volatility <= max_volatility")
	}
	if c.Price.MaxMove <= 0 || c.Price.MaxMove >= 1 {
		errs = append(errs, "price: max_move must be in (0, 1)")
	}

	if c.AMM.Liquidity <= 0 {
		errs = append(errs, "amm: liquidity must be positive")
	}
	if c.AMM.MaxPrice != 0 && (c.AMM.MinPrice < 0 || c.AMM.MaxPrice > 1 || c.AMM.MinPrice >= c.AMM.MaxPrice) {
		errs = append(errs, "amm: price band must satisfy 0 <= min_price < max_price <= 1")
	}

	if c.Perps.MaxLeverage < 1 || c.Perps.MaxLeverage > perps.HardMaxLeverage {
		errs = append(errs, fmt.Sprintf("perps: max_leverage must be in [1, %d]", perps.HardMaxLeverage))
	}
	if c.Perps.FeeBps < 0 {
		errs = append(errs, "perps: fee_bps must not be negative")
	}
	if c.Perps.FundingInterval.Duration <= 0 {
		errs = append(errs, "perps: funding_interval must be positive")
	}

	if c.Ledger.PointsDivisor <= 0 {
		errs = append(errs, "ledger: points_divisor must be positive")
	}
	if c.Ledger.PointsFloor > 0 {
		errs = append(errs, "ledger: points_floor must not be positive")
	}

	seen := make(map[string]bool)
	for i, co := range c.Cohorts {
		switch {
		case co.Label == "":
			errs = append(errs, fmt.Sprintf("cohorts[%d]: label is required", i))
		case seen[co.Label]:
			errs = append(errs, fmt.Sprintf("cohorts[%d]: duplicate label %q", i, co.Label))
		}
		seen[co.Label] = true
		if co.Duration.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("cohorts[%d]: duration must be positive", i))
		}
		if co.MaxActive < 0 {
			errs = append(errs, fmt.Sprintf("cohorts[%d]: max_active must not be negative", i))
		}
	}

	tickers := make(map[string]bool)
	for i, a := range c.Assets {
		if a.Ticker == "" {
			errs = append(errs, fmt.Sprintf("assets[%d]: ticker is required", i))
		} else if tickers[a.Ticker] {
			errs = append(errs, fmt.Sprintf("assets[%d]: duplicate ticker %q", i, a.Ticker))
		}
		tickers[a.Ticker] = true
		if a.Price <= 0 {
			errs = append(errs, fmt.Sprintf("assets[%d]: price must be positive", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// --- Component conversions ---

func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		TickInterval:    c.Engine.TickInterval.Duration,
		StartingBalance: decimal.NewFromFloat(c.Engine.StartingBalance),
		MaxRetryDelay:   c.Engine.MaxRetryDelay,
		EscalateAfter:   c.Engine.EscalateAfter,
	}
}

func (c *Config) PriceConfig() price.Config {
	return price.Config{
		MinVolatility: c.Price.MinVolatility,
		MaxVolatility: c.Price.MaxVolatility,
		TrendScale:    c.Price.TrendScale,
		MaxMove:       decimal.NewFromFloat(c.Price.MaxMove),
		Parallelism:   c.Price.Parallelism,
		Seed:          c.Price.Seed,
	}
}

func (c *Config) MarketConfig() market.Config {
	return market.Config{
		Liquidity: decimal.NewFromFloat(c.AMM.Liquidity),
		MinPrice:  decimal.NewFromFloat(c.AMM.MinPrice),
		MaxPrice:  decimal.NewFromFloat(c.AMM.MaxPrice),
	}
}

func (c *Config) PerpsConfig() perps.Config {
	return perps.Config{
		MaxLeverage:     c.Perps.MaxLeverage,
		FeeBps:          c.Perps.FeeBps,
		FundingRate:     decimal.NewFromFloat(c.Perps.FundingRate),
		FundingInterval: c.Perps.FundingInterval.Duration,
		Parallelism:     c.Perps.Parallelism,
	}
}

func (c *Config) LedgerConfig() ledger.Config {
	return ledger.Config{
		PointsDivisor:  decimal.NewFromFloat(c.Ledger.PointsDivisor),
		PointsFloor:    c.Ledger.PointsFloor,
		BaseReputation: c.Ledger.BaseReputation,
		RecentPoints:   c.Ledger.RecentPoints,
	}
}

func (c *Config) SchedulerConfig() scheduler.Config {
	cohorts := make([]scheduler.CohortConfig, 0, len(c.Cohorts))
	for _, co := range c.Cohorts {
		cohorts = append(cohorts, scheduler.CohortConfig{
			Cohort:    model.Cohort{Label: co.Label, Duration: co.Duration.Duration},
			MaxActive: co.MaxActive,
			Interval:  co.Interval.Duration,
		})
	}
	return scheduler.Config{
		Cohorts:           cohorts,
		Tolerance:         c.Content.Tolerance.Duration,
		GenerationTimeout: c.Content.Timeout.Duration,
	}
}

// AssetGroups maps each ticker to its correlation group.
func (c *Config) AssetGroups() map[string]string {
	groups := make(map[string]string, len(c.Assets))
	for _, a := range c.Assets {
		if a.Group != "" {
			groups[a.Ticker] = a.Group
		}
	}
	return groups
}
