// Package price evolves synthetic asset prices once per tick with a bounded
// stochastic walk biased by narrative sentiment.
package price

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/store"
)

// Scale is the number of decimal places kept on asset prices.
const Scale int32 = 8

// Config bounds the walk.
type Config struct {
	MinVolatility float64
	MaxVolatility float64
	// TrendScale converts mean sentiment in [-1, 1] into a relative drift.
	TrendScale float64
	// MaxMove caps |delta| as a fraction of the pre-tick price.
	MaxMove decimal.Decimal
	// Parallelism limits concurrent asset updates. Zero means unlimited.
	Parallelism int
	Seed        uint64
}

// DefaultConfig returns a walk of 0.2%–0.8% volatility with a 1% cap.
func DefaultConfig() Config {
	return Config{
		MinVolatility: 0.002,
		MaxVolatility: 0.008,
		TrendScale:    0.002,
		MaxMove:       decimal.NewFromFloat(0.01),
		Parallelism:   8,
	}
}

// Snapshot is an immutable view of post-step prices. Every position marked
// in a tick reads the same snapshot.
type Snapshot struct {
	prices map[string]decimal.Decimal
	at     time.Time
}

// NewSnapshot copies prices into a snapshot.
func NewSnapshot(prices map[string]decimal.Decimal, at time.Time) Snapshot {
	cp := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return Snapshot{prices: cp, at: at}
}

// Price returns the snapshot price of ticker.
func (s Snapshot) Price(ticker string) (decimal.Decimal, bool) {
	p, ok := s.prices[ticker]
	return p, ok
}

// Tickers returns the snapshot tickers in sorted order.
func (s Snapshot) Tickers() []string {
	out := make([]string, 0, len(s.prices))
	for t := range s.prices {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of priced assets.
func (s Snapshot) Len() int { return len(s.prices) }

// At returns the tick time the snapshot was taken for.
func (s Snapshot) At() time.Time { return s.at }

// Process steps every asset once per tick.
type Process struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProcess creates a price process. A zero seed draws one from the runtime.
func NewProcess(s store.Store, cfg Config, logger *slog.Logger) *Process {
	if cfg.MaxMove.LessThanOrEqual(decimal.Zero) {
		cfg.MaxMove = DefaultConfig().MaxMove
	}
	if cfg.MaxVolatility < cfg.MinVolatility {
		cfg.MinVolatility, cfg.MaxVolatility = cfg.MaxVolatility, cfg.MinVolatility
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{
		store:  s,
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// draw is the random input of one asset step.
type draw struct {
	volatility float64
	noise      float64 // U(-1, 1)
}

func (p *Process) draws(n int) []draw {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]draw, n)
	for i := range out {
		out[i] = draw{
			volatility: p.cfg.MinVolatility + p.rng.Float64()*(p.cfg.MaxVolatility-p.cfg.MinVolatility),
			noise:      p.rng.Float64()*2 - 1,
		}
	}
	return out
}

// Step moves every asset once and returns the post-step snapshot with the
// price points written. An asset whose update fails keeps its old price in
// the snapshot; only failure to list assets is returned as an error.
func (p *Process) Step(ctx context.Context, now time.Time, events []model.NarrativeEvent) (Snapshot, []model.PricePoint, error) {
	assets, err := p.store.ListAssets(ctx)
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("list assets: %w", err)
	}

	// Random inputs are drawn in ticker order before fanning out, so a
	// seeded process is reproducible regardless of goroutine scheduling.
	draws := p.draws(len(assets))
	points := make([]*model.PricePoint, len(assets))

	var g errgroup.Group
	if p.cfg.Parallelism > 0 {
		g.SetLimit(p.cfg.Parallelism)
	}
	for i := range assets {
		g.Go(func() error {
			a := assets[i]
			pt := p.next(a, draws[i], trend(a.Ticker, events)*p.cfg.TrendScale, now)
			if err := p.store.ApplyPricePoint(ctx, pt); err != nil {
				metrics.TickPhaseFailures.WithLabelValues("price").Inc()
				p.logger.Error("price update failed", "ticker", a.Ticker, "error", err)
				return nil
			}
			points[i] = &pt
			return nil
		})
	}
	_ = g.Wait()

	prices := make(map[string]decimal.Decimal, len(assets))
	var written []model.PricePoint
	for i, a := range assets {
		prices[a.Ticker] = a.Price
		if points[i] != nil {
			prices[a.Ticker] = points[i].Price
			written = append(written, *points[i])
		}
	}
	return NewSnapshot(prices, now), written, nil
}

// next computes one bounded step: delta = price·(trend + noise·vol),
// clamped to ±MaxMove·price. The limit is rounded toward zero at Scale so
// a clamped price keeps Scale places and stays within the bound.
func (p *Process) next(a model.Asset, dr draw, bias float64, now time.Time) model.PricePoint {
	limit := a.Price.Mul(p.cfg.MaxMove).RoundDown(Scale)
	move := bias + dr.noise*dr.volatility

	delta := a.Price.Mul(decimal.NewFromFloat(move)).Round(Scale)
	if delta.GreaterThan(limit) {
		delta = limit
	} else if delta.LessThan(limit.Neg()) {
		delta = limit.Neg()
	}

	pct := decimal.Zero
	if a.Price.IsPositive() {
		pct = delta.Div(a.Price).Mul(decimal.NewFromInt(100)).Round(4)
	}
	return model.PricePoint{
		Ticker:       a.Ticker,
		Price:        a.Price.Add(delta),
		Delta:        delta,
		DeltaPercent: pct,
		Timestamp:    now,
	}
}

// trend is the mean sentiment of events naming ticker, or of all events
// when none name it. Zero without events.
func trend(ticker string, events []model.NarrativeEvent) float64 {
	var named, all float64
	var nNamed, nAll int
	for _, e := range events {
		s := clampSentiment(e.Sentiment)
		all += s
		nAll++
		for _, t := range e.Tickers {
			if t == ticker {
				named += s
				nNamed++
				break
			}
		}
	}
	switch {
	case nNamed > 0:
		return named / float64(nNamed)
	case nAll > 0:
		return all / float64(nAll)
	default:
		return 0
	}
}

func clampSentiment(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
