package price

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/store"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seedAssets(t *testing.T, s store.Store, prices map[string]float64) {
	t.Helper()
	for ticker, p := range prices {
		require.NoError(t, s.CreateAsset(context.Background(), &model.Asset{
			Ticker: ticker, Name: ticker, Price: decimal.NewFromFloat(p), InitialPrice: decimal.NewFromFloat(p), UpdatedAt: t0,
		}))
	}
}

func TestStep_MovesBoundedAndPositive(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedAssets(t, s, map[string]float64{"BTC": 50000, "ETH": 3000, "PENNY": 0.0001})

	cfg := DefaultConfig()
	cfg.MaxVolatility = 0.05 // wide enough that the clamp is exercised
	cfg.Seed = 42
	p := NewProcess(s, cfg, quietLogger())

	maxMove := decimal.NewFromFloat(0.01)
	for tick := 0; tick < 300; tick++ {
		before := map[string]decimal.Decimal{}
		assets, _ := s.ListAssets(ctx)
		for _, a := range assets {
			before[a.Ticker] = a.Price
		}

		snap, points, err := p.Step(ctx, t0.Add(time.Duration(tick)*time.Minute), nil)
		require.NoError(t, err)
		require.Len(t, points, 3)

		for _, pt := range points {
			old := before[pt.Ticker]
			limit := old.Mul(maxMove)
			require.True(t, pt.Delta.Abs().LessThanOrEqual(limit),
				"tick %d %s: |%s| > %s", tick, pt.Ticker, pt.Delta, limit)
			require.True(t, pt.Price.IsPositive())
			require.True(t, pt.Price.Equal(old.Add(pt.Delta)))

			got, ok := snap.Price(pt.Ticker)
			require.True(t, ok)
			require.True(t, got.Equal(pt.Price))
		}
	}

	history, _ := s.ListPriceHistory(ctx, "BTC", 0)
	assert.Len(t, history, 300)
}

func TestStep_SentimentBias(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedAssets(t, s, map[string]float64{"UP": 100, "DOWN": 100})

	cfg := Config{MinVolatility: 0, MaxVolatility: 0, TrendScale: 0.05, MaxMove: decimal.NewFromFloat(0.01), Seed: 7}
	p := NewProcess(s, cfg, quietLogger())

	events := []model.NarrativeEvent{
		{Sentiment: 1, Tickers: []string{"UP"}},
		{Sentiment: -1, Tickers: []string{"DOWN"}},
	}
	snap, _, err := p.Step(ctx, t0, events)
	require.NoError(t, err)

	up, _ := snap.Price("UP")
	down, _ := snap.Price("DOWN")
	assert.True(t, up.Equal(decimal.NewFromInt(101)), "strong positive sentiment clamps at +1%%, got %s", up)
	assert.True(t, down.Equal(decimal.NewFromInt(99)), "strong negative sentiment clamps at -1%%, got %s", down)
}

func TestStep_ClampedPriceKeepsScale(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	start := decimal.RequireFromString("33.33333333")
	require.NoError(t, s.CreateAsset(ctx, &model.Asset{Ticker: "ODD", Name: "ODD", Price: start, InitialPrice: start, UpdatedAt: t0}))

	cfg := Config{MinVolatility: 0, MaxVolatility: 0, TrendScale: 0.05, MaxMove: decimal.NewFromFloat(0.01), Seed: 7}
	p := NewProcess(s, cfg, quietLogger())
	events := []model.NarrativeEvent{{Sentiment: 1, Tickers: []string{"ODD"}}}

	prev := start
	for tick := 0; tick < 20; tick++ {
		_, points, err := p.Step(ctx, t0.Add(time.Duration(tick)*time.Minute), events)
		require.NoError(t, err)
		require.Len(t, points, 1)
		pt := points[0]

		assert.GreaterOrEqual(t, pt.Price.Exponent(), -Scale, "tick %d: price %s exceeds %d places", tick, pt.Price, Scale)
		assert.GreaterOrEqual(t, pt.Delta.Exponent(), -Scale, "tick %d: delta %s exceeds %d places", tick, pt.Delta, Scale)
		assert.True(t, pt.Delta.IsPositive())
		assert.True(t, pt.Delta.LessThanOrEqual(prev.Mul(cfg.MaxMove)))
		prev = pt.Price
	}

	a, err := s.GetAsset(ctx, "ODD")
	require.NoError(t, err)
	assert.True(t, a.Price.Equal(prev))
	assert.Equal(t, a.Price.String(), a.Price.Round(Scale).String())
}

func TestStep_NoEventsNoVolatilityIsFlat(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedAssets(t, s, map[string]float64{"FLAT": 10})

	p := NewProcess(s, Config{TrendScale: 0.05, Seed: 1}, quietLogger())
	snap, points, err := p.Step(ctx, t0, nil)
	require.NoError(t, err)

	got, _ := snap.Price("FLAT")
	assert.True(t, got.Equal(decimal.NewFromInt(10)))
	assert.True(t, points[0].Delta.IsZero())
}

func TestTrend(t *testing.T) {
	events := []model.NarrativeEvent{
		{Sentiment: 0.5, Tickers: []string{"A"}},
		{Sentiment: -1},
		{Sentiment: 3}, // clamped to 1
	}
	assert.InDelta(t, 0.5, trend("A", events), 1e-12)
	assert.InDelta(t, (0.5-1+1)/3, trend("B", events), 1e-12)
	assert.Zero(t, trend("A", nil))
}

func TestStep_SeededIsReproducible(t *testing.T) {
	run := func() []model.PricePoint {
		s := store.NewMemoryStore()
		seedAssets(t, s, map[string]float64{"A": 10, "B": 20, "C": 30})
		p := NewProcess(s, Config{MinVolatility: 0.001, MaxVolatility: 0.009, Parallelism: 3, Seed: 99}, quietLogger())
		_, points, err := p.Step(context.Background(), t0, nil)
		require.NoError(t, err)
		return points
	}
	a, b := run(), run()
	require.Len(t, b, len(a))
	for i := range a {
		assert.True(t, a[i].Price.Equal(b[i].Price), "%s: %s vs %s", a[i].Ticker, a[i].Price, b[i].Price)
	}
}

// failingStore rejects price updates for one ticker.
type failingStore struct {
	*store.MemoryStore
	ticker string
}

func (f *failingStore) ApplyPricePoint(ctx context.Context, p model.PricePoint) error {
	if p.Ticker == f.ticker {
		return errors.New("disk full")
	}
	return f.MemoryStore.ApplyPricePoint(ctx, p)
}

func TestStep_AssetFailureIsolated(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{MemoryStore: store.NewMemoryStore(), ticker: "BAD"}
	seedAssets(t, fs, map[string]float64{"BAD": 5, "GOOD": 5})

	p := NewProcess(fs, Config{MinVolatility: 0.005, MaxVolatility: 0.005, Seed: 3}, quietLogger())
	snap, points, err := p.Step(ctx, t0, nil)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "GOOD", points[0].Ticker)

	bad, ok := snap.Price("BAD")
	require.True(t, ok)
	assert.True(t, bad.Equal(decimal.NewFromInt(5)), "failed asset keeps its old price")
	assert.Equal(t, []string{"BAD", "GOOD"}, snap.Tickers())
}

func TestSnapshot_IsCopied(t *testing.T) {
	src := map[string]decimal.Decimal{"A": decimal.NewFromInt(1)}
	snap := NewSnapshot(src, t0)
	src["A"] = decimal.NewFromInt(2)

	got, _ := snap.Price("A")
	assert.True(t, got.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, t0, snap.At())
}
