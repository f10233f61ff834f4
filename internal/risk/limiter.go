// Package risk enforces per-account exposure limits on perpetual positions.
//
// Exposure is signed notional: long positions add, short positions subtract.
// Tickers can be mapped into correlated groups (for example every L1 coin
// in one basket); exposure summed across a group is capped separately from
// any single ticker. Tickers without a group fall into one shared book.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/model"
)

var (
	// ErrPerTickerLimitExceeded is returned when a position would push the
	// net exposure in one ticker beyond the per-ticker maximum.
	ErrPerTickerLimitExceeded = fmt.Errorf("%w: per-ticker exposure limit exceeded", model.ErrValidation)

	// ErrCorrelatedLimitExceeded is returned when a position would push the
	// aggregate exposure across a correlated group beyond its maximum.
	ErrCorrelatedLimitExceeded = fmt.Errorf("%w: correlated exposure limit exceeded", model.ErrValidation)
)

// DefaultGroup collects every ticker without an explicit group.
const DefaultGroup = "book"

// ExposureLimiter enforces exposure limits with correlation awareness.
// A zero limit disables that check.
type ExposureLimiter struct {
	// MaxPerTicker is the maximum absolute net exposure in any single ticker.
	MaxPerTicker decimal.Decimal

	// MaxCorrelated is the maximum aggregate absolute exposure across all
	// tickers in the same group.
	MaxCorrelated decimal.Decimal

	// Groups maps ticker → correlation group.
	Groups map[string]string
}

// NewExposureLimiter creates a limiter with the given per-ticker and
// correlated exposure limits.
func NewExposureLimiter(maxPerTicker, maxCorrelated decimal.Decimal, groups map[string]string) *ExposureLimiter {
	cp := make(map[string]string, len(groups))
	for k, v := range groups {
		cp[k] = v
	}
	return &ExposureLimiter{
		MaxPerTicker:  maxPerTicker,
		MaxCorrelated: maxCorrelated,
		Groups:        cp,
	}
}

// CheckLimit validates whether a new exposure respects the limits.
//
// Parameters:
//   - ticker: asset the position is opened on
//   - exposureDelta: signed change in exposure (+long / -short notional)
//   - existing: map of ticker → current net exposure for this account
//
// Returns nil if the position is within limits.
func (l *ExposureLimiter) CheckLimit(ticker string, exposureDelta decimal.Decimal, existing map[string]decimal.Decimal) error {
	// 1. Per-ticker limit.
	newPosition := existing[ticker].Add(exposureDelta)
	if l.MaxPerTicker.IsPositive() && newPosition.Abs().GreaterThan(l.MaxPerTicker) {
		return fmt.Errorf("%w: %s net %s exceeds %s", ErrPerTickerLimitExceeded, ticker, newPosition, l.MaxPerTicker)
	}

	if !l.MaxCorrelated.IsPositive() {
		return nil
	}

	// 2. Correlated exposure: sum |exposure| across the ticker's group.
	group := l.group(ticker)
	total := newPosition.Abs()
	for t, exposure := range existing {
		if t == ticker {
			continue // already counted via newPosition above
		}
		if l.group(t) == group {
			total = total.Add(exposure.Abs())
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return fmt.Errorf("%w: group %s total %s exceeds %s", ErrCorrelatedLimitExceeded, group, total, l.MaxCorrelated)
	}
	return nil
}

func (l *ExposureLimiter) group(ticker string) string {
	if g, ok := l.Groups[ticker]; ok && g != "" {
		return g
	}
	return DefaultGroup
}

// Exposures nets open positions into signed notional per ticker.
func Exposures(positions []model.Position) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, p := range positions {
		if !p.IsOpen() {
			continue
		}
		out[p.Ticker] = out[p.Ticker].Add(p.Side.Factor().Mul(p.Size))
	}
	return out
}
