// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for binary prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All monetary values use shopspring/decimal, never float64 for money.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted to decimal.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/model"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrPriceBoundExceeded is returned when a trade would push prices
	// beyond the band configured on the market maker.
	ErrPriceBoundExceeded = errors.New("lmsr: trade would push price beyond allowed bounds")

	// PriceScale is the number of decimal places for price/cost rounding.
	PriceScale int32 = 8
)

// MarketMaker implements the LMSR cost function for binary outcome markets.
// It is stateless: market quantities are passed as arguments, not stored.
type MarketMaker struct {
	b decimal.Decimal

	// minPrice/maxPrice bound the YES price a trade may leave behind.
	// Zero values disable the band.
	minPrice decimal.Decimal
	maxPrice decimal.Decimal
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b → more liquidity, lower price impact per trade.
// Maximum market-maker loss is bounded by b * ln(2) for binary markets.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// WithPriceBand returns a copy of m that rejects trades leaving the YES
// price outside [lo, hi].
func (m *MarketMaker) WithPriceBand(lo, hi decimal.Decimal) *MarketMaker {
	cp := *m
	cp.minPrice = lo
	cp.maxPrice = hi
	return &cp
}

// LiquidityForMaxLoss derives b from the subsidy an operator is willing to
// lose on one binary market: b = maxLoss / ln(2).
func LiquidityForMaxLoss(maxLoss decimal.Decimal) (decimal.Decimal, error) {
	if maxLoss.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidLiquidity
	}
	b := maxLoss.InexactFloat64() / math.Ln2
	return decimal.NewFromFloat(b).Round(PriceScale), nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(Σ exp(q_i / b))
//
// For binary markets, q = [qYes, qNo].
func (m *MarketMaker) Cost(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf := m.b.InexactFloat64()
	qy := qYes.InexactFloat64()
	qn := qNo.InexactFloat64()

	lse := logSumExp([]float64{qy / bf, qn / bf})
	return decimal.NewFromFloat(bf * lse).Round(PriceScale)
}

// priceYes is the unrounded softmax probability of YES.
func (m *MarketMaker) priceYes(qYes, qNo decimal.Decimal) float64 {
	bf := m.b.InexactFloat64()
	yOverB := qYes.InexactFloat64() / bf
	nOverB := qNo.InexactFloat64() / bf
	maxVal := math.Max(yOverB, nOverB)

	expYes := math.Exp(yOverB - maxVal)
	expNo := math.Exp(nOverB - maxVal)
	return expYes / (expYes + expNo)
}

// Price computes the instantaneous price (probability) for the YES outcome:
//
//	p_yes = exp(qYes / b) / (exp(qYes / b) + exp(qNo / b))
//
// This is the softmax function. Uses max-subtraction for numerical stability.
func (m *MarketMaker) Price(qYes, qNo decimal.Decimal) decimal.Decimal {
	return decimal.NewFromFloat(m.priceYes(qYes, qNo)).Round(PriceScale)
}

// PriceNo returns the instantaneous price for the NO outcome: 1 - p_yes.
// Defined by complement so the two prices always sum to exactly 1.
func (m *MarketMaker) PriceNo(qYes, qNo decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(m.Price(qYes, qNo))
}

// OutcomePrice returns the price of the given outcome.
func (m *MarketMaker) OutcomePrice(qYes, qNo decimal.Decimal, o model.Outcome) decimal.Decimal {
	if o == model.OutcomeNo {
		return m.PriceNo(qYes, qNo)
	}
	return m.Price(qYes, qNo)
}

// TradeCost computes the cost to change the quantity of outcome o by delta
// shares:
//
//	cost = C(q + delta·e_o) - C(q)
//
// Positive delta = buying (positive cost to trader).
// Negative delta = selling (negative cost = payout to trader).
func (m *MarketMaker) TradeCost(qYes, qNo decimal.Decimal, o model.Outcome, delta decimal.Decimal) decimal.Decimal {
	costBefore := m.Cost(qYes, qNo)
	if o == model.OutcomeNo {
		return m.Cost(qYes, qNo.Add(delta)).Sub(costBefore)
	}
	return m.Cost(qYes.Add(delta), qNo).Sub(costBefore)
}

// FillPrice returns the average execution price per share for a trade.
//
//	fillPrice = cost / delta
//
// Positive for both buys (cost>0, delta>0) and sells (cost<0, delta<0).
func (m *MarketMaker) FillPrice(qYes, qNo decimal.Decimal, o model.Outcome, delta decimal.Decimal) decimal.Decimal {
	if delta.IsZero() {
		return m.OutcomePrice(qYes, qNo, o)
	}
	cost := m.TradeCost(qYes, qNo, o, delta)
	return cost.Div(delta).Round(PriceScale)
}

// ValidateTrade checks whether a trade would push the YES price outside
// the configured band. Always nil when no band is set.
func (m *MarketMaker) ValidateTrade(qYes, qNo decimal.Decimal, o model.Outcome, delta decimal.Decimal) error {
	if m.minPrice.IsZero() && m.maxPrice.IsZero() {
		return nil
	}
	newYes, newNo := qYes, qNo
	if o == model.OutcomeNo {
		newNo = newNo.Add(delta)
	} else {
		newYes = newYes.Add(delta)
	}

	price := m.priceYes(newYes, newNo)
	if !m.minPrice.IsZero() && price < m.minPrice.InexactFloat64() {
		return ErrPriceBoundExceeded
	}
	if !m.maxPrice.IsZero() && price > m.maxPrice.InexactFloat64() {
		return ErrPriceBoundExceeded
	}
	return nil
}

// MaxLoss returns the maximum possible loss for the market maker: b * ln(n),
// where n = 2 for binary markets.
func (m *MarketMaker) MaxLoss() decimal.Decimal {
	bf := m.b.InexactFloat64()
	return decimal.NewFromFloat(bf * math.Ln2).Round(PriceScale)
}
