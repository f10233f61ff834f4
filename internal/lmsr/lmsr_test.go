package lmsr

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Constructor tests ---

func TestNewMarketMaker_Valid(t *testing.T) {
	mm, err := NewMarketMaker(d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mm.B().Equal(d(100)) {
		t.Errorf("expected b=100, got %s", mm.B())
	}
}

func TestNewMarketMaker_NonPositiveB(t *testing.T) {
	for _, b := range []float64{0, -50} {
		if _, err := NewMarketMaker(d(b)); err != ErrInvalidLiquidity {
			t.Errorf("expected ErrInvalidLiquidity for b=%v, got %v", b, err)
		}
	}
}

func TestLiquidityForMaxLoss(t *testing.T) {
	b, err := LiquidityForMaxLoss(d(69.31471806))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Sub(d(100)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("expected b≈100, got %s", b)
	}
	if _, err := LiquidityForMaxLoss(decimal.Zero); err != ErrInvalidLiquidity {
		t.Errorf("expected ErrInvalidLiquidity for zero subsidy, got %v", err)
	}
}

// --- Price function tests ---

func TestPrice_InitiallyFiftyFifty(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	price := mm.Price(d(0), d(0))
	if !price.Equal(d(0.5)) {
		t.Errorf("expected initial price 0.5, got %s", price)
	}
}

func TestPrice_BuyingYesIncreasesPrice(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	priceBefore := mm.Price(d(0), d(0))
	priceAfter := mm.Price(d(10), d(0))
	if priceAfter.LessThanOrEqual(priceBefore) {
		t.Errorf("buying YES should increase price: before=%s after=%s",
			priceBefore, priceAfter)
	}
}

func TestPrice_BuyingNoDecreasesYesPrice(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	priceBefore := mm.Price(d(0), d(0))
	priceAfter := mm.Price(d(0), d(10))
	if priceAfter.GreaterThanOrEqual(priceBefore) {
		t.Errorf("buying NO should decrease YES price: before=%s after=%s",
			priceBefore, priceAfter)
	}
}

func TestPrice_SumsToOne(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	one := decimal.NewFromInt(1)

	tests := []struct {
		qYes, qNo float64
	}{
		{0, 0},
		{10, 0},
		{0, 10},
		{30, 10},
		{100, 200},
		{500, 100},
		{1e6, 0},
	}
	for _, tt := range tests {
		pYes := mm.Price(d(tt.qYes), d(tt.qNo))
		pNo := mm.PriceNo(d(tt.qYes), d(tt.qNo))
		if !pYes.Add(pNo).Equal(one) {
			t.Errorf("prices should sum to 1: pYes=%s pNo=%s (q=%.0f,%.0f)",
				pYes, pNo, tt.qYes, tt.qNo)
		}
		if pYes.LessThan(decimal.Zero) || pYes.GreaterThan(one) {
			t.Errorf("price out of [0,1]: %s", pYes)
		}
	}
}

// --- Trade cost tests ---

func TestTradeCost_BuyPositive(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	for _, o := range []model.Outcome{model.OutcomeYes, model.OutcomeNo} {
		cost := mm.TradeCost(d(0), d(0), o, d(10))
		if cost.LessThanOrEqual(decimal.Zero) {
			t.Errorf("buying %s should cost positive amount, got %s", o, cost)
		}
	}
}

func TestTradeCost_SellNegative(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	cost := mm.TradeCost(d(10), d(0), model.OutcomeYes, d(-10))
	if cost.GreaterThanOrEqual(decimal.Zero) {
		t.Errorf("selling YES should return money (negative cost), got %s", cost)
	}
}

func TestTradeCost_SymmetricAtOrigin(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	costYes := mm.TradeCost(d(0), d(0), model.OutcomeYes, d(10))
	costNo := mm.TradeCost(d(0), d(0), model.OutcomeNo, d(10))
	if !costYes.Equal(costNo) {
		t.Errorf("expected symmetric cost at origin: YES=%s NO=%s", costYes, costNo)
	}
}

func TestTradeCost_MonotonicInQuantity(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	prev := decimal.Zero
	for _, qty := range []float64{1, 5, 10, 50, 100, 500, 1000} {
		cost := mm.TradeCost(d(20), d(5), model.OutcomeYes, d(qty))
		if cost.LessThanOrEqual(prev) {
			t.Errorf("cost should increase with quantity: qty=%v cost=%s prev=%s", qty, cost, prev)
		}
		prev = cost
	}
}

func TestCost_PathIndependence(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	tolerance := d(0.0000001)

	cost1 := mm.TradeCost(d(0), d(0), model.OutcomeYes, d(10))
	cost2 := mm.TradeCost(d(10), d(0), model.OutcomeYes, d(5))
	sequential := cost1.Add(cost2)

	direct := mm.TradeCost(d(0), d(0), model.OutcomeYes, d(15))

	if sequential.Sub(direct).Abs().GreaterThan(tolerance) {
		t.Errorf("LMSR should be path-independent: sequential=%s direct=%s",
			sequential, direct)
	}
}

func TestCost_Convexity(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	cost1 := mm.TradeCost(d(0), d(0), model.OutcomeYes, d(10))
	cost2 := mm.TradeCost(d(10), d(0), model.OutcomeYes, d(10))
	if cost2.LessThanOrEqual(cost1) {
		t.Errorf("second batch should cost more (convexity): first=%s second=%s",
			cost1, cost2)
	}
}

func TestCost_LargeQuantitiesNoOverflow(t *testing.T) {
	mm, _ := NewMarketMaker(d(10))
	cost := mm.TradeCost(d(1e6), d(0), model.OutcomeYes, d(10))
	if cost.LessThanOrEqual(decimal.Zero) {
		t.Errorf("cost at extreme q should stay positive, got %s", cost)
	}
}

// --- Bounded loss test ---

func TestMaxLoss_Bounded(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	maxLoss := mm.MaxLoss()

	initialCost := mm.Cost(d(0), d(0))
	highQCost := mm.Cost(d(10000), d(0))

	traderPaid := highQCost.Sub(initialCost)
	mmLoss := decimal.NewFromInt(10000).Sub(traderPaid)

	if mmLoss.GreaterThan(maxLoss) {
		t.Errorf("market maker loss %s exceeds theoretical bound %s", mmLoss, maxLoss)
	}
}

// --- Price band tests ---

func TestValidateTrade_NoBandAcceptsAll(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	if err := mm.ValidateTrade(d(0), d(0), model.OutcomeYes, d(100000)); err != nil {
		t.Errorf("unbanded market maker should accept any trade, got %v", err)
	}
}

func TestValidateTrade_RejectsBeyondBounds(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	mm = mm.WithPriceBand(d(0.001), d(0.999))

	if err := mm.ValidateTrade(d(0), d(0), model.OutcomeYes, d(100000)); err != ErrPriceBoundExceeded {
		t.Errorf("expected ErrPriceBoundExceeded for massive YES buy, got %v", err)
	}
	if err := mm.ValidateTrade(d(0), d(0), model.OutcomeNo, d(100000)); err != ErrPriceBoundExceeded {
		t.Errorf("expected ErrPriceBoundExceeded for massive NO buy, got %v", err)
	}
	if err := mm.ValidateTrade(d(0), d(0), model.OutcomeYes, d(10)); err != nil {
		t.Errorf("moderate trade should be accepted, got %v", err)
	}
}

// --- Fill price tests ---

func TestFillPrice_SmallTrade(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	fill := mm.FillPrice(d(0), d(0), model.OutcomeYes, d(0.001))
	if fill.Sub(d(0.5)).Abs().GreaterThan(d(0.01)) {
		t.Errorf("small trade fill price should be ≈ 0.5, got %s", fill)
	}
}

func TestFillPrice_ZeroDelta(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	fill := mm.FillPrice(d(0), d(0), model.OutcomeNo, d(0))
	if !fill.Equal(d(0.5)) {
		t.Errorf("zero-delta fill price should equal current price 0.5, got %s", fill)
	}
}

func TestFillPrice_PositiveForBothBuyAndSell(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))

	buyFill := mm.FillPrice(d(0), d(0), model.OutcomeYes, d(10))
	if buyFill.LessThanOrEqual(decimal.Zero) {
		t.Errorf("buy fill price should be positive, got %s", buyFill)
	}

	sellFill := mm.FillPrice(d(10), d(0), model.OutcomeYes, d(-10))
	if sellFill.LessThanOrEqual(decimal.Zero) {
		t.Errorf("sell fill price should be positive, got %s", sellFill)
	}
}

// --- Internal logSumExp tests ---

func TestLogSumExp_NoOverflow(t *testing.T) {
	result := logSumExp([]float64{1000, 1001})
	if math.IsNaN(result) || math.IsInf(result, 1) {
		t.Errorf("logSumExp should not overflow: got %f", result)
	}
	if result < 1000 || result > 1002 {
		t.Errorf("logSumExp(1000,1001) should be in [1000,1002], got %f", result)
	}
}

func TestLogSumExp_Empty(t *testing.T) {
	result := logSumExp(nil)
	if !math.IsInf(result, -1) {
		t.Errorf("expected -Inf for empty input, got %f", result)
	}
}

func TestLogSumExp_EqualValues(t *testing.T) {
	// ln(n * exp(x)) = x + ln(n)
	result := logSumExp([]float64{3, 3})
	expected := 3.0 + math.Log(2)
	if math.Abs(result-expected) > 1e-10 {
		t.Errorf("logSumExp([3,3]) should be %f, got %f", expected, result)
	}
}
