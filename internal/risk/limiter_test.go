package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(5000), nil)

	if err := limiter.CheckLimit("BTC", d(100), nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerTickerExceeded(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(5000), nil)

	// Existing exposure of 950 + new 100 = 1050 > 1000.
	existing := map[string]decimal.Decimal{"BTC": d(950)}

	err := limiter.CheckLimit("BTC", d(100), existing)
	if !errors.Is(err, ErrPerTickerLimitExceeded) {
		t.Errorf("expected ErrPerTickerLimitExceeded, got %v", err)
	}
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("limit errors should be validation errors, got %v", err)
	}
}

func TestCheckLimit_ShortReducesExposure(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(5000), nil)

	// A short against an 800 long nets to 600 < 1000.
	existing := map[string]decimal.Decimal{"BTC": d(800)}

	if err := limiter.CheckLimit("BTC", d(-200), existing); err != nil {
		t.Errorf("short should reduce net exposure, got %v", err)
	}
}

func TestCheckLimit_CorrelatedExceeded(t *testing.T) {
	groups := map[string]string{"BTC": "l1", "ETH": "l1", "SOL": "l1", "AVAX": "l1"}
	limiter := NewExposureLimiter(d(1000), d(2000), groups)

	existing := map[string]decimal.Decimal{
		"BTC": d(800),
		"ETH": d(-800), // shorts count by absolute size
		"SOL": d(300),
	}

	// total = 200 + 800 + 800 + 300 = 2100 > 2000
	err := limiter.CheckLimit("AVAX", d(200), existing)
	if !errors.Is(err, ErrCorrelatedLimitExceeded) {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_OtherGroupsIgnored(t *testing.T) {
	groups := map[string]string{"BTC": "l1", "ETH": "l1", "GOLD": "metals"}
	limiter := NewExposureLimiter(d(1000), d(2000), groups)

	existing := map[string]decimal.Decimal{
		"BTC":  d(800),
		"GOLD": d(900),
	}

	// Correlated total = 500 + 800 = 1300 < 2000 (GOLD excluded).
	if err := limiter.CheckLimit("ETH", d(500), existing); err != nil {
		t.Errorf("other groups should be ignored, got %v", err)
	}
}

func TestCheckLimit_ZeroLimitsDisabled(t *testing.T) {
	limiter := NewExposureLimiter(decimal.Zero, decimal.Zero, nil)

	existing := map[string]decimal.Decimal{"BTC": d(1e9)}
	if err := limiter.CheckLimit("BTC", d(1e9), existing); err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}

func TestExposures_NetsOpenPositions(t *testing.T) {
	positions := []model.Position{
		{Ticker: "BTC", Side: model.SideLong, Size: d(1000), Status: model.PositionOpen},
		{Ticker: "BTC", Side: model.SideShort, Size: d(300), Status: model.PositionOpen},
		{Ticker: "BTC", Side: model.SideLong, Size: d(5000), Status: model.PositionClosed},
		{Ticker: "ETH", Side: model.SideShort, Size: d(50), Status: model.PositionOpen},
	}

	got := Exposures(positions)
	if !got["BTC"].Equal(d(700)) {
		t.Errorf("expected BTC net 700, got %s", got["BTC"])
	}
	if !got["ETH"].Equal(d(-50)) {
		t.Errorf("expected ETH net -50, got %s", got["ETH"])
	}
}
