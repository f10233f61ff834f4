// Package model defines the core domain types shared across the simulation
// engine. All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Cohort is a cadence group of questions sharing a nominal resolution horizon.
type Cohort struct {
	Label    string        `json:"label"`
	Duration time.Duration `json:"duration"`
}

// Standard cohorts.
var (
	Cohort24h = Cohort{Label: "24h", Duration: 24 * time.Hour}
	Cohort3d  = Cohort{Label: "3d", Duration: 3 * 24 * time.Hour}
	Cohort7d  = Cohort{Label: "7d", Duration: 7 * 24 * time.Hour}
	Cohort30d = Cohort{Label: "30d", Duration: 30 * 24 * time.Hour}
)

// ParseCohort resolves a cohort label ("24h", "3d", "7d", "30d").
func ParseCohort(label string) (Cohort, error) {
	for _, c := range []Cohort{Cohort24h, Cohort3d, Cohort7d, Cohort30d} {
		if c.Label == label {
			return c, nil
		}
	}
	return Cohort{}, fmt.Errorf("%w: unknown cohort %q", ErrValidation, label)
}

// QuestionStatus is the lifecycle state of a Question.
type QuestionStatus string

const (
	QuestionActive    QuestionStatus = "active"
	QuestionResolved  QuestionStatus = "resolved"
	QuestionCancelled QuestionStatus = "cancelled"
)

// Question is a time-boxed binary prediction question. ResolvesAt is fixed
// at creation; status only moves active→resolved or active→cancelled.
type Question struct {
	ID              string         `json:"id"`
	Text            string         `json:"text"`
	Cohort          string         `json:"cohort"`
	Tickers         []string       `json:"tickers,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ResolvesAt      time.Time      `json:"resolves_at"`
	Status          QuestionStatus `json:"status"`
	ExpectedOutcome bool           `json:"-"`
	ResolvedOutcome *bool          `json:"resolved_outcome,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
}

// Horizon is the distance between creation and resolution.
func (q *Question) Horizon() time.Duration {
	return q.ResolvesAt.Sub(q.CreatedAt)
}

// Asset is a synthetic tradable instrument whose price is driven by the
// price process.
type Asset struct {
	Ticker       string          `json:"ticker"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	InitialPrice decimal.Decimal `json:"initial_price"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// PricePoint is one append-only entry of an asset's price history.
type PricePoint struct {
	Ticker       string          `json:"ticker"`
	Price        decimal.Decimal `json:"price"`
	Delta        decimal.Decimal `json:"delta"`
	DeltaPercent decimal.Decimal `json:"delta_percent"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Outcome is one side of a binary prediction market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// OutcomeFromBool maps a resolved boolean to its outcome.
func OutcomeFromBool(v bool) Outcome {
	if v {
		return OutcomeYes
	}
	return OutcomeNo
}

// Valid reports whether o is YES or NO.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// MarketStatus is the lifecycle state of a prediction market.
type MarketStatus string

const (
	MarketOpen     MarketStatus = "open"
	MarketResolved MarketStatus = "resolved"
	MarketVoid     MarketStatus = "void"
)

// Market represents the LMSR state of a binary prediction market tied to
// one question.
type Market struct {
	ID             string          `json:"id"`
	QuestionID     string          `json:"question_id"`
	QYes           decimal.Decimal `json:"q_yes"`
	QNo            decimal.Decimal `json:"q_no"`
	B              decimal.Decimal `json:"b"` // LMSR liquidity parameter
	PriceYes       decimal.Decimal `json:"price_yes"`
	PriceNo        decimal.Decimal `json:"price_no"`
	Status         MarketStatus    `json:"status"`
	WinningOutcome *Outcome        `json:"winning_outcome,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// Holding is an account's share inventory in one market.
type Holding struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	MarketID  string          `json:"market_id"`
	YesShares decimal.Decimal `json:"yes_shares"`
	NoShares  decimal.Decimal `json:"no_shares"`

	// YesCost and NoCost are the purchase cost still at risk per outcome.
	YesCost decimal.Decimal `json:"yes_cost"`
	NoCost  decimal.Decimal `json:"no_cost"`
	Settled bool            `json:"settled"`
}

// Cost returns the remaining cost basis of an outcome.
func (h *Holding) Cost(o Outcome) decimal.Decimal {
	if o == OutcomeYes {
		return h.YesCost
	}
	return h.NoCost
}

// CostBasis is the total remaining cost across both outcomes.
func (h *Holding) CostBasis() decimal.Decimal {
	return h.YesCost.Add(h.NoCost)
}

// Shares returns the share count held for an outcome.
func (h *Holding) Shares(o Outcome) decimal.Decimal {
	if o == OutcomeYes {
		return h.YesShares
	}
	return h.NoShares
}

// TotalShares returns YES + NO shares.
func (h *Holding) TotalShares() decimal.Decimal {
	return h.YesShares.Add(h.NoShares)
}

// Trade is an immutable record of an AMM fill.
// Once created, these are never modified or deleted.
type Trade struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	MarketID    string          `json:"market_id"`
	Outcome     Outcome         `json:"outcome"`
	Quantity    decimal.Decimal `json:"quantity"` // signed: +buy, -sell
	Price       decimal.Decimal `json:"price"`    // average fill price
	Cost        decimal.Decimal `json:"cost"`     // signed: +paid, -received
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Side is the direction of a perpetual position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Factor returns +1 for long and -1 for short.
func (s Side) Factor() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Valid reports whether s is long or short.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// PositionStatus is the lifecycle state of a perpetual position.
type PositionStatus string

const (
	PositionOpen       PositionStatus = "open"
	PositionClosed     PositionStatus = "closed"
	PositionLiquidated PositionStatus = "liquidated"
)

// Position is a leveraged perpetual-futures position. Size, leverage,
// margin and liquidation price never change after open.
type Position struct {
	ID               string          `json:"id"`
	AccountID        string          `json:"account_id"`
	Ticker           string          `json:"ticker"`
	Side             Side            `json:"side"`
	Size             decimal.Decimal `json:"size"` // notional
	Leverage         int             `json:"leverage"`
	Margin           decimal.Decimal `json:"margin"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	FundingPaid      decimal.Decimal `json:"funding_paid"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	ExitPrice        decimal.Decimal `json:"exit_price"`
	Status           PositionStatus  `json:"status"`
	OpenedAt         time.Time       `json:"opened_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
	LastFundingAt    time.Time       `json:"last_funding_at"`
}

// IsOpen reports whether the position has not reached a terminal state.
func (p *Position) IsOpen() bool {
	return p.Status == PositionOpen
}

// Account holds a trader's spendable balance and derived reputation state.
// EarnedPoints is always recomputable from LifetimePnL.
type Account struct {
	ID           string          `json:"id"`
	Balance      decimal.Decimal `json:"balance"`
	LifetimePnL  decimal.Decimal `json:"lifetime_pnl"`
	EarnedPoints int64           `json:"earned_points"`
	InvitePoints int64           `json:"invite_points"`
	BonusPoints  int64           `json:"bonus_points"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Trade types recorded on points transactions.
const (
	TradeTypePrediction       = "prediction"
	TradeTypePredictionPayout = "prediction_payout"
	TradeTypePerpClose        = "perp_close"
	TradeTypePerpLiquidation  = "perp_liquidation"
	TradeTypeManual           = "manual"
)

// SettlementTradeType reports whether t is reserved for the engine's own
// settlement paths. External callers may not record under these types.
func SettlementTradeType(t string) bool {
	switch t {
	case TradeTypePrediction, TradeTypePredictionPayout, TradeTypePerpClose, TradeTypePerpLiquidation:
		return true
	}
	return false
}

// PointsTransaction is an append-only record of an earned-points change.
type PointsTransaction struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Amount       int64           `json:"amount"` // PointsAfter - PointsBefore
	Reason       string          `json:"reason"`
	TradeType    string          `json:"trade_type"`
	ReferenceID  string          `json:"reference_id"`
	PnLDelta     decimal.Decimal `json:"pnl_delta"`
	PointsBefore int64           `json:"points_before"`
	PointsAfter  int64           `json:"points_after"`
	Timestamp    time.Time       `json:"timestamp"`
}

// NarrativeEvent is content produced for a resolved question. Sentiment in
// [-1, 1] biases the price process during the tick it was produced.
type NarrativeEvent struct {
	QuestionID string    `json:"question_id"`
	Text       string    `json:"text"`
	Sentiment  float64   `json:"sentiment"`
	Tickers    []string  `json:"tickers,omitempty"`
	Fallback   bool      `json:"fallback"`
	Timestamp  time.Time `json:"timestamp"`
}

// AccountSummary aggregates an account's ledger state for API callers.
type AccountSummary struct {
	Account       Account             `json:"account"`
	Reputation    int64               `json:"reputation"`
	OpenPositions []Position          `json:"open_positions"`
	Holdings      []Holding           `json:"holdings"`
	RecentPoints  []PointsTransaction `json:"recent_points"`
}
