// Package perps manages leveraged perpetual positions on synthetic assets:
// open, mark-to-market, liquidation, funding and close.
//
// Size is notional. The account posts Size/Leverage as margin at open and
// gets margin plus P&L minus funding back at close, floored at zero. A
// liquidated position forfeits its margin; the balance was already debited
// at open so liquidation moves no money.
package perps

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/sim-engine/internal/ledger"
	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/price"
	"github.com/atmx/sim-engine/internal/risk"
	"github.com/atmx/sim-engine/internal/store"
)

// Scale is the number of decimal places kept on P&L and liquidation prices.
const Scale int32 = 8

// HardMaxLeverage bounds MaxLeverage.
const HardMaxLeverage = 100

// Config holds perpetual parameters.
type Config struct {
	MaxLeverage int
	// FeeBps is the open fee in basis points of notional.
	FeeBps int64
	// FundingRate is charged per FundingInterval on notional. Positive
	// means longs pay.
	FundingRate     decimal.Decimal
	FundingInterval time.Duration
	// Parallelism limits concurrent position work in Sweep and funding.
	Parallelism int
}

// DefaultConfig returns 100x max leverage, no fee and 0.01% funding every 8h.
func DefaultConfig() Config {
	return Config{
		MaxLeverage:     HardMaxLeverage,
		FundingRate:     decimal.NewFromFloat(0.0001),
		FundingInterval: 8 * time.Hour,
		Parallelism:     16,
	}
}

// Engine owns the perpetual position lifecycle.
type Engine struct {
	store   store.Store
	ledger  *ledger.Ledger
	limiter *risk.ExposureLimiter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates a perpetuals engine. limiter may be nil.
func NewEngine(s store.Store, l *ledger.Ledger, limiter *risk.ExposureLimiter, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxLeverage <= 0 || cfg.MaxLeverage > HardMaxLeverage {
		cfg.MaxLeverage = HardMaxLeverage
	}
	if cfg.FundingInterval <= 0 {
		cfg.FundingInterval = DefaultConfig().FundingInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   s,
		ledger:  l,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock replaces the timestamp source. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// LiquidationPrice is the price at which losses consume the whole margin:
// entry·(L−1)/L for longs and entry·(L+1)/L for shorts.
func LiquidationPrice(side model.Side, entry decimal.Decimal, leverage int) decimal.Decimal {
	l := decimal.NewFromInt(int64(leverage))
	one := decimal.NewFromInt(1)
	if side == model.SideShort {
		return entry.Mul(l.Add(one)).Div(l).Round(Scale)
	}
	return entry.Mul(l.Sub(one)).Div(l).Round(Scale)
}

// PnL is side·(price − entry)/entry · margin · leverage.
func PnL(p *model.Position, mark decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	notional := p.Margin.Mul(decimal.NewFromInt(int64(p.Leverage)))
	return p.Side.Factor().
		Mul(mark.Sub(p.EntryPrice)).
		Mul(notional).
		Div(p.EntryPrice).
		Round(Scale)
}

// Liquidatable reports whether mark has crossed the liquidation price.
func Liquidatable(p *model.Position, mark decimal.Decimal) bool {
	if p.Side == model.SideShort {
		return mark.GreaterThanOrEqual(p.LiquidationPrice)
	}
	return mark.LessThanOrEqual(p.LiquidationPrice)
}

// OpenRequest opens a position of Size notional at Leverage.
type OpenRequest struct {
	AccountID string          `json:"account_id"`
	Ticker    string          `json:"ticker"`
	Side      model.Side      `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Leverage  int             `json:"leverage"`
}

// OpenResult is the committed position and remaining balance.
type OpenResult struct {
	Position model.Position  `json:"position"`
	Fee      decimal.Decimal `json:"fee"`
	Balance  decimal.Decimal `json:"balance"`
}

func (e *Engine) validate(req OpenRequest) error {
	switch {
	case req.AccountID == "":
		return model.Validationf("account_id is required")
	case req.Ticker == "":
		return model.Validationf("ticker is required")
	case !req.Side.Valid():
		return model.Validationf("side must be long or short, got %q", req.Side)
	case req.Size.LessThanOrEqual(decimal.Zero):
		return model.Validationf("size must be positive, got %s", req.Size)
	case req.Leverage < 1 || req.Leverage > e.cfg.MaxLeverage:
		return model.Validationf("leverage must be in [1, %d], got %d", e.cfg.MaxLeverage, req.Leverage)
	}
	return nil
}

// Open posts margin and creates an open position at the asset's current price.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}

	asset, err := e.store.GetAsset(ctx, req.Ticker)
	if err != nil {
		return nil, err
	}
	if !asset.Price.IsPositive() {
		return nil, model.Validationf("asset %s has no price", req.Ticker)
	}

	if e.limiter != nil {
		open, err := e.store.ListPositionsByAccount(ctx, req.AccountID)
		if err != nil {
			return nil, fmt.Errorf("list positions: %w", err)
		}
		delta := req.Side.Factor().Mul(req.Size)
		if err := e.limiter.CheckLimit(req.Ticker, delta, risk.Exposures(open)); err != nil {
			metrics.ExposureRejections.Inc()
			return nil, err
		}
	}

	leverage := decimal.NewFromInt(int64(req.Leverage))
	margin := req.Size.Div(leverage).Round(Scale)
	fee := req.Size.Mul(decimal.NewFromInt(e.cfg.FeeBps)).Div(decimal.NewFromInt(10000)).Round(Scale)
	required := margin.Add(fee)

	var res *OpenResult
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		acct, err := tx.GetAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if acct.Balance.LessThan(required) {
			return &model.InsufficientBalanceError{AccountID: acct.ID, Required: required, Available: acct.Balance}
		}

		now := e.now()
		acct.Balance = acct.Balance.Sub(required)
		acct.UpdatedAt = now
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}

		p := model.Position{
			ID:               uuid.New().String(),
			AccountID:        req.AccountID,
			Ticker:           req.Ticker,
			Side:             req.Side,
			Size:             req.Size,
			Leverage:         req.Leverage,
			Margin:           margin,
			EntryPrice:       asset.Price,
			CurrentPrice:     asset.Price,
			LiquidationPrice: LiquidationPrice(req.Side, asset.Price, req.Leverage),
			UnrealizedPnL:    decimal.Zero,
			FundingPaid:      decimal.Zero,
			Status:           model.PositionOpen,
			OpenedAt:         now,
			LastFundingAt:    now,
		}
		if err := tx.CreatePosition(ctx, &p); err != nil {
			return err
		}
		res = &OpenResult{Position: p, Fee: fee, Balance: acct.Balance}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.PositionsTotal.WithLabelValues("opened").Inc()
	e.logger.Info("position opened",
		"position_id", res.Position.ID,
		"account_id", req.AccountID,
		"ticker", req.Ticker,
		"side", req.Side,
		"size", req.Size.String(),
		"leverage", req.Leverage,
		"entry", res.Position.EntryPrice.String(),
		"liquidation_price", res.Position.LiquidationPrice.String(),
	)
	return res, nil
}

// CloseResult reports a closed position.
type CloseResult struct {
	Position    model.Position           `json:"position"`
	Credit      decimal.Decimal          `json:"credit"`
	RealizedPnL decimal.Decimal          `json:"realized_pnl"`
	Balance     decimal.Decimal          `json:"balance"`
	Points      *model.PointsTransaction `json:"points,omitempty"`
}

// Close exits an open position at the asset's current price. The account is
// credited max(0, margin + pnl − funding) and the ledger records
// credit − margin, so a loss never exceeds the posted margin.
func (e *Engine) Close(ctx context.Context, positionID string) (*CloseResult, error) {
	p, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if !p.IsOpen() {
		return nil, fmt.Errorf("position %s is %s: %w", p.ID, p.Status, model.ErrPositionClosed)
	}
	asset, err := e.store.GetAsset(ctx, p.Ticker)
	if err != nil {
		return nil, err
	}
	mark := asset.Price

	var res *CloseResult
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if !p.IsOpen() {
			return fmt.Errorf("position %s is %s: %w", p.ID, p.Status, model.ErrPositionClosed)
		}

		pnl := PnL(p, mark)
		credit := decimal.Max(p.Margin.Add(pnl).Sub(p.FundingPaid), decimal.Zero)
		realized := credit.Sub(p.Margin)

		now := e.now()
		acct, err := tx.GetAccount(ctx, p.AccountID)
		if err != nil {
			return err
		}
		acct.Balance = acct.Balance.Add(credit)
		acct.UpdatedAt = now
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}

		p.Status = model.PositionClosed
		p.CurrentPrice = mark
		p.ExitPrice = mark
		p.UnrealizedPnL = decimal.Zero
		p.RealizedPnL = realized
		p.ClosedAt = &now
		if err := tx.SavePosition(ctx, p); err != nil {
			return err
		}

		pt, err := e.ledger.Apply(ctx, tx, p.AccountID, realized, model.TradeTypePerpClose, p.ID)
		if err != nil {
			return err
		}
		res = &CloseResult{Position: *p, Credit: credit, RealizedPnL: realized, Balance: acct.Balance, Points: pt}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.ledger.Observe(res.Points)
	metrics.PositionsTotal.WithLabelValues("closed").Inc()
	e.logger.Info("position closed",
		"position_id", positionID,
		"exit", mark.String(),
		"credit", res.Credit.String(),
		"realized_pnl", res.RealizedPnL.String(),
	)
	return res, nil
}

// LiquidationEvent is emitted once per liquidated position.
type LiquidationEvent struct {
	Position model.Position           `json:"position"`
	Mark     decimal.Decimal          `json:"mark"`
	Points   *model.PointsTransaction `json:"points,omitempty"`
}

// PositionFailure is a per-position error from Sweep or funding.
type PositionFailure struct {
	PositionID string
	Err        error
}

// SweepResult summarizes one mark-to-market pass.
type SweepResult struct {
	Marked       int
	Liquidations []LiquidationEvent
	Failures     []PositionFailure
}

// Sweep marks every open position to the snapshot and liquidates those past
// their liquidation price. Positions without a snapshot price are skipped.
// Errors are collected per position and never abort the pass.
func (e *Engine) Sweep(ctx context.Context, snap price.Snapshot) SweepResult {
	var res SweepResult

	positions, err := e.store.ListOpenPositions(ctx)
	if err != nil {
		e.logger.Error("list open positions failed", "error", err)
		res.Failures = append(res.Failures, PositionFailure{Err: fmt.Errorf("list open positions: %w", err)})
		return res
	}
	metrics.OpenPositions.Set(float64(len(positions)))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	if e.cfg.Parallelism > 0 {
		g.SetLimit(e.cfg.Parallelism)
	}
	for i := range positions {
		g.Go(func() error {
			p := positions[i]
			mark, ok := snap.Price(p.Ticker)
			if !ok {
				return nil
			}
			ev, err := e.markAndCheck(ctx, &p, mark)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failures = append(res.Failures, PositionFailure{PositionID: p.ID, Err: err})
				return nil
			}
			res.Marked++
			if ev != nil {
				res.Liquidations = append(res.Liquidations, *ev)
			}
			return nil
		})
	}
	_ = g.Wait()
	return res
}

func (e *Engine) markAndCheck(ctx context.Context, p *model.Position, mark decimal.Decimal) (*LiquidationEvent, error) {
	if err := e.store.UpdatePositionMark(ctx, p.ID, mark, PnL(p, mark)); err != nil {
		return nil, fmt.Errorf("mark: %w", err)
	}
	if !Liquidatable(p, mark) {
		return nil, nil
	}
	return e.Liquidate(ctx, p.ID, mark)
}

// Liquidate moves an open position to liquidated at its liquidation price
// and records the forfeited margin. It returns (nil, nil) when the position
// is no longer open.
func (e *Engine) Liquidate(ctx context.Context, positionID string, mark decimal.Decimal) (*LiquidationEvent, error) {
	var ev *LiquidationEvent
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		ev = nil
		p, err := tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if !p.IsOpen() {
			return nil
		}

		now := e.now()
		realized := p.Margin.Neg()
		p.Status = model.PositionLiquidated
		p.CurrentPrice = mark
		p.ExitPrice = p.LiquidationPrice
		p.UnrealizedPnL = decimal.Zero
		p.RealizedPnL = realized
		p.ClosedAt = &now
		if err := tx.SavePosition(ctx, p); err != nil {
			return err
		}

		pt, err := e.ledger.Apply(ctx, tx, p.AccountID, realized, model.TradeTypePerpLiquidation, p.ID)
		if err != nil {
			return err
		}
		ev = &LiquidationEvent{Position: *p, Mark: mark, Points: pt}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("liquidate: %w", err)
	}
	if ev == nil {
		return nil, nil
	}

	e.ledger.Observe(ev.Points)
	metrics.PositionsTotal.WithLabelValues("liquidated").Inc()
	e.logger.Warn("position liquidated",
		"position_id", ev.Position.ID,
		"account_id", ev.Position.AccountID,
		"ticker", ev.Position.Ticker,
		"mark", mark.String(),
		"liquidation_price", ev.Position.LiquidationPrice.String(),
		"margin_lost", ev.Position.Margin.String(),
	)
	return ev, nil
}
