// Package ledger converts realized P&L into reputation points.
//
// It never moves spendable balance: balance changes happen at trade time in
// the component that owns the trade. The ledger appends realized P&L to an
// account's lifetime total, recomputes earned points from that total and
// appends an auditable PointsTransaction. Every entry is keyed by
// (account, trade type, reference), which makes recording exactly-once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/store"
)

// Default points parameters.
const (
	DefaultPointsDivisor  = 10
	DefaultPointsFloor    = -100
	DefaultBaseReputation = 100
	DefaultRecentPoints   = 20
)

// Config tunes the points conversion.
type Config struct {
	PointsDivisor  decimal.Decimal // P&L per earned point
	PointsFloor    int64           // lower clamp; no upper clamp
	BaseReputation int64
	RecentPoints   int // points rows returned by AccountSummary
}

// DefaultConfig returns the standard conversion: floor(pnl/10) clamped at -100.
func DefaultConfig() Config {
	return Config{
		PointsDivisor:  decimal.NewFromInt(DefaultPointsDivisor),
		PointsFloor:    DefaultPointsFloor,
		BaseReputation: DefaultBaseReputation,
		RecentPoints:   DefaultRecentPoints,
	}
}

// Ledger is the single authoritative entry point for realized P&L.
type Ledger struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger. Zero config fields fall back to defaults.
func New(s store.Store, cfg Config, logger *slog.Logger) *Ledger {
	def := DefaultConfig()
	if cfg.PointsDivisor.LessThanOrEqual(decimal.Zero) {
		cfg.PointsDivisor = def.PointsDivisor
	}
	if cfg.PointsFloor == 0 {
		cfg.PointsFloor = def.PointsFloor
	}
	if cfg.BaseReputation == 0 {
		cfg.BaseReputation = def.BaseReputation
	}
	if cfg.RecentPoints <= 0 {
		cfg.RecentPoints = def.RecentPoints
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: s, cfg: cfg, logger: logger, now: time.Now}
}

// WithClock replaces the timestamp source. Used by tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// PnLToPoints converts lifetime P&L to earned points with the default
// parameters: floor(pnl/10), clamped below at -100.
func PnLToPoints(pnl decimal.Decimal) int64 {
	return pnlToPoints(pnl, decimal.NewFromInt(DefaultPointsDivisor), DefaultPointsFloor)
}

func pnlToPoints(pnl, divisor decimal.Decimal, floor int64) int64 {
	// Floor rounds toward negative infinity: -15/10 = -2.
	p := pnl.Div(divisor).Floor().IntPart()
	if p < floor {
		return floor
	}
	return p
}

// Points converts lifetime P&L using the ledger's configuration.
func (l *Ledger) Points(lifetimePnL decimal.Decimal) int64 {
	return pnlToPoints(lifetimePnL, l.cfg.PointsDivisor, l.cfg.PointsFloor)
}

// Reputation is the displayed total: base + earned + invite + bonus.
func (l *Ledger) Reputation(a *model.Account) int64 {
	return l.cfg.BaseReputation + a.EarnedPoints + a.InvitePoints + a.BonusPoints
}

// Apply records realized P&L inside the caller's transaction. Callers that
// also change the balance must save the account before calling Apply.
//
// A second call with the same (accountID, tradeType, referenceID) is a no-op
// and returns (nil, nil).
func (l *Ledger) Apply(ctx context.Context, tx store.Tx, accountID string, pnl decimal.Decimal, tradeType, referenceID string) (*model.PointsTransaction, error) {
	if accountID == "" || tradeType == "" || referenceID == "" {
		return nil, model.Validationf("account, trade type and reference are required")
	}

	exists, err := tx.HasPointsTransaction(ctx, accountID, tradeType, referenceID)
	if err != nil {
		return nil, fmt.Errorf("check points transaction: %w", err)
	}
	if exists {
		return nil, nil
	}

	acct, err := tx.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := l.now()
	before := acct.EarnedPoints
	acct.LifetimePnL = acct.LifetimePnL.Add(pnl)
	acct.EarnedPoints = l.Points(acct.LifetimePnL)
	acct.UpdatedAt = now
	if err := tx.SaveAccount(ctx, acct); err != nil {
		return nil, err
	}

	pt := &model.PointsTransaction{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Amount:       acct.EarnedPoints - before,
		Reason:       reasonFor(tradeType),
		TradeType:    tradeType,
		ReferenceID:  referenceID,
		PnLDelta:     pnl,
		PointsBefore: before,
		PointsAfter:  acct.EarnedPoints,
		Timestamp:    now,
	}
	if err := tx.AppendPointsTransaction(ctx, pt); err != nil {
		return nil, err
	}
	return pt, nil
}

// ErrReservedTradeType rejects external entries under a settlement trade type.
var ErrReservedTradeType = fmt.Errorf("%w: trade type is reserved for settlement", model.ErrValidation)

// RecordRealizedPnL applies externally reported P&L in its own account
// transaction. Settlement trade types are rejected: those keys belong to
// Apply calls made by the market and perps engines. It returns (nil, nil)
// if the reference was already recorded.
func (l *Ledger) RecordRealizedPnL(ctx context.Context, accountID string, pnl decimal.Decimal, tradeType, referenceID string) (*model.PointsTransaction, error) {
	if model.SettlementTradeType(tradeType) {
		return nil, fmt.Errorf("%w: %s", ErrReservedTradeType, tradeType)
	}
	var pt *model.PointsTransaction
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		pt, err = l.Apply(ctx, tx, accountID, pnl, tradeType, referenceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.Observe(pt)
	return pt, nil
}

// Observe logs and counts a committed points transaction. nil is ignored.
func (l *Ledger) Observe(pt *model.PointsTransaction) {
	if pt == nil {
		return
	}
	metrics.PointsTransactions.WithLabelValues(pt.TradeType).Inc()
	l.logger.Info("points recorded",
		"account_id", pt.AccountID,
		"trade_type", pt.TradeType,
		"reference_id", pt.ReferenceID,
		"pnl", pt.PnLDelta.String(),
		"points_before", pt.PointsBefore,
		"points_after", pt.PointsAfter,
	)
}

// AccountSummary aggregates balance, reputation, open positions, holdings
// and recent points for one account.
func (l *Ledger) AccountSummary(ctx context.Context, accountID string) (*model.AccountSummary, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	positions, err := l.store.ListPositionsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	open := make([]model.Position, 0, len(positions))
	for _, p := range positions {
		if p.IsOpen() {
			open = append(open, p)
		}
	}

	holdings, err := l.store.ListHoldingsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}

	recent, err := l.store.ListPointsTransactions(ctx, accountID, l.cfg.RecentPoints)
	if err != nil {
		return nil, fmt.Errorf("list points: %w", err)
	}

	return &model.AccountSummary{
		Account:       *acct,
		Reputation:    l.Reputation(acct),
		OpenPositions: open,
		Holdings:      holdings,
		RecentPoints:  recent,
	}, nil
}

// ErrPointsDrift is returned by Verify when stored points disagree with
// lifetime P&L.
var ErrPointsDrift = errors.New("earned points drift from lifetime pnl")

// Verify recomputes earned points from lifetime P&L and reports drift.
func (l *Ledger) Verify(ctx context.Context, accountID string) error {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if want := l.Points(acct.LifetimePnL); want != acct.EarnedPoints {
		return fmt.Errorf("%w: account %s stores %d, lifetime pnl %s gives %d",
			ErrPointsDrift, accountID, acct.EarnedPoints, acct.LifetimePnL, want)
	}
	return nil
}

func reasonFor(tradeType string) string {
	switch tradeType {
	case model.TradeTypePrediction:
		return "prediction shares sold"
	case model.TradeTypePredictionPayout:
		return "prediction market settled"
	case model.TradeTypePerpClose:
		return "perpetual position closed"
	case model.TradeTypePerpLiquidation:
		return "perpetual position liquidated"
	default:
		return "realized pnl"
	}
}
