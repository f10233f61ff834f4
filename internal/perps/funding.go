package perps

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/store"
)

// FundingCharge is one applied funding accrual.
type FundingCharge struct {
	PositionID string          `json:"position_id"`
	Periods    int64           `json:"periods"`
	Payment    decimal.Decimal `json:"payment"`
}

// FundingResult summarizes one funding pass.
type FundingResult struct {
	Charges  []FundingCharge
	Failures []PositionFailure
}

// ApplyFunding accrues whole elapsed funding periods on every open position
// for which due returns true (nil means all). Payments accumulate in
// FundingPaid and settle against the account at close. Running it twice for
// the same now charges nothing the second time.
func (e *Engine) ApplyFunding(ctx context.Context, now time.Time, due func(positionID string) bool) FundingResult {
	var res FundingResult

	positions, err := e.store.ListOpenPositions(ctx)
	if err != nil {
		e.logger.Error("list open positions failed", "error", err)
		res.Failures = append(res.Failures, PositionFailure{Err: fmt.Errorf("list open positions: %w", err)})
		return res
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	if e.cfg.Parallelism > 0 {
		g.SetLimit(e.cfg.Parallelism)
	}
	for _, p := range positions {
		if due != nil && !due(p.ID) {
			continue
		}
		if e.periods(p.LastFundingAt, now) == 0 {
			continue
		}
		g.Go(func() error {
			ch, err := e.fund(ctx, p.ID, now)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failures = append(res.Failures, PositionFailure{PositionID: p.ID, Err: err})
				return nil
			}
			if ch != nil {
				res.Charges = append(res.Charges, *ch)
			}
			return nil
		})
	}
	_ = g.Wait()
	return res
}

func (e *Engine) periods(last, now time.Time) int64 {
	if !now.After(last) {
		return 0
	}
	return int64(now.Sub(last) / e.cfg.FundingInterval)
}

// fund applies funding to one position inside a transaction. LastFundingAt
// advances by whole intervals only, so partial periods carry over.
func (e *Engine) fund(ctx context.Context, positionID string, now time.Time) (*FundingCharge, error) {
	var ch *FundingCharge
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		ch = nil
		p, err := tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if !p.IsOpen() {
			return nil
		}
		n := e.periods(p.LastFundingAt, now)
		if n == 0 {
			return nil
		}

		payment := FundingPayment(p, e.cfg.FundingRate, n)
		p.FundingPaid = p.FundingPaid.Add(payment)
		p.LastFundingAt = p.LastFundingAt.Add(time.Duration(n) * e.cfg.FundingInterval)
		if err := tx.SavePosition(ctx, p); err != nil {
			return err
		}
		ch = &FundingCharge{PositionID: p.ID, Periods: n, Payment: payment}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("funding: %w", err)
	}
	if ch != nil {
		metrics.FundingPayments.Inc()
		e.logger.Debug("funding applied",
			"position_id", ch.PositionID,
			"periods", ch.Periods,
			"payment", ch.Payment.String(),
		)
	}
	return ch, nil
}

// FundingPayment is side·size·rate·periods. Positive means the position pays.
func FundingPayment(p *model.Position, rate decimal.Decimal, periods int64) decimal.Decimal {
	return p.Side.Factor().
		Mul(p.Size).
		Mul(rate).
		Mul(decimal.NewFromInt(periods)).
		Round(Scale)
}
