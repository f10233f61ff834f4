// Package market runs binary prediction markets against the LMSR market
// maker: quotes, buys, sells, resolution and settlement of holdings.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/ledger"
	"github.com/atmx/sim-engine/internal/lmsr"
	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/store"
)

// Config holds AMM parameters applied to new markets.
type Config struct {
	// Liquidity is the LMSR b parameter for new markets.
	Liquidity decimal.Decimal
	// MinPrice and MaxPrice bound the YES price a trade may leave behind.
	// Zero disables the band.
	MinPrice decimal.Decimal
	MaxPrice decimal.Decimal
}

// Service owns prediction market state. Balances are moved here at trade
// time; realized P&L is handed to the ledger inside the same transaction.
type Service struct {
	store  store.Store
	ledger *ledger.Ledger
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a market service.
func NewService(s store.Store, l *ledger.Ledger, cfg Config, logger *slog.Logger) (*Service, error) {
	if cfg.Liquidity.LessThanOrEqual(decimal.Zero) {
		return nil, lmsr.ErrInvalidLiquidity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, ledger: l, cfg: cfg, logger: logger, now: time.Now}, nil
}

// WithClock replaces the timestamp source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) marketMaker(m *model.Market) (*lmsr.MarketMaker, error) {
	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return nil, err
	}
	if !s.cfg.MinPrice.IsZero() || !s.cfg.MaxPrice.IsZero() {
		mm = mm.WithPriceBand(s.cfg.MinPrice, s.cfg.MaxPrice)
	}
	return mm, nil
}

// CreateForQuestion opens the market backing a question at q = (0, 0).
func (s *Service) CreateForQuestion(ctx context.Context, q *model.Question) (*model.Market, error) {
	half := decimal.NewFromFloat(0.5)
	m := &model.Market{
		ID:         uuid.New().String(),
		QuestionID: q.ID,
		QYes:       decimal.Zero,
		QNo:        decimal.Zero,
		B:          s.cfg.Liquidity,
		PriceYes:   half,
		PriceNo:    half,
		Status:     model.MarketOpen,
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateMarket(ctx, m); err != nil {
		return nil, fmt.Errorf("create market for question %s: %w", q.ID, err)
	}
	metrics.ActiveMarkets.Inc()
	s.logger.Info("market created",
		"market_id", m.ID,
		"question_id", q.ID,
		"b", m.B.String(),
	)
	return m, nil
}

// Quote is the price of a prospective trade.
type Quote struct {
	MarketID      string          `json:"market_id"`
	Outcome       model.Outcome   `json:"outcome"`
	Amount        decimal.Decimal `json:"amount"`
	Cost          decimal.Decimal `json:"cost"`
	FillPrice     decimal.Decimal `json:"fill_price"`
	PriceYesAfter decimal.Decimal `json:"price_yes_after"`
}

// Quote prices buying amount shares of outcome without mutating anything.
func (s *Service) Quote(ctx context.Context, marketID string, outcome model.Outcome, amount decimal.Decimal) (*Quote, error) {
	if err := validateOrder(outcome, amount); err != nil {
		return nil, err
	}
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.MarketOpen {
		return nil, fmt.Errorf("market %s is %s: %w", m.ID, m.Status, model.ErrMarketResolved)
	}
	mm, err := s.marketMaker(m)
	if err != nil {
		return nil, err
	}
	qYes, qNo := shifted(m, outcome, amount)
	return &Quote{
		MarketID:      m.ID,
		Outcome:       outcome,
		Amount:        amount,
		Cost:          mm.TradeCost(m.QYes, m.QNo, outcome, amount),
		FillPrice:     mm.FillPrice(m.QYes, m.QNo, outcome, amount),
		PriceYesAfter: mm.Price(qYes, qNo),
	}, nil
}

// BuyRequest buys Amount shares of Outcome.
type BuyRequest struct {
	AccountID string          `json:"account_id"`
	MarketID  string          `json:"market_id"`
	Outcome   model.Outcome   `json:"outcome"`
	Amount    decimal.Decimal `json:"amount"`
}

// SellRequest sells Amount held shares of Outcome back to the market maker.
type SellRequest struct {
	AccountID string          `json:"account_id"`
	MarketID  string          `json:"market_id"`
	Outcome   model.Outcome   `json:"outcome"`
	Amount    decimal.Decimal `json:"amount"`
}

// TradeResult is the committed state after a fill.
type TradeResult struct {
	Trade   model.Trade              `json:"trade"`
	Market  model.Market             `json:"market"`
	Holding model.Holding            `json:"holding"`
	Balance decimal.Decimal          `json:"balance"`
	Points  *model.PointsTransaction `json:"points,omitempty"`
}

// Buy debits the LMSR cost and credits shares in one account transaction.
func (s *Service) Buy(ctx context.Context, req BuyRequest) (*TradeResult, error) {
	if req.AccountID == "" {
		return nil, model.Validationf("account_id is required")
	}
	if err := validateOrder(req.Outcome, req.Amount); err != nil {
		return nil, err
	}
	start := time.Now()

	var res *TradeResult
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		m, mm, err := s.openMarket(ctx, tx, req.MarketID)
		if err != nil {
			return err
		}
		if err := mm.ValidateTrade(m.QYes, m.QNo, req.Outcome, req.Amount); err != nil {
			return fmt.Errorf("%w: %v", model.ErrValidation, err)
		}

		cost := mm.TradeCost(m.QYes, m.QNo, req.Outcome, req.Amount)
		if cost.LessThanOrEqual(decimal.Zero) {
			return model.Validationf("amount %s too small to price", req.Amount)
		}

		acct, err := tx.GetAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if acct.Balance.LessThan(cost) {
			return &model.InsufficientBalanceError{AccountID: acct.ID, Required: cost, Available: acct.Balance}
		}

		now := s.now()
		acct.Balance = acct.Balance.Sub(cost)
		acct.UpdatedAt = now
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}

		h, err := holdingFor(ctx, tx, req.AccountID, m.ID)
		if err != nil {
			return err
		}
		addShares(h, req.Outcome, req.Amount)
		addCost(h, req.Outcome, cost)
		if err := tx.SaveHolding(ctx, h); err != nil {
			return err
		}

		applyFill(m, mm, req.Outcome, req.Amount)
		if err := tx.SaveMarket(ctx, m); err != nil {
			return err
		}

		t := model.Trade{
			ID:        uuid.New().String(),
			AccountID: req.AccountID,
			MarketID:  m.ID,
			Outcome:   req.Outcome,
			Quantity:  req.Amount,
			Price:     cost.Div(req.Amount).Round(lmsr.PriceScale),
			Cost:      cost,
			Timestamp: now,
		}
		if err := tx.InsertTrade(ctx, &t); err != nil {
			return err
		}

		res = &TradeResult{Trade: t, Market: *m, Holding: *h, Balance: acct.Balance}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("buy", string(req.Outcome)).Inc()
	metrics.TradeLatency.WithLabelValues("buy").Observe(time.Since(start).Seconds())
	s.logger.Info("trade executed",
		"trade_id", res.Trade.ID,
		"account_id", req.AccountID,
		"market_id", req.MarketID,
		"direction", "buy",
		"outcome", req.Outcome,
		"quantity", req.Amount.String(),
		"cost", res.Trade.Cost.String(),
		"new_price_yes", res.Market.PriceYes.String(),
	)
	return res, nil
}

// Sell returns shares to the market maker. Realized P&L is the proceeds
// minus the average cost of the shares sold, recorded through the ledger
// under the trade ID.
func (s *Service) Sell(ctx context.Context, req SellRequest) (*TradeResult, error) {
	if req.AccountID == "" {
		return nil, model.Validationf("account_id is required")
	}
	if err := validateOrder(req.Outcome, req.Amount); err != nil {
		return nil, err
	}
	start := time.Now()

	var res *TradeResult
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		m, mm, err := s.openMarket(ctx, tx, req.MarketID)
		if err != nil {
			return err
		}

		h, err := tx.GetHolding(ctx, req.AccountID, m.ID)
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("%w: no shares held in market %s", model.ErrInsufficientShares, m.ID)
		}
		if err != nil {
			return err
		}
		if h.Shares(req.Outcome).LessThan(req.Amount) {
			return fmt.Errorf("%w: holding %s %s, selling %s",
				model.ErrInsufficientShares, h.Shares(req.Outcome), req.Outcome, req.Amount)
		}

		neg := req.Amount.Neg()
		if err := mm.ValidateTrade(m.QYes, m.QNo, req.Outcome, neg); err != nil {
			return fmt.Errorf("%w: %v", model.ErrValidation, err)
		}
		proceeds := mm.TradeCost(m.QYes, m.QNo, req.Outcome, neg).Neg()
		if proceeds.IsNegative() {
			proceeds = decimal.Zero
		}

		// Sold shares carry the average cost of their own outcome. Selling
		// the last share of an outcome releases all of its remaining cost.
		costRemoved := h.Cost(req.Outcome)
		if held := h.Shares(req.Outcome); !held.Equal(req.Amount) {
			costRemoved = costRemoved.Mul(req.Amount).Div(held).Round(lmsr.PriceScale)
		}
		realized := proceeds.Sub(costRemoved)

		addShares(h, req.Outcome, neg)
		addCost(h, req.Outcome, costRemoved.Neg())
		if err := tx.SaveHolding(ctx, h); err != nil {
			return err
		}

		now := s.now()
		acct, err := tx.GetAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		acct.Balance = acct.Balance.Add(proceeds)
		acct.UpdatedAt = now
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}

		applyFill(m, mm, req.Outcome, neg)
		if err := tx.SaveMarket(ctx, m); err != nil {
			return err
		}

		t := model.Trade{
			ID:          uuid.New().String(),
			AccountID:   req.AccountID,
			MarketID:    m.ID,
			Outcome:     req.Outcome,
			Quantity:    neg,
			Price:       proceeds.Div(req.Amount).Round(lmsr.PriceScale),
			Cost:        proceeds.Neg(),
			RealizedPnL: realized,
			Timestamp:   now,
		}
		if err := tx.InsertTrade(ctx, &t); err != nil {
			return err
		}

		pt, err := s.ledger.Apply(ctx, tx, req.AccountID, realized, model.TradeTypePrediction, t.ID)
		if err != nil {
			return err
		}

		res = &TradeResult{Trade: t, Market: *m, Holding: *h, Balance: acct.Balance, Points: pt}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.ledger.Observe(res.Points)
	metrics.TradesTotal.WithLabelValues("sell", string(req.Outcome)).Inc()
	metrics.TradeLatency.WithLabelValues("sell").Observe(time.Since(start).Seconds())
	s.logger.Info("trade executed",
		"trade_id", res.Trade.ID,
		"account_id", req.AccountID,
		"market_id", req.MarketID,
		"direction", "sell",
		"outcome", req.Outcome,
		"quantity", req.Amount.String(),
		"proceeds", res.Trade.Cost.Neg().String(),
		"realized_pnl", res.Trade.RealizedPnL.String(),
	)
	return res, nil
}

// Resolution reports what a Resolve or Void call did.
type Resolution struct {
	Market model.Market `json:"market"`
	// Applied is false when the market was already in its terminal state.
	Applied     bool         `json:"applied"`
	Settlements []Settlement `json:"settlements"`
}

// Settlement is the payout of one holding.
type Settlement struct {
	HoldingID   string                   `json:"holding_id"`
	AccountID   string                   `json:"account_id"`
	Payout      decimal.Decimal          `json:"payout"`
	RealizedPnL decimal.Decimal          `json:"realized_pnl"`
	Points      *model.PointsTransaction `json:"points,omitempty"`
}

// Resolve fixes the winning outcome exactly once and settles holdings. A
// repeated call leaves the outcome untouched and only settles holdings a
// previous call did not reach, so no holding is ever paid twice.
func (s *Service) Resolve(ctx context.Context, marketID string, outcome model.Outcome) (*Resolution, error) {
	if !outcome.Valid() {
		return nil, model.Validationf("invalid outcome %q", outcome)
	}
	applied, err := s.transition(ctx, marketID, func(m *model.Market) (bool, error) {
		switch m.Status {
		case model.MarketResolved:
			return false, nil
		case model.MarketVoid:
			return false, fmt.Errorf("market %s is void: %w", m.ID, model.ErrMarketResolved)
		}
		o := outcome
		m.Status = model.MarketResolved
		m.WinningOutcome = &o
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if applied {
		s.logger.Info("market resolved", "market_id", marketID, "outcome", outcome)
	}
	return s.settle(ctx, marketID, applied)
}

// Void cancels an open market and refunds every holding's remaining
// per-outcome cost. No P&L is recorded.
func (s *Service) Void(ctx context.Context, marketID string) (*Resolution, error) {
	applied, err := s.transition(ctx, marketID, func(m *model.Market) (bool, error) {
		switch m.Status {
		case model.MarketVoid:
			return false, nil
		case model.MarketResolved:
			return false, fmt.Errorf("market %s: %w", m.ID, model.ErrMarketResolved)
		}
		m.Status = model.MarketVoid
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if applied {
		s.logger.Info("market voided", "market_id", marketID)
	}
	return s.settle(ctx, marketID, applied)
}

// SettleHoldings pays out every unsettled holding of a resolved or void
// market. Safe to call repeatedly.
func (s *Service) SettleHoldings(ctx context.Context, marketID string) (*Resolution, error) {
	return s.settle(ctx, marketID, false)
}

// transition runs a set-once status change on a market.
func (s *Service) transition(ctx context.Context, marketID string, fn func(m *model.Market) (bool, error)) (bool, error) {
	var applied bool
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		applied, err = fn(m)
		if err != nil || !applied {
			return err
		}
		now := s.now()
		m.ResolvedAt = &now
		return tx.SaveMarket(ctx, m)
	})
	if err != nil {
		return false, err
	}
	if applied {
		metrics.ActiveMarkets.Dec()
	}
	return applied, nil
}

func (s *Service) settle(ctx context.Context, marketID string, applied bool) (*Resolution, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status == model.MarketOpen {
		return nil, model.Validationf("market %s is still open", marketID)
	}

	holdings, err := s.store.ListHoldingsByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}

	res := &Resolution{Market: *m, Applied: applied}
	var errs []error
	for _, h := range holdings {
		if h.Settled {
			continue
		}
		st, err := s.settleHolding(ctx, m, h.AccountID)
		if err != nil {
			s.logger.Error("holding settlement failed",
				"market_id", marketID, "holding_id", h.ID, "error", err)
			errs = append(errs, fmt.Errorf("holding %s: %w", h.ID, err))
			continue
		}
		if st != nil {
			s.ledger.Observe(st.Points)
			res.Settlements = append(res.Settlements, *st)
		}
	}
	return res, errors.Join(errs...)
}

// settleHolding settles one holding inside its owner's transaction. It
// returns nil when the holding was already settled.
func (s *Service) settleHolding(ctx context.Context, m *model.Market, accountID string) (*Settlement, error) {
	var st *Settlement
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		st = nil
		h, err := tx.GetHolding(ctx, accountID, m.ID)
		if err != nil {
			return err
		}
		if h.Settled {
			return nil
		}

		var payout, realized decimal.Decimal
		record := false
		switch m.Status {
		case model.MarketResolved:
			payout = h.Shares(*m.WinningOutcome)
			realized = payout.Sub(h.CostBasis())
			record = !h.TotalShares().IsZero() || !h.CostBasis().IsZero()
		case model.MarketVoid:
			// Refund what each outcome still has at risk. Losses already
			// realized on sells stay realized.
			payout = decimal.Max(h.CostBasis(), decimal.Zero)
		}

		if payout.IsPositive() {
			acct, err := tx.GetAccount(ctx, accountID)
			if err != nil {
				return err
			}
			acct.Balance = acct.Balance.Add(payout)
			acct.UpdatedAt = s.now()
			if err := tx.SaveAccount(ctx, acct); err != nil {
				return err
			}
		}

		h.Settled = true
		if err := tx.SaveHolding(ctx, h); err != nil {
			return err
		}

		st = &Settlement{HoldingID: h.ID, AccountID: accountID, Payout: payout, RealizedPnL: realized}
		if record {
			st.Points, err = s.ledger.Apply(ctx, tx, accountID, realized, model.TradeTypePredictionPayout, h.ID+":settle")
			if err != nil {
				return err
			}
		}
		return nil
	})
	return st, err
}

// openMarket loads a market for trading inside tx.
func (s *Service) openMarket(ctx context.Context, tx store.Tx, marketID string) (*model.Market, *lmsr.MarketMaker, error) {
	m, err := tx.GetMarket(ctx, marketID)
	if err != nil {
		return nil, nil, err
	}
	if m.Status != model.MarketOpen {
		return nil, nil, fmt.Errorf("market %s is %s: %w", m.ID, m.Status, model.ErrMarketResolved)
	}
	mm, err := s.marketMaker(m)
	if err != nil {
		return nil, nil, err
	}
	return m, mm, nil
}

func validateOrder(outcome model.Outcome, amount decimal.Decimal) error {
	if !outcome.Valid() {
		return model.Validationf("outcome must be YES or NO, got %q", outcome)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return model.Validationf("amount must be positive, got %s", amount)
	}
	return nil
}

func holdingFor(ctx context.Context, tx store.Tx, accountID, marketID string) (*model.Holding, error) {
	h, err := tx.GetHolding(ctx, accountID, marketID)
	if errors.Is(err, model.ErrNotFound) {
		return &model.Holding{
			ID:        uuid.New().String(),
			AccountID: accountID,
			MarketID:  marketID,
		}, nil
	}
	return h, err
}

func addShares(h *model.Holding, o model.Outcome, delta decimal.Decimal) {
	if o == model.OutcomeYes {
		h.YesShares = h.YesShares.Add(delta)
	} else {
		h.NoShares = h.NoShares.Add(delta)
	}
}

func addCost(h *model.Holding, o model.Outcome, delta decimal.Decimal) {
	if o == model.OutcomeYes {
		h.YesCost = h.YesCost.Add(delta)
	} else {
		h.NoCost = h.NoCost.Add(delta)
	}
}

func shifted(m *model.Market, o model.Outcome, delta decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if o == model.OutcomeYes {
		return m.QYes.Add(delta), m.QNo
	}
	return m.QYes, m.QNo.Add(delta)
}

func applyFill(m *model.Market, mm *lmsr.MarketMaker, o model.Outcome, delta decimal.Decimal) {
	m.QYes, m.QNo = shifted(m, o, delta)
	m.PriceYes = mm.Price(m.QYes, m.QNo)
	m.PriceNo = mm.PriceNo(m.QYes, m.QNo)
}
