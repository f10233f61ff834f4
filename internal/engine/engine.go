// Package engine drives the simulation: one tick runs the scheduler, steps
// prices, sweeps perpetual positions, applies funding, settles resolved
// markets and notifies subscribers, in that order. It also exposes the
// account, trading and position operations API callers use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/ledger"
	"github.com/atmx/sim-engine/internal/market"
	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/notify"
	"github.com/atmx/sim-engine/internal/perps"
	"github.com/atmx/sim-engine/internal/price"
	"github.com/atmx/sim-engine/internal/scheduler"
	"github.com/atmx/sim-engine/internal/store"
)

// WatermarkKey stores the last processed tick window.
const WatermarkKey = "engine:last_tick"

// ErrAlreadyRunning is returned by Start on a running engine.
var ErrAlreadyRunning = errors.New("engine already running")

// Config tunes the tick loop.
type Config struct {
	TickInterval time.Duration
	// StartingBalance funds accounts created through OpenAccount.
	StartingBalance decimal.Decimal
	// MaxRetryDelay caps funding retry backoff, in ticks.
	MaxRetryDelay int
	// EscalateAfter logs persistent liquidation failures at error level
	// once this many consecutive ticks failed.
	EscalateAfter int
}

// DefaultConfig ticks every minute and funds new accounts with 1000.
func DefaultConfig() Config {
	return Config{
		TickInterval:    time.Minute,
		StartingBalance: decimal.NewFromInt(1000),
		MaxRetryDelay:   32,
		EscalateAfter:   3,
	}
}

// Deps are the components the engine orchestrates.
type Deps struct {
	Store     store.Store
	Ledger    *ledger.Ledger
	Markets   *market.Service
	Prices    *price.Process
	Perps     *perps.Engine
	Scheduler *scheduler.Scheduler
	Publisher notify.Publisher
	Logger    *slog.Logger
}

// Engine is the tick orchestrator. It holds no package-level state and does
// nothing until Start or Tick is called.
type Engine struct {
	store     store.Store
	ledger    *ledger.Ledger
	markets   *market.Service
	prices    *price.Process
	perps     *perps.Engine
	scheduler *scheduler.Scheduler
	publisher notify.Publisher
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	tickMu  sync.Mutex
	seq     uint64
	retries *retryTracker

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine from its dependencies.
func New(deps Deps, cfg Config) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("engine: store is required")
	case deps.Ledger == nil, deps.Markets == nil, deps.Prices == nil, deps.Perps == nil, deps.Scheduler == nil:
		return nil, errors.New("engine: ledger, markets, prices, perps and scheduler are required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{
		store:     deps.Store,
		ledger:    deps.Ledger,
		markets:   deps.Markets,
		prices:    deps.Prices,
		perps:     deps.Perps,
		scheduler: deps.Scheduler,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		cfg:       cfg,
		now:       time.Now,
		retries:   newRetryTracker(cfg.MaxRetryDelay),
	}, nil
}

// WithClock replaces the tick clock. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Start runs a tick immediately and then every TickInterval until Stop is
// called or ctx is cancelled. A tick that overruns the interval delays the
// next one; ticks never overlap.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.cfg.TickInterval)
		defer ticker.Stop()

		e.runTick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.runTick(ctx)
			}
		}
	}()

	e.logger.Info("engine started", "tick_interval", e.cfg.TickInterval)
	return nil
}

// Stop cancels the loop and waits for the current tick to finish.
func (e *Engine) Stop() {
	e.runMu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.logger.Info("engine stopped")
}

func (e *Engine) runTick(ctx context.Context) {
	if _, err := e.Tick(ctx); err != nil && ctx.Err() == nil {
		e.logger.Error("tick failed", "error", err)
	}
}

// TickReport summarizes one tick.
type TickReport struct {
	Window     time.Time                `json:"window"`
	Skipped    bool                     `json:"skipped"`
	Scheduler  *scheduler.Result        `json:"scheduler,omitempty"`
	Prices     []model.PricePoint       `json:"prices,omitempty"`
	Sweep      perps.SweepResult        `json:"-"`
	Liquidated []perps.LiquidationEvent `json:"liquidated,omitempty"`
	Funding    perps.FundingResult      `json:"-"`
	Settled    []market.Settlement      `json:"settled,omitempty"`
	Failures   int                      `json:"failures"`
	Duration   time.Duration            `json:"duration"`
}

// Tick processes the current tick window once. A window at or before the
// stored watermark is skipped, so a restart never processes a window
// twice. Per-unit failures are isolated, counted and retried on later
// ticks; only failing to read or write the watermark aborts the tick.
func (e *Engine) Tick(ctx context.Context) (*TickReport, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	start := time.Now()
	now := e.now()

	last, err := e.store.GetWatermark(ctx, WatermarkKey)
	if err != nil {
		metrics.TicksTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("read tick watermark: %w", err)
	}
	window := nextWindow(last, now, e.cfg.TickInterval)
	rep := &TickReport{Window: window}
	if !window.After(last) {
		rep.Skipped = true
		metrics.TicksTotal.WithLabelValues("skipped").Inc()
		e.logger.Debug("tick window already processed", "window", window, "watermark", last)
		return rep, nil
	}
	e.seq++
	seq := e.seq

	// 1. Questions.
	sched, err := e.scheduler.Run(ctx, now)
	if err != nil {
		rep.Failures++
		metrics.TickPhaseFailures.WithLabelValues("scheduler").Inc()
		e.logger.Error("scheduler phase failed", "error", err)
	}
	rep.Scheduler = sched
	var events []model.NarrativeEvent
	if sched != nil {
		rep.Failures += sched.Failures
		events = sched.Events
	}

	// 2. Prices.
	snap, points, err := e.prices.Step(ctx, now, events)
	if err != nil {
		rep.Failures++
		metrics.TickPhaseFailures.WithLabelValues("price").Inc()
		e.logger.Error("price phase failed", "error", err)
		snap = price.NewSnapshot(nil, now)
	}
	rep.Prices = points

	// 3. Mark-to-market and liquidation against the same snapshot.
	rep.Sweep = e.perps.Sweep(ctx, snap)
	rep.Liquidated = rep.Sweep.Liquidations
	e.trackLiquidations(rep.Sweep, seq)
	rep.Failures += len(rep.Sweep.Failures)

	// 4. Funding.
	rep.Funding = e.perps.ApplyFunding(ctx, now, func(id string) bool {
		return e.retries.due(retryFunding, id, seq)
	})
	e.trackFunding(ctx, rep.Funding, seq)
	rep.Failures += len(rep.Funding.Failures)

	// 5. Settlement of resolved and void markets.
	settled, failures := e.settle(ctx)
	rep.Settled = settled
	rep.Failures += failures

	if err := e.store.SetWatermark(ctx, WatermarkKey, window); err != nil {
		metrics.TicksTotal.WithLabelValues("error").Inc()
		return rep, fmt.Errorf("write tick watermark: %w", err)
	}

	// 6. Notify.
	e.notifyTick(ctx, rep)

	rep.Duration = time.Since(start)
	metrics.TickDuration.Observe(rep.Duration.Seconds())
	metrics.TicksTotal.WithLabelValues("ok").Inc()
	e.logger.Info("tick complete",
		"window", window,
		"prices", len(rep.Prices),
		"liquidations", len(rep.Liquidated),
		"funding_charges", len(rep.Funding.Charges),
		"settlements", len(rep.Settled),
		"failures", rep.Failures,
		"duration_ms", rep.Duration.Milliseconds(),
	)
	return rep, nil
}

// nextWindow returns the window a tick at now processes. The first window
// is now truncated to the interval; later windows stay on the watermark's
// grid and advance to the grid point nearest now, so a tick that fires a
// little early or late still lands in its own window. A result at or
// before last means the window was already processed.
func nextWindow(last, now time.Time, interval time.Duration) time.Time {
	if last.IsZero() {
		return now.Truncate(interval)
	}
	n := (now.Sub(last) + interval/2) / interval
	if n < 1 {
		return last
	}
	return last.Add(n * interval)
}

func (e *Engine) trackLiquidations(res perps.SweepResult, seq uint64) {
	failed := make(map[string]bool, len(res.Failures))
	for _, f := range res.Failures {
		metrics.TickPhaseFailures.WithLabelValues("liquidation").Inc()
		if f.PositionID == "" {
			e.logger.Error("liquidation sweep failed", "error", f.Err)
			continue
		}
		failed[f.PositionID] = true
		attempts := e.retries.fail(retryLiquidation, f.PositionID, seq)
		level := slog.LevelWarn
		if attempts >= e.cfg.EscalateAfter {
			level = slog.LevelError
		}
		e.logger.Log(context.Background(), level, "position sweep failed, retrying next tick",
			"position_id", f.PositionID, "attempts", attempts, "error", f.Err)
	}
	e.retries.retain(retryLiquidation, func(id string) bool { return failed[id] })
}

func (e *Engine) trackFunding(ctx context.Context, res perps.FundingResult, seq uint64) {
	for _, c := range res.Charges {
		e.retries.clear(retryFunding, c.PositionID)
	}
	for _, f := range res.Failures {
		metrics.TickPhaseFailures.WithLabelValues("funding").Inc()
		if f.PositionID == "" {
			e.logger.Error("funding pass failed", "error", f.Err)
			continue
		}
		attempts := e.retries.fail(retryFunding, f.PositionID, seq)
		e.logger.Warn("funding failed, backing off",
			"position_id", f.PositionID, "attempts", attempts, "error", f.Err)
	}

	// Forget positions that are no longer open.
	open, err := e.store.ListOpenPositions(ctx)
	if err != nil {
		return
	}
	ids := make(map[string]bool, len(open))
	for _, p := range open {
		ids[p.ID] = true
	}
	e.retries.retain(retryFunding, func(id string) bool { return ids[id] })
}

// settle re-runs settlement for every terminal market with unsettled
// holdings. Settlement is idempotent, so this also finishes work a crash
// interrupted.
func (e *Engine) settle(ctx context.Context) ([]market.Settlement, int) {
	markets, err := e.store.ListUnsettledMarkets(ctx)
	if err != nil {
		metrics.TickPhaseFailures.WithLabelValues("settlement").Inc()
		e.logger.Error("list unsettled markets failed", "error", err)
		return nil, 1
	}

	var (
		out      []market.Settlement
		failures int
	)
	for _, m := range markets {
		res, err := e.markets.SettleHoldings(ctx, m.ID)
		if err != nil {
			failures++
			metrics.TickPhaseFailures.WithLabelValues("settlement").Inc()
			e.logger.Error("settlement failed", "market_id", m.ID, "error", err)
		}
		if res != nil {
			out = append(out, res.Settlements...)
		}
	}
	return out, failures
}

func (e *Engine) notifyTick(ctx context.Context, rep *TickReport) {
	if rep.Scheduler != nil {
		for _, c := range rep.Scheduler.Created {
			e.publish(ctx, notify.TopicQuestionCreated, c)
		}
		for _, r := range rep.Scheduler.Resolved {
			e.publish(ctx, notify.TopicQuestionResolved, r)
			if r.Resolution != nil {
				for _, s := range r.Resolution.Settlements {
					e.publishPoints(ctx, s.Points)
				}
			}
		}
	}
	if len(rep.Prices) > 0 {
		e.publish(ctx, notify.TopicPrice, rep.Prices)
	}
	for _, ev := range rep.Liquidated {
		e.publish(ctx, notify.TopicPositionLiquidated, ev)
		e.publishPoints(ctx, ev.Points)
	}
	for _, s := range rep.Settled {
		e.publishPoints(ctx, s.Points)
	}
	e.publish(ctx, notify.TopicTick, map[string]any{
		"window":   rep.Window,
		"failures": rep.Failures,
	})
}

// publish is fire-and-forget: failures are logged and swallowed.
func (e *Engine) publish(ctx context.Context, topic string, payload any) {
	if err := e.publisher.Publish(ctx, topic, payload); err != nil {
		e.logger.Warn("publish failed", "topic", topic, "error", err)
	}
}

func (e *Engine) publishPoints(ctx context.Context, pt *model.PointsTransaction) {
	if pt != nil {
		e.publish(ctx, notify.TopicPoints, pt)
	}
}

// --- Operations ---

// OpenAccount creates an account funded with the starting balance. An empty
// id generates one.
func (e *Engine) OpenAccount(ctx context.Context, id string) (*model.Account, error) {
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now()
	a := &model.Account{
		ID:        id,
		Balance:   e.cfg.StartingBalance,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	e.logger.Info("account opened", "account_id", id, "balance", a.Balance.String())
	return a, nil
}

// OpenPosition opens a perpetual position.
func (e *Engine) OpenPosition(ctx context.Context, req perps.OpenRequest) (*perps.OpenResult, error) {
	res, err := e.perps.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, notify.TopicPositionOpened, res.Position)
	return res, nil
}

// ClosePosition closes a perpetual position at the current price.
func (e *Engine) ClosePosition(ctx context.Context, positionID string) (*perps.CloseResult, error) {
	res, err := e.perps.Close(ctx, positionID)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, notify.TopicPositionClosed, res)
	e.publishPoints(ctx, res.Points)
	return res, nil
}

// BuyShares buys outcome shares from a market.
func (e *Engine) BuyShares(ctx context.Context, req market.BuyRequest) (*market.TradeResult, error) {
	res, err := e.markets.Buy(ctx, req)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, notify.TopicTrade, res)
	return res, nil
}

// SellShares sells held outcome shares back to a market.
func (e *Engine) SellShares(ctx context.Context, req market.SellRequest) (*market.TradeResult, error) {
	res, err := e.markets.Sell(ctx, req)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, notify.TopicTrade, res)
	e.publishPoints(ctx, res.Points)
	return res, nil
}

// QuoteShares prices a prospective buy.
func (e *Engine) QuoteShares(ctx context.Context, marketID string, outcome model.Outcome, amount decimal.Decimal) (*market.Quote, error) {
	return e.markets.Quote(ctx, marketID, outcome, amount)
}

// RecordRealizedPnL records externally realized P&L on the ledger.
func (e *Engine) RecordRealizedPnL(ctx context.Context, accountID string, pnl decimal.Decimal, tradeType, referenceID string) (*model.PointsTransaction, error) {
	pt, err := e.ledger.RecordRealizedPnL(ctx, accountID, pnl, tradeType, referenceID)
	if err != nil {
		return nil, err
	}
	e.publishPoints(ctx, pt)
	return pt, nil
}

// GetAccountSummary returns an account's ledger summary.
func (e *Engine) GetAccountSummary(ctx context.Context, accountID string) (*model.AccountSummary, error) {
	return e.ledger.AccountSummary(ctx, accountID)
}

// CancelQuestion withdraws an active question and voids its market.
func (e *Engine) CancelQuestion(ctx context.Context, questionID string) (*market.Resolution, error) {
	res, err := e.scheduler.Cancel(ctx, questionID)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, notify.TopicQuestionCancelled, map[string]any{"question_id": questionID, "resolution": res})
	return res, nil
}

// GetMarket returns a market by ID.
func (e *Engine) GetMarket(ctx context.Context, marketID string) (*model.Market, error) {
	return e.store.GetMarket(ctx, marketID)
}

// ActiveQuestions lists open questions.
func (e *Engine) ActiveQuestions(ctx context.Context) ([]model.Question, error) {
	return e.store.ListActiveQuestions(ctx)
}

// Assets lists tradable assets with their current prices.
func (e *Engine) Assets(ctx context.Context) ([]model.Asset, error) {
	return e.store.ListAssets(ctx)
}
