package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/sim-engine/internal/content"
	"github.com/atmx/sim-engine/internal/ledger"
	"github.com/atmx/sim-engine/internal/market"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/store"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type fakeGenerator struct {
	questionErr  error
	narrativeErr error
	emptyText    bool
	calls        int
}

func (f *fakeGenerator) GenerateQuestion(_ context.Context, qc content.QuestionContext) (*content.QuestionDraft, error) {
	f.calls++
	if f.questionErr != nil {
		return nil, f.questionErr
	}
	if f.emptyText {
		return &content.QuestionDraft{Text: "  "}, nil
	}
	return &content.QuestionDraft{
		Text:            qc.Cohort.Label + " question " + qc.Now.Format(time.RFC3339) + " #" + string(rune('a'+f.calls)),
		ExpectedOutcome: true,
		Tickers:         []string{"BTC"},
	}, nil
}

func (f *fakeGenerator) GenerateNarrative(_ context.Context, q *model.Question, outcome bool) (*model.NarrativeEvent, error) {
	if f.narrativeErr != nil {
		return nil, f.narrativeErr
	}
	return &model.NarrativeEvent{Text: "story of " + q.Text, Sentiment: 0.4, Tickers: q.Tickers}, nil
}

type fixture struct {
	store   *store.MemoryStore
	markets *market.Service
	gen     *fakeGenerator
	sched   *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateAsset(ctx, &model.Asset{
		Ticker: "BTC", Name: "Bitcoin", Price: decimal.NewFromInt(50000), InitialPrice: decimal.NewFromInt(50000), UpdatedAt: t0,
	}))
	require.NoError(t, s.CreateAccount(ctx, &model.Account{ID: "acct", Balance: decimal.NewFromInt(1000), CreatedAt: t0, UpdatedAt: t0}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return t0 }
	l := ledger.New(s, ledger.DefaultConfig(), logger).WithClock(clock)
	m, err := market.NewService(s, l, market.Config{Liquidity: decimal.NewFromInt(100)}, logger)
	require.NoError(t, err)
	m.WithClock(clock)

	gen := &fakeGenerator{}
	return &fixture{
		store:   s,
		markets: m,
		gen:     gen,
		sched:   New(s, gen, m, cfg, logger).WithClock(clock),
	}
}

func oneCohort(max int) Config {
	cfg := DefaultConfig()
	cfg.Cohorts = []CohortConfig{{Cohort: model.Cohort24h, MaxActive: max, Interval: 2 * time.Hour}}
	return cfg
}

func TestRun_CreatesOnePerCohort(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	res, err := f.sched.Run(ctx, t0)
	require.NoError(t, err)
	require.Len(t, res.Created, 4)
	assert.Zero(t, res.Failures)

	for _, c := range res.Created {
		cohort, err := model.ParseCohort(c.Question.Cohort)
		require.NoError(t, err)
		assert.Equal(t, t0.Add(cohort.Duration), c.Question.ResolvesAt)
		require.NotNil(t, c.Market)
		assert.Equal(t, c.Question.ID, c.Market.QuestionID)

		wm, _ := f.store.GetWatermark(ctx, WatermarkKey(cohort.Label))
		assert.Equal(t, t0, wm)
	}
	active, _ := f.store.ListActiveQuestions(ctx)
	assert.Len(t, active, 4)
}

func TestRun_IntervalGating(t *testing.T) {
	f := newFixture(t, oneCohort(10))
	ctx := context.Background()

	_, err := f.sched.Run(ctx, t0)
	require.NoError(t, err)

	res, err := f.sched.Run(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, []Skip{{Cohort: "24h", Reason: "interval"}}, res.Skipped)

	res, err = f.sched.Run(ctx, t0.Add(2*time.Hour+time.Second))
	require.NoError(t, err)
	assert.Len(t, res.Created, 1)
}

func TestRun_CohortCap(t *testing.T) {
	f := newFixture(t, oneCohort(1))
	ctx := context.Background()

	_, err := f.sched.Run(ctx, t0)
	require.NoError(t, err)

	res, err := f.sched.Run(ctx, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, "cap", res.Skipped[0].Reason)
}

func TestCountActive_Tolerance(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	active := []model.Question{
		{CreatedAt: t0, ResolvesAt: t0.Add(30 * time.Hour)}, // within 24h ± 12h
		{CreatedAt: t0, ResolvesAt: t0.Add(37 * time.Hour)}, // outside
		{CreatedAt: t0, ResolvesAt: t0.Add(72 * time.Hour)}, // 3d
	}
	assert.Equal(t, 1, f.sched.countActive(active, model.Cohort24h))
	assert.Equal(t, 1, f.sched.countActive(active, model.Cohort3d))
	assert.Equal(t, 0, f.sched.countActive(active, model.Cohort30d))
}

func TestRun_GeneratorFailureSkipsCohort(t *testing.T) {
	f := newFixture(t, oneCohort(5))
	ctx := context.Background()
	f.gen.questionErr = errors.New("llm down")

	res, err := f.sched.Run(ctx, t0)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, 1, res.Failures)
	assert.Equal(t, "generation", res.Skipped[0].Reason)

	wm, _ := f.store.GetWatermark(ctx, WatermarkKey("24h"))
	assert.True(t, wm.IsZero(), "failed attempt must not advance the cohort clock")

	// Next run tries again.
	f.gen.questionErr = nil
	res, err = f.sched.Run(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, res.Created, 1)
}

func TestRun_EmptyDraftSkipped(t *testing.T) {
	f := newFixture(t, oneCohort(5))
	f.gen.emptyText = true

	res, err := f.sched.Run(context.Background(), t0)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	active, _ := f.store.ListActiveQuestions(context.Background())
	assert.Empty(t, active)
}

func TestRun_ResolvesDueQuestionsOnce(t *testing.T) {
	f := newFixture(t, oneCohort(0))
	ctx := context.Background()

	q := &model.Question{
		ID: "q1", Text: "Will BTC rally?", Cohort: "24h", Tickers: []string{"BTC"},
		CreatedAt: t0, ResolvesAt: t0.Add(24 * time.Hour), Status: model.QuestionActive, ExpectedOutcome: true,
	}
	require.NoError(t, f.store.CreateQuestion(ctx, q))
	m, err := f.markets.CreateForQuestion(ctx, q)
	require.NoError(t, err)
	_, err = f.markets.Buy(ctx, market.BuyRequest{AccountID: "acct", MarketID: m.ID, Outcome: model.OutcomeYes, Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	// Not yet due.
	res, err := f.sched.Run(ctx, t0.Add(23*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, res.Resolved)

	due := t0.Add(24 * time.Hour)
	res, err = f.sched.Run(ctx, due)
	require.NoError(t, err)
	require.Len(t, res.Resolved, 1)
	assert.Equal(t, model.OutcomeYes, res.Resolved[0].Outcome)
	require.Len(t, res.Resolved[0].Resolution.Settlements, 1)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "q1", res.Events[0].QuestionID)
	assert.Equal(t, due, res.Events[0].Timestamp)

	after, _ := f.store.GetAccount(ctx, "acct")

	res, err = f.sched.Run(ctx, due.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, res.Resolved)

	again, _ := f.store.GetAccount(ctx, "acct")
	assert.True(t, after.Balance.Equal(again.Balance), "no second payout")

	stored, _ := f.store.GetQuestion(ctx, "q1")
	assert.Equal(t, model.QuestionResolved, stored.Status)
	require.NotNil(t, stored.ResolvedOutcome)
	assert.True(t, *stored.ResolvedOutcome)
}

func TestRun_NarrativeFallback(t *testing.T) {
	f := newFixture(t, oneCohort(0))
	ctx := context.Background()
	f.gen.narrativeErr = errors.New("timeout")

	require.NoError(t, f.store.CreateQuestion(ctx, &model.Question{
		ID: "q2", Text: "Will ETH dip?", Cohort: "24h", CreatedAt: t0,
		ResolvesAt: t0.Add(time.Hour), Status: model.QuestionActive, ExpectedOutcome: false,
	}))

	res, err := f.sched.Run(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.True(t, res.Events[0].Fallback)
	assert.Equal(t, "Resolved NO: Will ETH dip?", res.Events[0].Text)
	assert.Zero(t, res.Events[0].Sentiment)
}

func TestCancel_VoidsMarket(t *testing.T) {
	f := newFixture(t, oneCohort(1))
	ctx := context.Background()

	created, err := f.sched.Run(ctx, t0)
	require.NoError(t, err)
	require.Len(t, created.Created, 1)
	q := created.Created[0].Question
	mID := created.Created[0].Market.ID

	_, err = f.markets.Buy(ctx, market.BuyRequest{AccountID: "acct", MarketID: mID, Outcome: model.OutcomeNo, Amount: decimal.NewFromInt(20)})
	require.NoError(t, err)

	res, err := f.sched.Cancel(ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, model.MarketVoid, res.Market.Status)

	acct, _ := f.store.GetAccount(ctx, "acct")
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(1000)), "cost basis refunded, got %s", acct.Balance)

	_, err = f.sched.Cancel(ctx, q.ID)
	assert.ErrorIs(t, err, model.ErrQuestionClosed)
}
