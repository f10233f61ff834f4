// Package scheduler owns the question lifecycle: it resolves due questions
// and keeps each cadence cohort stocked with new ones.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/sim-engine/internal/content"
	"github.com/atmx/sim-engine/internal/market"
	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/store"
)

// CohortConfig caps and paces question creation for one cohort.
type CohortConfig struct {
	Cohort    model.Cohort
	MaxActive int
	// Interval is the minimum time between creations in this cohort.
	Interval time.Duration
}

// DefaultCohorts returns the standard cadence.
func DefaultCohorts() []CohortConfig {
	return []CohortConfig{
		{Cohort: model.Cohort24h, MaxActive: 6, Interval: 2 * time.Hour},
		{Cohort: model.Cohort3d, MaxActive: 4, Interval: 6 * time.Hour},
		{Cohort: model.Cohort7d, MaxActive: 3, Interval: 12 * time.Hour},
		{Cohort: model.Cohort30d, MaxActive: 2, Interval: 24 * time.Hour},
	}
}

// Config tunes the scheduler.
type Config struct {
	Cohorts []CohortConfig
	// Tolerance is how far a question's horizon may sit from the cohort
	// duration and still count toward that cohort.
	Tolerance time.Duration
	// GenerationTimeout bounds each content generator call.
	GenerationTimeout time.Duration
}

// DefaultConfig returns the standard cohorts with ±12h tolerance.
func DefaultConfig() Config {
	return Config{
		Cohorts:           DefaultCohorts(),
		Tolerance:         12 * time.Hour,
		GenerationTimeout: 10 * time.Second,
	}
}

// Markets is the slice of the market service the scheduler drives.
type Markets interface {
	CreateForQuestion(ctx context.Context, q *model.Question) (*model.Market, error)
	Resolve(ctx context.Context, marketID string, outcome model.Outcome) (*market.Resolution, error)
	Void(ctx context.Context, marketID string) (*market.Resolution, error)
}

// Scheduler resolves and creates questions.
type Scheduler struct {
	store     store.Store
	generator content.Generator
	markets   Markets
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a scheduler. The generator is wrapped with the configured
// timeout.
func New(s store.Store, g content.Generator, m Markets, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Cohorts == nil {
		cfg.Cohorts = DefaultCohorts()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     s,
		generator: content.WithTimeout(g, cfg.GenerationTimeout),
		markets:   m,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the timestamp source used by Cancel. Used by tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// WatermarkKey is the store key holding a cohort's last creation time.
func WatermarkKey(label string) string {
	return "scheduler:cohort:" + label
}

// ResolvedQuestion is one question resolved by Run.
type ResolvedQuestion struct {
	Question   model.Question     `json:"question"`
	Outcome    model.Outcome      `json:"outcome"`
	Resolution *market.Resolution `json:"resolution,omitempty"`
}

// CreatedQuestion is one question created by Run.
type CreatedQuestion struct {
	Question model.Question `json:"question"`
	Market   *model.Market  `json:"market,omitempty"`
}

// Skip records why a cohort got no new question.
type Skip struct {
	Cohort string `json:"cohort"`
	Reason string `json:"reason"`
}

// Result summarizes one scheduler run.
type Result struct {
	Resolved []ResolvedQuestion     `json:"resolved"`
	Created  []CreatedQuestion      `json:"created"`
	Skipped  []Skip                 `json:"skipped"`
	Events   []model.NarrativeEvent `json:"events"`
	// Failures counts per-question and per-cohort errors that were logged
	// and isolated.
	Failures int `json:"failures"`
}

// Run resolves due questions, then tops up each cohort. Collaborator and
// per-unit failures are logged and counted; the returned error only reports
// store reads that prevented a whole phase from running.
func (s *Scheduler) Run(ctx context.Context, now time.Time) (*Result, error) {
	res := &Result{}
	var errs []error

	if err := s.resolveDue(ctx, now, res); err != nil {
		errs = append(errs, err)
	}
	if err := s.createQuestions(ctx, now, res); err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

func (s *Scheduler) resolveDue(ctx context.Context, now time.Time, res *Result) error {
	due, err := s.store.ListDueQuestions(ctx, now)
	if err != nil {
		return fmt.Errorf("list due questions: %w", err)
	}

	for i := range due {
		q := &due[i]
		rq, err := s.resolve(ctx, q, now)
		if err != nil {
			res.Failures++
			metrics.TickPhaseFailures.WithLabelValues("scheduler").Inc()
			s.logger.Error("question resolution failed", "question_id", q.ID, "error", err)
			continue
		}
		if rq == nil {
			continue
		}
		res.Resolved = append(res.Resolved, *rq)
		res.Events = append(res.Events, *s.narrative(ctx, q, now))
	}
	return nil
}

// resolve settles the market before flipping the question, so a crash in
// between leaves the question due and the next run finishes the job. The
// market side is set-once and never pays twice.
func (s *Scheduler) resolve(ctx context.Context, q *model.Question, now time.Time) (*ResolvedQuestion, error) {
	outcome := model.OutcomeFromBool(q.ExpectedOutcome)
	rq := &ResolvedQuestion{Outcome: outcome}

	m, err := s.store.GetMarketByQuestion(ctx, q.ID)
	switch {
	case err == nil:
		rq.Resolution, err = s.markets.Resolve(ctx, m.ID, outcome)
		if err != nil {
			return nil, fmt.Errorf("resolve market %s: %w", m.ID, err)
		}
	case errors.Is(err, model.ErrNotFound):
		s.logger.Warn("question has no market", "question_id", q.ID)
	default:
		return nil, fmt.Errorf("load market: %w", err)
	}

	if err := s.store.ResolveQuestion(ctx, q.ID, q.ExpectedOutcome, now); err != nil {
		if errors.Is(err, model.ErrQuestionClosed) {
			return nil, nil
		}
		return nil, err
	}

	v := q.ExpectedOutcome
	q.Status = model.QuestionResolved
	q.ResolvedOutcome = &v
	q.ResolvedAt = &now
	rq.Question = *q

	metrics.QuestionsTotal.WithLabelValues("resolved", q.Cohort).Inc()
	s.logger.Info("question resolved",
		"question_id", q.ID,
		"cohort", q.Cohort,
		"outcome", outcome,
	)
	return rq, nil
}

func (s *Scheduler) narrative(ctx context.Context, q *model.Question, now time.Time) *model.NarrativeEvent {
	ev, err := s.generator.GenerateNarrative(ctx, q, q.ExpectedOutcome)
	if err != nil || ev == nil || strings.TrimSpace(ev.Text) == "" {
		if err != nil {
			s.logger.Warn("narrative unavailable, using fallback", "question_id", q.ID, "error", err)
		}
		return content.FallbackNarrative(q, q.ExpectedOutcome, now)
	}
	ev.QuestionID = q.ID
	ev.Timestamp = now
	return ev
}

func (s *Scheduler) createQuestions(ctx context.Context, now time.Time, res *Result) error {
	active, err := s.store.ListActiveQuestions(ctx)
	if err != nil {
		return fmt.Errorf("list active questions: %w", err)
	}
	assets, err := s.store.ListAssets(ctx)
	if err != nil {
		return fmt.Errorf("list assets: %w", err)
	}

	quotes := make([]content.AssetQuote, 0, len(assets))
	for _, a := range assets {
		quotes = append(quotes, content.AssetQuote{Ticker: a.Ticker, Name: a.Name, Price: a.Price, InitialPrice: a.InitialPrice})
	}
	texts := make([]string, 0, len(active))
	for _, q := range active {
		texts = append(texts, q.Text)
	}

	for _, cc := range s.cfg.Cohorts {
		label := cc.Cohort.Label
		if n := s.countActive(active, cc.Cohort); n >= cc.MaxActive {
			res.Skipped = append(res.Skipped, Skip{Cohort: label, Reason: "cap"})
			continue
		}

		last, err := s.store.GetWatermark(ctx, WatermarkKey(label))
		if err != nil {
			res.Failures++
			s.logger.Error("read cohort watermark failed", "cohort", label, "error", err)
			continue
		}
		if !last.IsZero() && now.Sub(last) <= cc.Interval {
			res.Skipped = append(res.Skipped, Skip{Cohort: label, Reason: "interval"})
			continue
		}

		created, err := s.create(ctx, cc.Cohort, now, quotes, texts)
		if err != nil {
			res.Failures++
			res.Skipped = append(res.Skipped, Skip{Cohort: label, Reason: "generation"})
			s.logger.Warn("question creation skipped", "cohort", label, "error", err)
			continue
		}
		active = append(active, created.Question)
		texts = append(texts, created.Question.Text)
		res.Created = append(res.Created, *created)
	}
	return nil
}

// countActive counts questions whose horizon falls inside the cohort window.
func (s *Scheduler) countActive(active []model.Question, c model.Cohort) int {
	n := 0
	for i := range active {
		diff := active[i].Horizon() - c.Duration
		if diff < 0 {
			diff = -diff
		}
		if diff <= s.cfg.Tolerance {
			n++
		}
	}
	return n
}

func (s *Scheduler) create(ctx context.Context, c model.Cohort, now time.Time, quotes []content.AssetQuote, texts []string) (*CreatedQuestion, error) {
	qc := content.QuestionContext{
		Cohort:     c,
		Now:        now,
		ResolvesAt: now.Add(c.Duration),
		Assets:     quotes,
		Active:     texts,
	}
	draft, err := s.generator.GenerateQuestion(ctx, qc)
	if err != nil {
		return nil, err
	}
	if err := draft.Validate(texts); err != nil {
		return nil, err
	}

	q := &model.Question{
		ID:              uuid.New().String(),
		Text:            strings.TrimSpace(draft.Text),
		Cohort:          c.Label,
		Tickers:         draft.Tickers,
		CreatedAt:       now,
		ResolvesAt:      qc.ResolvesAt,
		Status:          model.QuestionActive,
		ExpectedOutcome: draft.ExpectedOutcome,
	}
	if err := s.store.CreateQuestion(ctx, q); err != nil {
		return nil, fmt.Errorf("persist question: %w", err)
	}

	m, err := s.markets.CreateForQuestion(ctx, q)
	if err != nil {
		// A question without a market cannot be traded; withdraw it.
		if cerr := s.store.CancelQuestion(ctx, q.ID, now); cerr != nil {
			s.logger.Error("cancel orphaned question failed", "question_id", q.ID, "error", cerr)
		}
		return nil, fmt.Errorf("create market: %w", err)
	}

	if err := s.store.SetWatermark(ctx, WatermarkKey(c.Label), now); err != nil {
		s.logger.Error("write cohort watermark failed", "cohort", c.Label, "error", err)
	}

	metrics.QuestionsTotal.WithLabelValues("created", c.Label).Inc()
	s.logger.Info("question created",
		"question_id", q.ID,
		"market_id", m.ID,
		"cohort", c.Label,
		"resolves_at", q.ResolvesAt,
	)
	return &CreatedQuestion{Question: *q, Market: m}, nil
}

// Cancel withdraws an active question and voids its market, refunding
// holders their cost basis.
func (s *Scheduler) Cancel(ctx context.Context, questionID string) (*market.Resolution, error) {
	q, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if q.Status != model.QuestionActive {
		return nil, fmt.Errorf("question %s is %s: %w", q.ID, q.Status, model.ErrQuestionClosed)
	}

	var res *market.Resolution
	m, err := s.store.GetMarketByQuestion(ctx, questionID)
	switch {
	case err == nil:
		if res, err = s.markets.Void(ctx, m.ID); err != nil {
			return nil, fmt.Errorf("void market %s: %w", m.ID, err)
		}
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}

	if err := s.store.CancelQuestion(ctx, questionID, s.now()); err != nil {
		return nil, err
	}
	metrics.QuestionsTotal.WithLabelValues("cancelled", q.Cohort).Inc()
	s.logger.Info("question cancelled", "question_id", questionID)
	return res, nil
}
