// Package content supplies question text and narrative events to the
// scheduler. Generation runs behind the Generator interface so the engine
// never depends on a particular text service being reachable.
package content

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/model"
)

// AssetQuote is the price context handed to a generator.
type AssetQuote struct {
	Ticker       string          `json:"ticker"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	InitialPrice decimal.Decimal `json:"initial_price"`
}

// QuestionContext is the prompt context for a new question.
type QuestionContext struct {
	Cohort     model.Cohort `json:"cohort"`
	Now        time.Time    `json:"now"`
	ResolvesAt time.Time    `json:"resolves_at"`
	Assets     []AssetQuote `json:"assets"`
	// Active holds the text of questions already open, to avoid repeats.
	Active []string `json:"active,omitempty"`
}

// QuestionDraft is a generated question before it is persisted.
type QuestionDraft struct {
	Text            string   `json:"text"`
	ExpectedOutcome bool     `json:"expected_outcome"`
	Tickers         []string `json:"tickers,omitempty"`
}

// Validate rejects empty or duplicate drafts.
func (d *QuestionDraft) Validate(active []string) error {
	if d == nil {
		return model.Validationf("empty draft")
	}
	text := strings.TrimSpace(d.Text)
	if text == "" {
		return model.Validationf("draft has no text")
	}
	for _, a := range active {
		if strings.EqualFold(a, text) {
			return model.Validationf("duplicate question %q", text)
		}
	}
	return nil
}

// Generator produces question drafts and resolution narratives.
type Generator interface {
	GenerateQuestion(ctx context.Context, qc QuestionContext) (*QuestionDraft, error)
	GenerateNarrative(ctx context.Context, q *model.Question, outcome bool) (*model.NarrativeEvent, error)
}

// FallbackNarrative is the terse statement used when no narrative could be
// generated. It carries no sentiment.
func FallbackNarrative(q *model.Question, outcome bool, at time.Time) *model.NarrativeEvent {
	return &model.NarrativeEvent{
		QuestionID: q.ID,
		Text:       fmt.Sprintf("Resolved %s: %s", model.OutcomeFromBool(outcome), q.Text),
		Sentiment:  0,
		Tickers:    q.Tickers,
		Fallback:   true,
		Timestamp:  at,
	}
}

// WithTimeout bounds every call to g by d and reports any failure as
// model.ErrCollaboratorUnavailable.
func WithTimeout(g Generator, d time.Duration) Generator {
	return &timeoutGenerator{next: g, timeout: d}
}

type timeoutGenerator struct {
	next    Generator
	timeout time.Duration
}

func (t *timeoutGenerator) GenerateQuestion(ctx context.Context, qc QuestionContext) (*QuestionDraft, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	d, err := t.next.GenerateQuestion(ctx, qc)
	if err != nil {
		return nil, unavailable("generate question", err)
	}
	return d, nil
}

func (t *timeoutGenerator) GenerateNarrative(ctx context.Context, q *model.Question, outcome bool) (*model.NarrativeEvent, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	ev, err := t.next.GenerateNarrative(ctx, q, outcome)
	if err != nil {
		return nil, unavailable("generate narrative", err)
	}
	return ev, nil
}

func (t *timeoutGenerator) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.timeout)
}

func unavailable(op string, err error) error {
	metrics.CollaboratorFailures.WithLabelValues("content").Inc()
	return fmt.Errorf("%s: %w: %w", op, model.ErrCollaboratorUnavailable, err)
}
