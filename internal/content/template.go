package content

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/model"
)

// TemplateGenerator builds price-threshold questions from asset quotes
// without any external service. With a fixed seed its output is
// reproducible.
type TemplateGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewTemplateGenerator creates a template generator. A zero seed draws one
// from the runtime.
func NewTemplateGenerator(seed uint64) *TemplateGenerator {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &TemplateGenerator{rng: rand.New(rand.NewPCG(seed, seed>>1|1))}
}

var moves = []float64{0.01, 0.02, 0.05, 0.1}

// GenerateQuestion asks whether an asset trades above or below a threshold
// at the cohort horizon. The expected outcome is a fair coin.
func (g *TemplateGenerator) GenerateQuestion(ctx context.Context, qc QuestionContext) (*QuestionDraft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(qc.Assets) == 0 {
		return nil, model.Validationf("no assets to ask about")
	}
	assets := append([]AssetQuote(nil), qc.Assets...)
	sort.Slice(assets, func(i, j int) bool { return assets[i].Ticker < assets[j].Ticker })

	g.mu.Lock()
	defer g.mu.Unlock()

	// A few attempts to avoid repeating an open question.
	for attempt := 0; attempt < 4; attempt++ {
		a := assets[g.rng.IntN(len(assets))]
		move := moves[g.rng.IntN(len(moves))]
		up := g.rng.IntN(2) == 0

		dir, factor := "above", decimal.NewFromFloat(1+move)
		if !up {
			dir, factor = "below", decimal.NewFromFloat(1-move)
		}
		threshold := a.Price.Mul(factor).Round(2)
		d := &QuestionDraft{
			Text: fmt.Sprintf("Will %s trade %s $%s within %s?",
				a.Ticker, dir, threshold.StringFixed(2), qc.Cohort.Label),
			ExpectedOutcome: g.rng.IntN(2) == 0,
			Tickers:         []string{a.Ticker},
		}
		if d.Validate(qc.Active) == nil {
			return d, nil
		}
	}
	return nil, model.Validationf("no fresh question for cohort %s", qc.Cohort.Label)
}

// GenerateNarrative reports the outcome with a mild sentiment in the
// direction the question implied.
func (g *TemplateGenerator) GenerateNarrative(ctx context.Context, q *model.Question, outcome bool) (*model.NarrativeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	strength := 0.2 + g.rng.Float64()*0.3
	g.mu.Unlock()

	sentiment := strength
	verb := "delivers"
	if !outcome {
		sentiment = -strength
		verb = "falls short"
	}
	subject := "The market"
	if len(q.Tickers) > 0 {
		subject = q.Tickers[0]
	}
	return &model.NarrativeEvent{
		QuestionID: q.ID,
		Text:       fmt.Sprintf("%s %s: %q resolved %s.", subject, verb, q.Text, model.OutcomeFromBool(outcome)),
		Sentiment:  sentiment,
		Tickers:    q.Tickers,
		Timestamp:  q.ResolvesAt,
	}, nil
}
