package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/atmx/sim-engine/internal/model"
)

// HTTPGenerator calls an external text service over JSON:
//
//	POST {base}/questions   QuestionContext        → QuestionDraft
//	POST {base}/narratives  {question, outcome}    → {text, sentiment}
type HTTPGenerator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGenerator creates a generator for baseURL. The client timeout is a
// backstop; callers bound each call with WithTimeout.
func NewHTTPGenerator(baseURL string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// GenerateQuestion posts the question context and decodes a draft.
func (g *HTTPGenerator) GenerateQuestion(ctx context.Context, qc QuestionContext) (*QuestionDraft, error) {
	var d QuestionDraft
	if err := g.post(ctx, "/questions", qc, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

type narrativeRequest struct {
	QuestionID string   `json:"question_id"`
	Text       string   `json:"text"`
	Tickers    []string `json:"tickers,omitempty"`
	Outcome    bool     `json:"outcome"`
}

type narrativeResponse struct {
	Text      string  `json:"text"`
	Sentiment float64 `json:"sentiment"`
}

// GenerateNarrative posts the resolved question and decodes the narrative.
func (g *HTTPGenerator) GenerateNarrative(ctx context.Context, q *model.Question, outcome bool) (*model.NarrativeEvent, error) {
	var resp narrativeResponse
	req := narrativeRequest{QuestionID: q.ID, Text: q.Text, Tickers: q.Tickers, Outcome: outcome}
	if err := g.post(ctx, "/narratives", req, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, fmt.Errorf("content: empty narrative for question %s", q.ID)
	}
	return &model.NarrativeEvent{
		QuestionID: q.ID,
		Text:       resp.Text,
		Sentiment:  resp.Sentiment,
		Tickers:    q.Tickers,
		Timestamp:  time.Now(),
	}, nil
}

func (g *HTTPGenerator) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("content: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("content: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("content: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("content: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("content: decode response: %w", err)
	}
	return nil
}
