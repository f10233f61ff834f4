// Package notify pushes engine state changes to subscribers. Delivery is
// fire-and-forget: publishers report failures, callers log and move on.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/model"
)

// Topics published by the engine.
const (
	TopicTick               = "tick"
	TopicPrice              = "price"
	TopicQuestionCreated    = "question.created"
	TopicQuestionResolved   = "question.resolved"
	TopicQuestionCancelled  = "question.cancelled"
	TopicTrade              = "trade"
	TopicPositionOpened     = "position.opened"
	TopicPositionClosed     = "position.closed"
	TopicPositionLiquidated = "position.liquidated"
	TopicPoints             = "points"
)

// Publisher delivers one payload on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Message is the envelope written to every sink.
type Message struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Encode wraps payload in a Message and marshals it.
func Encode(topic string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("notify: marshal %s payload: %w", topic, err)
	}
	return json.Marshal(Message{Topic: topic, Payload: raw, Timestamp: time.Now().UTC()})
}

func unavailable(sink string, err error) error {
	metrics.CollaboratorFailures.WithLabelValues(sink).Inc()
	return fmt.Errorf("notify %s: %w: %w", sink, model.ErrCollaboratorUnavailable, err)
}

// Fanout publishes to every sink and joins their errors.
type Fanout []Publisher

// Publish delivers to all sinks even when some fail.
func (f Fanout) Publish(ctx context.Context, topic string, payload any) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every message.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, string, any) error { return nil }
