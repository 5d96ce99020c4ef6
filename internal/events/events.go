// Package events publishes committed commerce facts to downstream consumers.
// Publishing is best-effort: a failure is logged and never reaches the caller.
package events

import (
	"context"
	"encoding/json"
	"time"
)

const (
	TypeSaleCompleted          = "sale.completed"
	TypeRefundIssued           = "refund.issued"
	TypePurchaseOrderReceived  = "purchase_order.received"
	TypeDrawerSessionClosed    = "drawer_session.closed"
	TypeCurrencyTableRefreshed = "currency_table.refreshed"
)

type Event struct {
	Type       string          `json:"type"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurred_at"`
	Actor      string          `json:"actor,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// New marshals payload into an event envelope keyed by the entity id.
func New(eventType string, key string, actor string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:       eventType,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Actor:      actor,
		Payload:    raw,
	}, nil
}

type Publisher interface {
	Publish(ctx context.Context, event Event)
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ Event) {}

func (NoopPublisher) Close() error { return nil }
