// Package events publishes committed state changes for downstream consumers
// such as reporting or accounting sync. Publishing happens after the unit of
// work commits and never rolls it back.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"kasirledger/backend/internal/xid"
)

const (
	TypeSalePosted       = "sale.posted"
	TypeReturnPosted     = "return.posted"
	TypeAdjustmentPosted = "adjustment.posted"
	TypeBatchReceived    = "batch.received"
	TypeShiftClosed      = "shift.closed"
	TypeShiftReopened    = "shift.reopened"
)

type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
}

func NewEvent(eventType string, aggregateID string, at time.Time, payload any) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:          xid.New("evt"),
		Type:        eventType,
		AggregateID: aggregateID,
		OccurredAt:  at.UTC(),
		Payload:     body,
	}, nil
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ Event) error {
	return nil
}
