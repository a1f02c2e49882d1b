package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStreamPublisher appends events to a capped Redis stream.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamPublisher(client *redis.Client, stream string) *RedisStreamPublisher {
	if stream == "" {
		stream = "kasirledger:events"
	}
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: 100000}
}

func (p *RedisStreamPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisStreamPublisher) Close() error {
	return p.client.Close()
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, event Event) error {
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":           event.ID,
			"type":         event.Type,
			"aggregate_id": event.AggregateID,
			"occurred_at":  event.OccurredAt.Format(time.RFC3339Nano),
			"payload":      string(event.Payload),
		},
	}).Err()
}

// Decode turns a stream message written by Publish back into an Event.
func Decode(msg redis.XMessage) (Event, error) {
	field := func(key string) string {
		v, _ := msg.Values[key].(string)
		return v
	}
	e := Event{
		ID:          field("id"),
		Type:        field("type"),
		AggregateID: field("aggregate_id"),
		Payload:     json.RawMessage(field("payload")),
	}
	if e.ID == "" || e.Type == "" {
		return Event{}, fmt.Errorf("events: stream message %s is not an event", msg.ID)
	}
	if ts := field("occurred_at"); ts != "" {
		at, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Event{}, fmt.Errorf("events: stream message %s: %w", msg.ID, err)
		}
		e.OccurredAt = at
	}
	return e, nil
}
