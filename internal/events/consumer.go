package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	redis "github.com/redis/go-redis/v9"
)

// HandlerFunc processes one decoded event. Returning an error asks the sink
// to deliver the event again where it supports that.
type HandlerFunc func(ctx context.Context, event Event) error

// NewServeMux routes every ledger task to h. A payload that does not decode
// is never retried.
func NewServeMux(h HandlerFunc) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(taskPrefix, func(ctx context.Context, task *asynq.Task) error {
		event, err := DecodeTask(task)
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return h(ctx, event)
	})
	return mux
}

// StreamReader tails the Redis stream written by RedisStreamPublisher.
type StreamReader struct {
	client *redis.Client
	stream string
	last   string
	count  int64
	block  time.Duration
}

// NewStreamReader starts after the given entry id. "$" reads only entries
// added from now on and "0" replays the whole stream.
func NewStreamReader(client *redis.Client, stream string, after string) *StreamReader {
	if stream == "" {
		stream = "kasirledger:events"
	}
	if after == "" {
		after = "$"
	}
	return &StreamReader{client: client, stream: stream, last: after, count: 100, block: 5 * time.Second}
}

// Last is the id of the newest entry handed out so far.
func (r *StreamReader) Last() string {
	return r.last
}

// Poll reads one batch and hands each event to h in stream order. Entries
// that are not events are skipped. On a handler error the reader stays on the
// failed entry so the next Poll starts there again.
func (r *StreamReader) Poll(ctx context.Context, h HandlerFunc) (int, error) {
	res, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{r.stream, r.last},
		Count:   r.count,
		Block:   r.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("events: read %s: %w", r.stream, err)
	}

	handled := 0
	for _, stream := range res {
		for _, msg := range stream.Messages {
			event, err := Decode(msg)
			if err == nil {
				if err := h(ctx, event); err != nil {
					return handled, fmt.Errorf("events: handle %s: %w", event.ID, err)
				}
				handled++
			}
			r.last = msg.ID
		}
	}
	return handled, nil
}

// Run polls until ctx ends. A failed poll is reported to onError and retried
// after a short pause.
func (r *StreamReader) Run(ctx context.Context, h HandlerFunc, onError func(error)) error {
	for {
		if _, err := r.Poll(ctx, h); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if onError != nil {
				onError(err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
