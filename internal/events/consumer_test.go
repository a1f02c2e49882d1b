package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestStreamReaderHandsOutEventsInOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	pub := NewRedisStreamPublisher(client, "test:events")
	at := time.Date(2026, 4, 1, 10, 30, 0, 0, time.UTC)
	var published []string
	for _, aggregate := range []string{"sale-1", "sale-2"} {
		evt, err := NewEvent(TypeSalePosted, aggregate, at, map[string]int{"total_cents": 100})
		require.NoError(t, err)
		require.NoError(t, pub.Publish(ctx, evt))
		published = append(published, evt.ID)
	}
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "test:events", Values: map[string]any{"foo": "bar"}}).Err())
	evt, err := NewEvent(TypeShiftClosed, "shift-1", at, map[string]string{"variance_class": "normal"})
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, evt))
	published = append(published, evt.ID)

	reader := NewStreamReader(client, "test:events", "0")
	reader.block = -1

	var seen []string
	failOn := published[1]
	handle := func(_ context.Context, e Event) error {
		if e.ID == failOn {
			return errors.New("downstream unavailable")
		}
		seen = append(seen, e.ID)
		return nil
	}

	n, err := reader.Poll(ctx, handle)
	require.Error(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, published[:1], seen)

	failOn = ""
	n, err = reader.Poll(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, published, seen)

	n, err = reader.Poll(ctx, handle)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestServeMuxDecodesLedgerTasks(t *testing.T) {
	var got Event
	mux := NewServeMux(func(_ context.Context, e Event) error {
		got = e
		return nil
	})

	evt, err := NewEvent(TypeAdjustmentPosted, "P-GULA-01", time.Now(), map[string]int{"delta": -3})
	require.NoError(t, err)
	task, err := NewTask(evt, QueueLedger)
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))
	require.Equal(t, evt.ID, got.ID)
	require.Equal(t, "P-GULA-01", got.AggregateID)

	err = mux.ProcessTask(context.Background(), asynq.NewTask(taskPrefix+TypeSalePosted, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
