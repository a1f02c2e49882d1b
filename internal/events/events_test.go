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

func TestRedisStreamPublish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pub := NewRedisStreamPublisher(client, "test:events")
	defer pub.Close()
	ctx := context.Background()

	require.NoError(t, pub.Ping(ctx))

	at := time.Date(2026, 4, 1, 10, 30, 0, 0, time.UTC)
	evt, err := NewEvent(TypeSalePosted, "sale-1", at, map[string]any{"total_cents": 2500})
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, evt))

	msgs, err := client.XRange(ctx, "test:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	got, err := Decode(msgs[0])
	require.NoError(t, err)
	require.Equal(t, evt.ID, got.ID)
	require.Equal(t, TypeSalePosted, got.Type)
	require.Equal(t, "sale-1", got.AggregateID)
	require.True(t, at.Equal(got.OccurredAt))
	require.JSONEq(t, `{"total_cents":2500}`, string(got.Payload))
}

func TestDecodeRejectsForeignMessage(t *testing.T) {
	_, err := Decode(redis.XMessage{ID: "1-0", Values: map[string]any{"foo": "bar"}})
	require.Error(t, err)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: "x", Queue: QueueLedger, Type: task.Type()}, nil
}

func TestAsynqPublisherEnqueuesTask(t *testing.T) {
	enq := &fakeEnqueuer{}
	pub := NewAsynqPublisher(enq, "")

	evt, err := NewEvent(TypeShiftClosed, "shift-1", time.Now(), map[string]string{"variance_class": "normal"})
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), evt))

	require.Len(t, enq.tasks, 1)
	require.Equal(t, "ledger:shift.closed", enq.tasks[0].Type())
	decoded, err := DecodeTask(enq.tasks[0])
	require.NoError(t, err)
	require.Equal(t, evt.ID, decoded.ID)
	require.Equal(t, "shift-1", decoded.AggregateID)

	enq.err = errors.New("redis down")
	require.Error(t, pub.Publish(context.Background(), evt))
}

func TestNoopPublisher(t *testing.T) {
	require.NoError(t, NoopPublisher{}.Publish(context.Background(), Event{}))
}
