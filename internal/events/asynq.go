package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	QueueLedger     = "ledger"
	taskPrefix      = "ledger:"
	defaultMaxRetry = 5
)

// Enqueuer is the part of *asynq.Client the publisher needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqPublisher turns each event into a background task so consumers get
// retries and dead-lettering from the worker side.
type AsynqPublisher struct {
	client Enqueuer
	queue  string
}

func NewAsynqPublisher(client Enqueuer, queue string) *AsynqPublisher {
	if queue == "" {
		queue = QueueLedger
	}
	return &AsynqPublisher{client: client, queue: queue}
}

func NewTask(event Event, queue string) (*asynq.Task, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("events: marshal task: %w", err)
	}
	return asynq.NewTask(taskPrefix+event.Type, body, asynq.Queue(queue), asynq.MaxRetry(defaultMaxRetry), asynq.TaskID(event.ID)), nil
}

func (p *AsynqPublisher) Publish(ctx context.Context, event Event) error {
	task, err := NewTask(event, p.queue)
	if err != nil {
		return err
	}
	if _, err := p.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("events: enqueue %s: %w", event.Type, err)
	}
	return nil
}

// DecodeTask is the worker-side inverse of NewTask.
func DecodeTask(task *asynq.Task) (Event, error) {
	var e Event
	if err := json.Unmarshal(task.Payload(), &e); err != nil {
		return Event{}, fmt.Errorf("events: decode task %s: %w", task.Type(), err)
	}
	return e, nil
}
