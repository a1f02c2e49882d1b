package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"kasirledger/backend/internal/config"
	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/events"
	"kasirledger/backend/internal/logging"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("worker stopped with error")
	}
	log.Info("worker stopped")
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	if cfg.RedisAddr == "" {
		return errors.New("REDIS_ADDR must be set to consume events")
	}
	handle := eventHandler(log.WithField("component", "worker"))

	switch cfg.EventSink {
	case "asynq":
		srv := asynq.NewServer(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, asynq.Config{
			Concurrency: 5,
			Queues:      map[string]int{events.QueueLedger: 1},
		})
		if err := srv.Start(events.NewServeMux(handle)); err != nil {
			return fmt.Errorf("start asynq server: %w", err)
		}
		log.WithField("queue", events.QueueLedger).Info("consuming ledger tasks")
		<-ctx.Done()
		srv.Shutdown()
		return ctx.Err()

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unavailable: %w", err)
		}
		reader := events.NewStreamReader(client, cfg.EventStream, cfg.EventStreamStart)
		log.WithField("stream", cfg.EventStream).Info("consuming event stream")
		return reader.Run(ctx, handle, func(err error) {
			log.WithError(err).WithField("last_id", reader.Last()).Warn("event stream read failed")
		})

	default:
		return fmt.Errorf("EVENT_SINK %q has nothing to consume", cfg.EventSink)
	}
}

// eventHandler logs every committed change. A closed shift whose count missed
// the normal band is logged as a warning with its cashier and duration.
func eventHandler(log logrus.FieldLogger) events.HandlerFunc {
	return func(_ context.Context, event events.Event) error {
		entry := log.WithFields(logrus.Fields{
			"event":     event.ID,
			"type":      event.Type,
			"aggregate": event.AggregateID,
		})
		if event.Type != events.TypeShiftClosed {
			entry.Info("event received")
			return nil
		}

		var sh domain.CashShift
		if err := json.Unmarshal(event.Payload, &sh); err != nil {
			entry.WithError(err).Error("shift payload unreadable, skipped")
			return nil
		}
		entry = entry.WithFields(logrus.Fields{
			"cashier":  sh.CashierID,
			"variance": sh.VarianceCents,
			"class":    sh.VarianceClass,
			"duration": domain.ShiftDuration(sh, event.OccurredAt).String(),
		})
		if sh.VarianceClass == domain.VarianceWarning || sh.VarianceClass == domain.VarianceCritical {
			entry.Warn("shift closed with cash variance")
			return nil
		}
		entry.Info("shift closed")
		return nil
	}
}
