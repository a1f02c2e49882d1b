package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"kasirledger/backend/internal/cache"
	"kasirledger/backend/internal/clock"
	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/events"
	"kasirledger/backend/internal/inventory"
	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/observability"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service orchestrates the batch store, ledger and shift state machine inside
// repository units of work. Callers are expected to have checked roles.
type Service struct {
	repo      store.Repository
	ledger    *ledger.Ledger
	batches   *inventory.BatchStore
	clock     clock.Clock
	log       logrus.FieldLogger
	publisher events.Publisher
	stock     cache.StockCache
	stockTTL  time.Duration
	metrics   *observability.Metrics

	requireApproval bool
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.log = l }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithStockCache(c cache.StockCache, ttl time.Duration) Option {
	return func(s *Service) {
		s.stock = c
		s.stockTTL = ttl
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithShiftApproval controls whether a closure request waits for an admin.
func WithShiftApproval(required bool) Option {
	return func(s *Service) { s.requireApproval = required }
}

func New(repo store.Repository, opts ...Option) *Service {
	s := &Service{
		repo:            repo,
		clock:           clock.System{},
		log:             logrus.StandardLogger(),
		publisher:       events.NoopPublisher{},
		stock:           cache.NoopStockCache{},
		stockTTL:        15 * time.Second,
		requireApproval: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "service")
	s.ledger = ledger.New(repo, s.log)
	s.batches = inventory.NewBatchStore(s.ledger)
	return s
}

func (s *Service) Ledger() *ledger.Ledger {
	return s.ledger
}

func (s *Service) actor(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor := s.actor(ctx)
	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		Actor:      actor.Username,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.clock.Now(),
	}); err != nil {
		s.log.WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).WithError(err).Warn("failed to write audit log")
	}
}

// publish is best-effort: the unit of work has already committed.
func (s *Service) publish(ctx context.Context, eventType string, aggregateID string, payload any) {
	evt, err := events.NewEvent(eventType, aggregateID, s.clock.Now(), payload)
	if err == nil {
		err = s.publisher.Publish(ctx, evt)
	}
	if err != nil {
		s.metrics.PublishFailed(eventType)
		s.log.WithFields(logrus.Fields{
			"event":     eventType,
			"aggregate": aggregateID,
		}).WithError(err).Warn("event publish failed")
	}
}

func (s *Service) invalidateStock(ctx context.Context, productIDs ...string) {
	if err := s.stock.Invalidate(ctx, productIDs...); err != nil {
		s.log.WithField("products", productIDs).WithError(err).Warn("stock cache invalidation failed")
	}
}

func (s *Service) recordStockError(err error) {
	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		s.metrics.StockRejected("insufficient_stock")
	case errors.Is(err, domain.ErrInconsistentStock):
		s.metrics.StockRejected("inconsistent_stock")
		s.log.WithError(err).Error("stock rows are inconsistent")
	}
}
