package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/events"
	"kasirledger/backend/internal/inventory"
	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/store"
)

// PostAdjustment corrects stock to a counted quantity. It never touches a
// shift.
func (s *Service) PostAdjustment(ctx context.Context, req domain.AdjustmentRequest) (*domain.LedgerEntry, error) {
	start := time.Now()
	defer s.metrics.ObserveOp("adjustment", start)

	actorID := strings.TrimSpace(req.Actor)
	if actorID == "" {
		actorID = s.actor(ctx).Username
	}
	now := s.clock.Now()

	var entry domain.LedgerEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		entry, err = s.batches.Adjust(ctx, tx, inventory.AdjustRequest{
			ProductID: req.ProductID,
			BatchID:   req.BatchID,
			NewQty:    req.NewQty,
			Category:  req.Category,
			Reason:    req.Reason,
			Actor:     actorID,
			At:        now,
		})
		return err
	})
	if err != nil {
		s.recordStockError(err)
		return nil, err
	}

	s.logAudit(ctx, "stock_adjust", "product", entry.ProductID, fmt.Sprintf("category=%s,delta=%d,after=%d,reason=%s", entry.Category, entry.Delta, entry.QtyAfter, entry.Reason))
	s.publish(ctx, events.TypeAdjustmentPosted, entry.ProductID, entry)
	s.metrics.AdjustmentPosted(string(entry.Category))
	s.invalidateStock(ctx, entry.ProductID)
	return &entry, nil
}

// ReceiveBatch books a stock intake as a new batch.
func (s *Service) ReceiveBatch(ctx context.Context, req domain.ReceiveBatchRequest) (*domain.Batch, error) {
	actorID := strings.TrimSpace(req.Actor)
	if actorID == "" {
		actorID = s.actor(ctx).Username
	}
	kind := domain.LedgerPurchase
	if req.InitialLoad {
		kind = domain.LedgerInitialLoad
	}
	now := s.clock.Now()

	var batch domain.Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		batch, _, err = s.batches.Receive(ctx, tx, inventory.ReceiveRequest{
			ProductID:     req.ProductID,
			LotCode:       req.LotCode,
			Qty:           req.Qty,
			UnitCostCents: req.UnitCostCents,
			ExpiresAt:     req.ExpiresAt,
			Kind:          kind,
			Actor:         actorID,
			At:            now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "batch_receive", "batch", batch.ID, fmt.Sprintf("product=%s,qty=%d,cost=%d,kind=%s", batch.ProductID, batch.QtyReceived, batch.UnitCostCents, kind))
	s.publish(ctx, events.TypeBatchReceived, batch.ID, batch)
	s.invalidateStock(ctx, batch.ProductID)
	return &batch, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	now := s.clock.Now()
	product := domain.Product{
		ID:               strings.ToUpper(strings.TrimSpace(req.ID)),
		Name:             strings.TrimSpace(req.Name),
		PriceCents:       req.PriceCents,
		ReorderThreshold: req.ReorderThreshold,
		Perishable:       req.Perishable,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := product.Validate(); err != nil {
		return nil, err
	}
	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("name=%s,price=%d,perishable=%t", created.Name, created.PriceCents, created.Perishable))
	return created, nil
}

// StockOnHand returns the product's aggregate, its batches, the quantity the
// allocator could sell right now and whether the ledger chain replays to the
// aggregate. Results are cached until the next stock change.
func (s *Service) StockOnHand(ctx context.Context, productID string) (domain.StockLevel, error) {
	if cached, ok, err := s.stock.Get(ctx, productID); err != nil {
		s.log.WithField("product", productID).WithError(err).Warn("stock cache read failed")
	} else if ok {
		return *cached, nil
	}
	// The version is read before the rows so a change committed mid-compute
	// keeps this view out of the cache.
	version, versionErr := s.stock.Version(ctx, productID)
	if versionErr != nil {
		s.log.WithField("product", productID).WithError(versionErr).Warn("stock cache version read failed")
	}

	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.StockLevel{}, err
	}
	batches, err := s.repo.ListBatches(ctx, productID)
	if err != nil {
		return domain.StockLevel{}, err
	}
	entries, err := s.ledger.ByProduct(ctx, productID)
	if err != nil {
		return domain.StockLevel{}, err
	}

	level := domain.StockLevel{
		Product:  *product,
		OnHand:   product.StockQty,
		Sellable: inventory.SellableQty(*product, batches, s.clock.Now()),
		Batches:  batches,
	}
	replayed, err := ledger.Replay(entries)
	switch {
	case err == nil:
		level.LedgerIntact = replayed == product.StockQty
	case errors.Is(err, domain.ErrInconsistentStock):
		s.log.WithField("product", productID).WithError(err).Error("ledger chain is broken")
	default:
		return domain.StockLevel{}, err
	}

	if versionErr == nil {
		if err := s.stock.Set(ctx, productID, version, &level, s.stockTTL); err != nil {
			s.log.WithField("product", productID).WithError(err).Warn("stock cache write failed")
		}
	}
	return level, nil
}

func (s *Service) ListLowStock(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListLowStock(ctx)
}

func (s *Service) LedgerHistory(ctx context.Context, filter ledger.Filter) ([]domain.LedgerEntry, error) {
	return s.ledger.Query(ctx, filter)
}

// BatchHistory traces one lot from receipt to its last movement. Every batch
// starts with a receipt entry, so an empty trace means the batch is unknown.
func (s *Service) BatchHistory(ctx context.Context, batchID string) ([]domain.LedgerEntry, error) {
	entries, err := s.ledger.ByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("batch %s: %w", batchID, store.ErrNotFound)
	}
	return entries, nil
}
