package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/xid"
)

// BatchStore applies allocations, releases and intakes to batch rows. Each
// batch quantity change is written together with its ledger entry in the
// caller's unit of work.
type BatchStore struct {
	ledger *ledger.Ledger
}

func NewBatchStore(l *ledger.Ledger) *BatchStore {
	return &BatchStore{ledger: l}
}

type AllocateRequest struct {
	ProductID string
	Qty       int
	SaleID    string
	Actor     string
	At        time.Time
}

type AllocateResult struct {
	Product     domain.Product
	Allocations []Allocation
	Entries     []domain.LedgerEntry
}

// Allocate takes req.Qty units of the product in FIFO order. On
// InsufficientStock nothing has been written.
func (s *BatchStore) Allocate(ctx context.Context, tx store.Tx, req AllocateRequest) (AllocateResult, error) {
	product, err := tx.GetProductForUpdate(ctx, req.ProductID)
	if err != nil {
		return AllocateResult{}, fmt.Errorf("product %s: %w", req.ProductID, err)
	}
	if !product.Active {
		return AllocateResult{}, fmt.Errorf("product %s is inactive: %w", product.ID, domain.ErrInvalidReference)
	}
	batches, err := tx.ListBatchesForUpdate(ctx, product.ID)
	if err != nil {
		return AllocateResult{}, err
	}
	if err := checkAggregate(*product, batches); err != nil {
		return AllocateResult{}, err
	}

	plan, err := Plan(*product, batches, req.Qty, req.At)
	if err != nil {
		return AllocateResult{}, err
	}

	byID := make(map[string]domain.Batch, len(batches))
	for _, b := range batches {
		byID[b.ID] = b
	}

	qty := product.StockQty
	entries := make([]domain.LedgerEntry, 0, len(plan))
	for _, a := range plan {
		b := byID[a.BatchID]
		if err := tx.UpdateBatchQty(ctx, b.ID, b.QtyAvailable-a.Qty); err != nil {
			return AllocateResult{}, err
		}
		entry, err := s.ledger.Record(ctx, tx, domain.LedgerEntry{
			ProductID: product.ID,
			BatchID:   b.ID,
			Type:      domain.LedgerSale,
			Delta:     -a.Qty,
			QtyBefore: qty,
			QtyAfter:  qty - a.Qty,
			Actor:     req.Actor,
			SaleID:    req.SaleID,
			CreatedAt: req.At,
		})
		if err != nil {
			return AllocateResult{}, err
		}
		entries = append(entries, entry)
		qty -= a.Qty
	}
	if err := tx.UpdateProductStock(ctx, product.ID, qty, req.At); err != nil {
		return AllocateResult{}, err
	}
	product.StockQty = qty
	return AllocateResult{Product: *product, Allocations: plan, Entries: entries}, nil
}

type ReleaseRequest struct {
	BatchID  string
	Qty      int
	SaleID   string
	ReturnID string
	Actor    string
	Reason   string
	At       time.Time
}

// Release puts qty units back into one specific batch without checking expiry
// or the active flag. A return restores the batch the units came from.
func (s *BatchStore) Release(ctx context.Context, tx store.Tx, req ReleaseRequest) (domain.LedgerEntry, error) {
	if req.Qty < 1 {
		return domain.LedgerEntry{}, domain.ErrInvalidAmount
	}
	batch, err := tx.GetBatchForUpdate(ctx, req.BatchID)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("batch %s: %w", req.BatchID, err)
	}
	product, err := tx.GetProductForUpdate(ctx, batch.ProductID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if err := tx.UpdateBatchQty(ctx, batch.ID, batch.QtyAvailable+req.Qty); err != nil {
		return domain.LedgerEntry{}, err
	}
	entry, err := s.ledger.Record(ctx, tx, domain.LedgerEntry{
		ProductID: product.ID,
		BatchID:   batch.ID,
		Type:      domain.LedgerReturn,
		Delta:     req.Qty,
		QtyBefore: product.StockQty,
		QtyAfter:  product.StockQty + req.Qty,
		Actor:     req.Actor,
		SaleID:    req.SaleID,
		ReturnID:  req.ReturnID,
		Reason:    req.Reason,
		CreatedAt: req.At,
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if err := tx.UpdateProductStock(ctx, product.ID, product.StockQty+req.Qty, req.At); err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}

type ReceiveRequest struct {
	ProductID     string
	LotCode       string
	Qty           int
	UnitCostCents int64
	ExpiresAt     *time.Time
	Kind          domain.LedgerType
	Actor         string
	At            time.Time
}

// Receive creates a batch from a stock intake.
func (s *BatchStore) Receive(ctx context.Context, tx store.Tx, req ReceiveRequest) (domain.Batch, domain.LedgerEntry, error) {
	if req.Kind == "" {
		req.Kind = domain.LedgerPurchase
	}
	if req.Kind != domain.LedgerPurchase && req.Kind != domain.LedgerInitialLoad {
		return domain.Batch{}, domain.LedgerEntry{}, fmt.Errorf("intake kind %q: %w", req.Kind, domain.ErrInvalidReference)
	}
	if req.Qty < 1 || req.UnitCostCents < 0 {
		return domain.Batch{}, domain.LedgerEntry{}, domain.ErrInvalidAmount
	}

	product, err := tx.GetProductForUpdate(ctx, req.ProductID)
	if err != nil {
		return domain.Batch{}, domain.LedgerEntry{}, fmt.Errorf("product %s: %w", req.ProductID, err)
	}
	if req.ExpiresAt == nil && product.Perishable {
		return domain.Batch{}, domain.LedgerEntry{}, fmt.Errorf("perishable product %s needs an expiry date: %w", product.ID, domain.ErrInvalidReference)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(req.At) {
		return domain.Batch{}, domain.LedgerEntry{}, fmt.Errorf("batch for %s is already expired: %w", product.ID, domain.ErrInvalidReference)
	}

	batch := domain.Batch{
		ID:            xid.New("batch"),
		ProductID:     product.ID,
		LotCode:       strings.TrimSpace(req.LotCode),
		QtyReceived:   req.Qty,
		QtyAvailable:  req.Qty,
		ExpiresAt:     req.ExpiresAt,
		UnitCostCents: req.UnitCostCents,
		Active:        true,
		ReceivedAt:    req.At,
	}
	if err := batch.Validate(); err != nil {
		return domain.Batch{}, domain.LedgerEntry{}, err
	}
	if err := tx.InsertBatch(ctx, batch); err != nil {
		return domain.Batch{}, domain.LedgerEntry{}, err
	}
	entry, err := s.ledger.Record(ctx, tx, domain.LedgerEntry{
		ProductID: product.ID,
		BatchID:   batch.ID,
		Type:      req.Kind,
		Delta:     req.Qty,
		QtyBefore: product.StockQty,
		QtyAfter:  product.StockQty + req.Qty,
		Actor:     req.Actor,
		CreatedAt: req.At,
	})
	if err != nil {
		return domain.Batch{}, domain.LedgerEntry{}, err
	}
	if err := tx.UpdateProductStock(ctx, product.ID, product.StockQty+req.Qty, req.At); err != nil {
		return domain.Batch{}, domain.LedgerEntry{}, err
	}
	return batch, entry, nil
}

func checkAggregate(product domain.Product, batches []domain.Batch) error {
	sum := 0
	for _, b := range batches {
		sum += b.QtyAvailable
	}
	if sum != product.StockQty {
		return fmt.Errorf("product %s stock %d does not match batch total %d: %w", product.ID, product.StockQty, sum, domain.ErrInconsistentStock)
	}
	return nil
}
