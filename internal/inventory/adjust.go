package inventory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
)

type AdjustRequest struct {
	ProductID string
	BatchID   string
	NewQty    int
	Category  domain.AdjustmentCategory
	Reason    string
	Actor     string
	At        time.Time
}

// Adjust sets a product (or one of its batches) to a counted quantity and
// writes a single adjustment entry for the difference, including a zero
// difference when the count confirms the books.
func (s *BatchStore) Adjust(ctx context.Context, tx store.Tx, req AdjustRequest) (domain.LedgerEntry, error) {
	if !req.Category.Valid() {
		return domain.LedgerEntry{}, fmt.Errorf("category %q: %w", req.Category, domain.ErrInvalidAdjustment)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return domain.LedgerEntry{}, fmt.Errorf("reason is required: %w", domain.ErrInvalidAdjustment)
	}
	if req.NewQty < 0 {
		return domain.LedgerEntry{}, fmt.Errorf("new qty %d: %w", req.NewQty, domain.ErrInvalidAdjustment)
	}

	product, err := tx.GetProductForUpdate(ctx, req.ProductID)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("product %s: %w", req.ProductID, err)
	}
	batches, err := tx.ListBatchesForUpdate(ctx, product.ID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if err := checkAggregate(*product, batches); err != nil {
		return domain.LedgerEntry{}, err
	}

	var (
		delta   int
		touched []string
	)
	if req.BatchID != "" {
		idx := slices.IndexFunc(batches, func(b domain.Batch) bool { return b.ID == req.BatchID })
		if idx < 0 {
			return domain.LedgerEntry{}, fmt.Errorf("batch %s does not belong to %s: %w", req.BatchID, product.ID, domain.ErrInvalidReference)
		}
		b := batches[idx]
		delta = req.NewQty - b.QtyAvailable
		if delta != 0 {
			if err := tx.UpdateBatchQty(ctx, b.ID, req.NewQty); err != nil {
				return domain.LedgerEntry{}, err
			}
		}
		touched = append(touched, b.ID)
	} else {
		delta = req.NewQty - product.StockQty
		switch {
		case delta < 0:
			touched, err = shrink(ctx, tx, batches, -delta)
		case delta > 0:
			touched, err = grow(ctx, tx, batches, product.ID, delta)
		}
		if err != nil {
			return domain.LedgerEntry{}, err
		}
	}

	entry := domain.LedgerEntry{
		ProductID: product.ID,
		Type:      domain.LedgerAdjustment,
		Delta:     delta,
		QtyBefore: product.StockQty,
		QtyAfter:  product.StockQty + delta,
		Actor:     req.Actor,
		Category:  req.Category,
		Reason:    strings.TrimSpace(req.Reason),
		CreatedAt: req.At,
	}
	if len(touched) == 1 {
		entry.BatchID = touched[0]
	}
	entry, err = s.ledger.Record(ctx, tx, entry)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if delta != 0 {
		if err := tx.UpdateProductStock(ctx, product.ID, entry.QtyAfter, req.At); err != nil {
			return domain.LedgerEntry{}, err
		}
	}
	return entry, nil
}

// shrink removes qty units from batches in expiry order. Expired and inactive
// batches are included: a count reflects what is physically there.
func shrink(ctx context.Context, tx store.Tx, batches []domain.Batch, qty int) ([]string, error) {
	ordered := slices.Clone(batches)
	slices.SortFunc(ordered, CompareFIFO)
	var touched []string
	for _, b := range ordered {
		if qty == 0 {
			break
		}
		if b.QtyAvailable == 0 {
			continue
		}
		take := min(qty, b.QtyAvailable)
		if err := tx.UpdateBatchQty(ctx, b.ID, b.QtyAvailable-take); err != nil {
			return nil, err
		}
		touched = append(touched, b.ID)
		qty -= take
	}
	if qty > 0 {
		// Only reachable when the batch rows disagree with the aggregate.
		return nil, fmt.Errorf("adjustment left %d units unassigned: %w", qty, domain.ErrInconsistentStock)
	}
	return touched, nil
}

// grow adds qty units to the most recently received active batch.
func grow(ctx context.Context, tx store.Tx, batches []domain.Batch, productID string, qty int) ([]string, error) {
	var latest *domain.Batch
	for i := range batches {
		b := &batches[i]
		if !b.Active {
			continue
		}
		if latest == nil || b.ReceivedAt.After(latest.ReceivedAt) || (b.ReceivedAt.Equal(latest.ReceivedAt) && b.ID > latest.ID) {
			latest = b
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("product %s has no active batch to receive the increase: %w", productID, domain.ErrInvalidReference)
	}
	if err := tx.UpdateBatchQty(ctx, latest.ID, latest.QtyAvailable+qty); err != nil {
		return nil, err
	}
	return []string{latest.ID}, nil
}
