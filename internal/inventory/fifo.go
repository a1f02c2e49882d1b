package inventory

import (
	"cmp"
	"slices"
	"time"

	"kasirledger/backend/internal/domain"
)

// Allocation is one (batch, quantity taken) pair.
type Allocation struct {
	BatchID       string     `json:"batch_id"`
	Qty           int        `json:"qty"`
	UnitCostCents int64      `json:"unit_cost_cents"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// Eligible reports whether the allocator may take from b at now. Batches
// without an expiry only qualify for non-perishable products.
func Eligible(product domain.Product, b domain.Batch, now time.Time) bool {
	if b.ProductID != product.ID || !b.Active || b.QtyAvailable <= 0 {
		return false
	}
	if b.ExpiresAt == nil {
		return !product.Perishable
	}
	return b.ExpiresAt.After(now)
}

// CompareFIFO orders batches earliest expiry first, batches without expiry
// last, and equal expiries by batch id.
func CompareFIFO(a, b domain.Batch) int {
	switch {
	case a.ExpiresAt == nil && b.ExpiresAt != nil:
		return 1
	case a.ExpiresAt != nil && b.ExpiresAt == nil:
		return -1
	case a.ExpiresAt != nil && b.ExpiresAt != nil:
		if c := a.ExpiresAt.Compare(*b.ExpiresAt); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.ID, b.ID)
}

func SellableQty(product domain.Product, batches []domain.Batch, now time.Time) int {
	total := 0
	for _, b := range batches {
		if Eligible(product, b, now) {
			total += b.QtyAvailable
		}
	}
	return total
}

// Plan picks batches for qty units without touching them. It either returns
// allocations that add up to exactly qty or an *InsufficientStockError.
func Plan(product domain.Product, batches []domain.Batch, qty int, now time.Time) ([]Allocation, error) {
	if qty < 1 {
		return nil, domain.ErrInvalidAmount
	}
	eligible := make([]domain.Batch, 0, len(batches))
	available := 0
	for _, b := range batches {
		if Eligible(product, b, now) {
			eligible = append(eligible, b)
			available += b.QtyAvailable
		}
	}
	if available < qty {
		return nil, &domain.InsufficientStockError{ProductID: product.ID, Requested: qty, Available: available}
	}
	slices.SortFunc(eligible, CompareFIFO)

	plan := make([]Allocation, 0, 2)
	remaining := qty
	for _, b := range eligible {
		if remaining == 0 {
			break
		}
		take := min(remaining, b.QtyAvailable)
		plan = append(plan, Allocation{BatchID: b.ID, Qty: take, UnitCostCents: b.UnitCostCents, ExpiresAt: b.ExpiresAt})
		remaining -= take
	}
	return plan, nil
}
