package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/logging"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/store/memory"
)

var now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func days(n int) *time.Time {
	t := now.AddDate(0, 0, n)
	return &t
}

type fixture struct {
	repo    *memory.Store
	ledger  *ledger.Ledger
	batches *BatchStore
	ids     []string
}

// newFixture creates product P-1 with one batch per expiry, 5 units each.
func newFixture(t *testing.T, perishable bool, expiries ...*time.Time) fixture {
	t.Helper()
	repo := memory.New()
	l := ledger.New(repo, logging.Discard())
	f := fixture{repo: repo, ledger: l, batches: NewBatchStore(l)}
	ctx := context.Background()

	_, err := repo.CreateProduct(ctx, domain.Product{ID: "P-1", Name: "Roti", PriceCents: 1000, Perishable: perishable, Active: true})
	require.NoError(t, err)
	for i, exp := range expiries {
		err := repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			b, _, err := f.batches.Receive(ctx, tx, ReceiveRequest{
				ProductID:     "P-1",
				Qty:           5,
				UnitCostCents: int64(500 + i*100),
				ExpiresAt:     exp,
				Kind:          domain.LedgerInitialLoad,
				Actor:         "system",
				At:            now.Add(-time.Hour),
			})
			f.ids = append(f.ids, b.ID)
			return err
		})
		require.NoError(t, err)
	}
	return f
}

func (f fixture) allocate(t *testing.T, qty int) (AllocateResult, error) {
	t.Helper()
	var res AllocateResult
	err := f.repo.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		res, err = f.batches.Allocate(ctx, tx, AllocateRequest{ProductID: "P-1", Qty: qty, SaleID: "sale-1", Actor: "kasir", At: now})
		return err
	})
	return res, err
}

func TestPlanOrdersByExpiry(t *testing.T) {
	product := domain.Product{ID: "P-1", Perishable: false}
	batches := []domain.Batch{
		{ID: "b-none", ProductID: "P-1", QtyAvailable: 5, Active: true},
		{ID: "b-late", ProductID: "P-1", QtyAvailable: 5, Active: true, ExpiresAt: days(20)},
		{ID: "b-early", ProductID: "P-1", QtyAvailable: 5, Active: true, ExpiresAt: days(10)},
		{ID: "b-expired", ProductID: "P-1", QtyAvailable: 5, Active: true, ExpiresAt: days(-1)},
		{ID: "b-inactive", ProductID: "P-1", QtyAvailable: 5, Active: false, ExpiresAt: days(1)},
	}
	plan, err := Plan(product, batches, 12, now)
	require.NoError(t, err)
	require.Len(t, plan, 3)
	require.Equal(t, "b-early", plan[0].BatchID)
	require.Equal(t, "b-late", plan[1].BatchID)
	require.Equal(t, "b-none", plan[2].BatchID)
	require.Equal(t, 2, plan[2].Qty)
	require.Equal(t, 15, SellableQty(product, batches, now))

	product.Perishable = true
	require.Equal(t, 10, SellableQty(product, batches, now))
}

func TestAllocateSpansBatches(t *testing.T) {
	f := newFixture(t, true, days(10), days(20))

	res, err := f.allocate(t, 7)
	require.NoError(t, err)
	require.Len(t, res.Allocations, 2)
	require.Equal(t, f.ids[0], res.Allocations[0].BatchID)
	require.Equal(t, 5, res.Allocations[0].Qty)
	require.Equal(t, f.ids[1], res.Allocations[1].BatchID)
	require.Equal(t, 2, res.Allocations[1].Qty)
	require.Equal(t, 3, res.Product.StockQty)

	batches, err := f.repo.ListBatches(context.Background(), "P-1")
	require.NoError(t, err)
	remaining := map[string]int{}
	for _, b := range batches {
		remaining[b.ID] = b.QtyAvailable
	}
	require.Equal(t, 0, remaining[f.ids[0]])
	require.Equal(t, 3, remaining[f.ids[1]])

	require.Len(t, res.Entries, 2)
	require.Equal(t, 10, res.Entries[0].QtyBefore)
	require.Equal(t, 5, res.Entries[0].QtyAfter)
	require.Equal(t, 3, res.Entries[1].QtyAfter)
}

func TestAllocateIsAllOrNothing(t *testing.T) {
	f := newFixture(t, true, days(10), days(20))
	ctx := context.Background()
	before, err := f.ledger.ByProduct(ctx, "P-1")
	require.NoError(t, err)

	_, err = f.allocate(t, 11)
	var short *domain.InsufficientStockError
	require.True(t, errors.As(err, &short), "expected InsufficientStockError, got %v", err)
	require.Equal(t, 11, short.Requested)
	require.Equal(t, 10, short.Available)

	p, err := f.repo.GetProduct(ctx, "P-1")
	require.NoError(t, err)
	require.Equal(t, 10, p.StockQty)
	after, err := f.ledger.ByProduct(ctx, "P-1")
	require.NoError(t, err)
	require.Len(t, after, len(before))
}

func TestAllocateSkipsExpiredBatches(t *testing.T) {
	f := newFixture(t, true, days(1), days(20))
	// Move the clock past the first batch's expiry.
	err := f.repo.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := f.batches.Allocate(ctx, tx, AllocateRequest{ProductID: "P-1", Qty: 6, SaleID: "s", Actor: "k", At: now.AddDate(0, 0, 2)})
		return err
	})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	err = f.repo.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		res, err := f.batches.Allocate(ctx, tx, AllocateRequest{ProductID: "P-1", Qty: 5, SaleID: "s", Actor: "k", At: now.AddDate(0, 0, 2)})
		if err != nil {
			return err
		}
		require.Equal(t, f.ids[1], res.Allocations[0].BatchID)
		return nil
	})
	require.NoError(t, err)
}

func TestReleaseRestoresExpiredBatch(t *testing.T) {
	f := newFixture(t, true, days(1))
	_, err := f.allocate(t, 2)
	require.NoError(t, err)

	err = f.repo.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := f.batches.Release(ctx, tx, ReleaseRequest{
			BatchID:  f.ids[0],
			Qty:      2,
			SaleID:   "sale-1",
			ReturnID: "ret-1",
			Actor:    "admin",
			Reason:   "customer return",
			At:       now.AddDate(0, 0, 3),
		})
		return err
	})
	require.NoError(t, err)

	batches, err := f.repo.ListBatches(context.Background(), "P-1")
	require.NoError(t, err)
	require.Equal(t, 5, batches[0].QtyAvailable)

	entries, err := f.ledger.ByProduct(context.Background(), "P-1")
	require.NoError(t, err)
	qty, err := ledger.Replay(entries)
	require.NoError(t, err)
	require.Equal(t, 5, qty)
	require.Equal(t, domain.LedgerReturn, entries[len(entries)-1].Type)
}

func TestReceiveRequiresExpiryForPerishables(t *testing.T) {
	f := newFixture(t, true)
	err := f.repo.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, _, err := f.batches.Receive(ctx, tx, ReceiveRequest{ProductID: "P-1", Qty: 3, At: now})
		return err
	})
	require.ErrorIs(t, err, domain.ErrInvalidReference)

	err = f.repo.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, _, err := f.batches.Receive(ctx, tx, ReceiveRequest{ProductID: "P-1", Qty: 3, ExpiresAt: days(-1), At: now})
		return err
	})
	require.ErrorIs(t, err, domain.ErrInvalidReference)
}

func (f fixture) adjust(t *testing.T, req AdjustRequest) (domain.LedgerEntry, error) {
	t.Helper()
	var entry domain.LedgerEntry
	err := f.repo.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		req.ProductID = "P-1"
		req.Actor = "admin"
		req.At = now
		entry, err = f.batches.Adjust(ctx, tx, req)
		return err
	})
	return entry, err
}

func TestAdjustDecreaseFollowsExpiryIgnoringEligibility(t *testing.T) {
	f := newFixture(t, true, days(1), days(20))

	// Expire the first batch, then count 3 units on the shelf.
	err := f.repo.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		entry, err := f.batches.Adjust(ctx, tx, AdjustRequest{
			ProductID: "P-1",
			NewQty:    3,
			Category:  domain.AdjustPhysicalCount,
			Reason:    "monthly count",
			Actor:     "admin",
			At:        now.AddDate(0, 0, 5),
		})
		if err != nil {
			return err
		}
		require.Equal(t, -7, entry.Delta)
		require.Equal(t, 10, entry.QtyBefore)
		require.Equal(t, 3, entry.QtyAfter)
		require.Empty(t, entry.BatchID, "two batches were touched")
		return nil
	})
	require.NoError(t, err)

	batches, err := f.repo.ListBatches(context.Background(), "P-1")
	require.NoError(t, err)
	remaining := map[string]int{}
	for _, b := range batches {
		remaining[b.ID] = b.QtyAvailable
	}
	require.Equal(t, 0, remaining[f.ids[0]])
	require.Equal(t, 3, remaining[f.ids[1]])
}

func TestAdjustIncreaseGoesToLatestBatch(t *testing.T) {
	f := newFixture(t, true, days(20), days(10))

	entry, err := f.adjust(t, AdjustRequest{NewQty: 12, Category: domain.AdjustCountError, Reason: "found a box"})
	require.NoError(t, err)
	require.Equal(t, 2, entry.Delta)
	require.Equal(t, f.ids[1], entry.BatchID)

	p, err := f.repo.GetProduct(context.Background(), "P-1")
	require.NoError(t, err)
	require.Equal(t, 12, p.StockQty)
}

func TestAdjustSingleBatchAndZeroDelta(t *testing.T) {
	f := newFixture(t, true, days(10), days(20))

	entry, err := f.adjust(t, AdjustRequest{BatchID: f.ids[1], NewQty: 4, Category: domain.AdjustBreakage, Reason: "dropped"})
	require.NoError(t, err)
	require.Equal(t, -1, entry.Delta)
	require.Equal(t, 9, entry.QtyAfter)
	require.Equal(t, f.ids[1], entry.BatchID)

	confirm, err := f.adjust(t, AdjustRequest{NewQty: 9, Category: domain.AdjustPhysicalCount, Reason: "count ok"})
	require.NoError(t, err)
	require.Equal(t, 0, confirm.Delta)

	entries, err := f.ledger.Query(context.Background(), ledger.Filter{Type: domain.LedgerAdjustment})
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestAdjustValidation(t *testing.T) {
	f := newFixture(t, true, days(10))

	_, err := f.adjust(t, AdjustRequest{NewQty: 1, Category: "lost", Reason: "x"})
	require.ErrorIs(t, err, domain.ErrInvalidAdjustment)
	_, err = f.adjust(t, AdjustRequest{NewQty: 1, Category: domain.AdjustTheft, Reason: " "})
	require.ErrorIs(t, err, domain.ErrInvalidAdjustment)
	_, err = f.adjust(t, AdjustRequest{NewQty: -1, Category: domain.AdjustTheft, Reason: "x"})
	require.ErrorIs(t, err, domain.ErrInvalidAdjustment)
	_, err = f.adjust(t, AdjustRequest{BatchID: "batch-other", NewQty: 1, Category: domain.AdjustTheft, Reason: "x"})
	require.ErrorIs(t, err, domain.ErrInvalidReference)
}
