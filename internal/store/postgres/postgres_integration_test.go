package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("KASIR_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set KASIR_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestBatchAllocationRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("P-IT-%d", stamp)
	batchID := fmt.Sprintf("batch-it-%d", stamp)
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM batches WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	_, err := s.CreateProduct(ctx, domain.Product{ID: productID, Name: "Produk IT", PriceCents: 5000, Active: true})
	require.NoError(t, err)
	_, err = s.CreateProduct(ctx, domain.Product{ID: productID, Name: "Produk IT", PriceCents: 5000, Active: true})
	require.ErrorIs(t, err, store.ErrAlreadyExists)

	err = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetProductForUpdate(ctx, productID); err != nil {
			return err
		}
		if err := tx.InsertBatch(ctx, domain.Batch{
			ID: batchID, ProductID: productID, QtyReceived: 10, QtyAvailable: 10,
			UnitCostCents: 3000, Active: true, ReceivedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.InsertLedgerEntry(ctx, domain.LedgerEntry{
			ID: "led-" + batchID, ProductID: productID, BatchID: batchID, Type: domain.LedgerPurchase,
			Delta: 10, QtyBefore: 0, QtyAfter: 10, Actor: "it", CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.UpdateProductStock(ctx, productID, 10, now)
	})
	require.NoError(t, err)

	rollback := fmt.Errorf("abort")
	err = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.GetBatchForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		if err := tx.UpdateBatchQty(ctx, b.ID, 0); err != nil {
			return err
		}
		return rollback
	})
	require.ErrorIs(t, err, rollback)

	batches, err := s.ListBatches(ctx, productID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, 10, batches[0].QtyAvailable)

	entries, err := s.ListLedgerEntries(ctx, store.LedgerFilter{ProductID: productID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, batchID, entries[0].BatchID)
	require.Equal(t, 10, entries[0].QtyAfter)
}

func TestOneActiveShiftPerCashier(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	cashier := fmt.Sprintf("cashier-it-%d", stamp)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM shift_expenses WHERE shift_id IN (SELECT id FROM cash_shifts WHERE cashier_id = $1)`, cashier)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cash_shifts WHERE cashier_id = $1`, cashier)
	})

	open := func(id string) error {
		return s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.InsertShift(ctx, domain.CashShift{
				ID: id, CashierID: cashier, Status: domain.ShiftOpen,
				OpeningFloatCents: 100000, OpenedAt: time.Now().UTC(),
			})
		})
	}
	require.NoError(t, open(fmt.Sprintf("shift-it-a-%d", stamp)))
	require.ErrorIs(t, open(fmt.Sprintf("shift-it-b-%d", stamp)), domain.ErrShiftAlreadyOpen)

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sh, err := tx.GetActiveShiftForUpdate(ctx, cashier)
		if err != nil {
			return err
		}
		if err := tx.InsertExpense(ctx, domain.ExpenseEntry{
			ID: fmt.Sprintf("exp-it-%d", stamp), ShiftID: sh.ID, AmountCents: 2000,
			Description: "parkir", CreatedBy: cashier, CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		sh.ExpenseTotalCents = 2000
		if err := tx.UpdateShift(ctx, *sh); err != nil {
			return err
		}
		// A stale version must not overwrite the row.
		return tx.UpdateShift(ctx, *sh)
	})
	require.ErrorIs(t, err, store.ErrConflict)

	shifts, err := s.ListShifts(ctx, store.ShiftFilter{CashierID: cashier})
	require.NoError(t, err)
	require.Len(t, shifts, 1)
	require.Zero(t, shifts[0].ExpenseTotalCents)
	require.Empty(t, shifts[0].Expenses)
}
