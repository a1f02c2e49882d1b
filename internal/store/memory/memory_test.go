package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
)

func TestRollbackDiscardsStagedRows(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetProductForUpdate(ctx, "P-GULA-01"); err != nil {
			return err
		}
		if err := tx.UpdateProductStock(ctx, "P-GULA-01", 0, time.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := s.GetProduct(ctx, "P-GULA-01")
	require.NoError(t, err)
	require.Equal(t, 10, p.StockQty)
}

func TestRowLockBlocksSecondWriter(t *testing.T) {
	s := NewSeeded()
	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.GetProductForUpdate(ctx, "P-KOPI-01"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetProductForUpdate(ctx, "P-KOPI-01")
		return err
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Other rows stay available while P-KOPI-01 is held.
	err = s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetProductForUpdate(ctx, "P-SABUN-01")
		return err
	})
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
}

func TestInsertShiftOnePerCashier(t *testing.T) {
	s := New()
	ctx := context.Background()
	shift := domain.CashShift{ID: "shift-1", CashierID: "kasir-1", Status: domain.ShiftOpen, OpenedAt: time.Now()}

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertShift(ctx, shift)
	}))

	second := shift
	second.ID = "shift-2"
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertShift(ctx, second)
	})
	require.ErrorIs(t, err, domain.ErrShiftAlreadyOpen)

	other := second
	other.CashierID = "kasir-2"
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertShift(ctx, other)
	}))
}

func TestUpdateShiftVersionCheck(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertShift(ctx, domain.CashShift{ID: "shift-1", CashierID: "kasir-1", Status: domain.ShiftOpen})
	}))

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sh, err := tx.GetShiftForUpdate(ctx, "shift-1")
		if err != nil {
			return err
		}
		stale := *sh
		sh.Totals.CashCents = 500
		if err := tx.UpdateShift(ctx, *sh); err != nil {
			return err
		}
		return tx.UpdateShift(ctx, stale)
	})
	require.ErrorIs(t, err, store.ErrConflict)

	sh, err := s.GetShift(ctx, "shift-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), sh.Totals.CashCents)
	require.Equal(t, int64(0), sh.Version)
}

func TestClosedShiftFreesCashierSlot(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertShift(ctx, domain.CashShift{ID: "shift-1", CashierID: "kasir-1", Status: domain.ShiftOpen})
	}))
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sh, err := tx.GetShiftForUpdate(ctx, "shift-1")
		if err != nil {
			return err
		}
		sh.Status = domain.ShiftClosed
		return tx.UpdateShift(ctx, *sh)
	}))
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetActiveShiftForUpdate(ctx, "kasir-1")
		return err
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpensesAreChildRows(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertShift(ctx, domain.CashShift{ID: "shift-1", CashierID: "kasir-1", Status: domain.ShiftOpen})
	}))
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sh, err := tx.GetShiftForUpdate(ctx, "shift-1")
		if err != nil {
			return err
		}
		exp := domain.ExpenseEntry{ID: "exp-1", ShiftID: sh.ID, AmountCents: 2000, Description: "parkir"}
		if err := tx.InsertExpense(ctx, exp); err != nil {
			return err
		}
		sh.ExpenseTotalCents += exp.AmountCents
		return tx.UpdateShift(ctx, *sh)
	}))

	sh, err := s.GetShift(ctx, "shift-1")
	require.NoError(t, err)
	require.Len(t, sh.Expenses, 1)
	require.Equal(t, int64(2000), sh.ExpenseTotalCents)
	require.Equal(t, int64(1), sh.Version)
	require.NoError(t, sh.Validate())
}

func TestSaleReturnedOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertSale(ctx, domain.Sale{ID: "sale-1", Status: domain.SaleCompleted})
	}))
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetSaleForUpdate(ctx, "sale-1"); err != nil {
			return err
		}
		if err := tx.MarkSaleReturned(ctx, "sale-1", "ret-1", time.Now()); err != nil {
			return err
		}
		return tx.InsertReturn(ctx, domain.Return{ID: "ret-1", SaleID: "sale-1"})
	}))
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetSaleForUpdate(ctx, "sale-1"); err != nil {
			return err
		}
		return tx.MarkSaleReturned(ctx, "sale-1", "ret-2", time.Now())
	})
	require.ErrorIs(t, err, domain.ErrAlreadyReturned)

	ret, err := s.GetReturnBySale(ctx, "sale-1")
	require.NoError(t, err)
	require.Equal(t, "ret-1", ret.ID)
}

func TestListShiftsActiveOnly(t *testing.T) {
	s := New()
	ctx := context.Background()
	opened := time.Now().UTC()
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertShift(ctx, domain.CashShift{ID: "shift-1", CashierID: "kasir-1", Status: domain.ShiftClosed, OpenedAt: opened}); err != nil {
			return err
		}
		return tx.InsertShift(ctx, domain.CashShift{ID: "shift-2", CashierID: "kasir-1", Status: domain.ShiftPendingClosure, OpenedAt: opened.Add(time.Hour)})
	}))

	all, err := s.ListShifts(ctx, store.ShiftFilter{CashierID: "kasir-1"})
	require.NoError(t, err)
	require.Len(t, all, 2)

	active, err := s.ListShifts(ctx, store.ShiftFilter{CashierID: "kasir-1", ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "shift-2", active[0].ID)
}

func TestSetUserActive(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	require.NoError(t, s.SetUserActive(ctx, " Cashier ", false))
	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	for _, u := range users {
		require.Equal(t, u.Username != "cashier", u.Active, u.Username)
	}
	require.ErrorIs(t, s.SetUserActive(ctx, "ghost", false), store.ErrNotFound)
}
