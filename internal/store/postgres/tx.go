package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
)

const (
	activeShiftIndex = "cash_shifts_one_active"
	returnSaleKey    = "returns_sale_id_key"
)

type tx struct {
	tx *sql.Tx
}

func (t *tx) GetProductForUpdate(ctx context.Context, id string) (*domain.Product, error) {
	return scanProduct(t.tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id))
}

func (t *tx) UpdateProductStock(ctx context.Context, id string, qty int, at time.Time) error {
	if qty < 0 {
		return fmt.Errorf("postgres: product %s stock %d: %w", id, qty, domain.ErrInconsistentStock)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_qty = $2, updated_at = $3
		WHERE id = $1
	`, id, qty, at)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (t *tx) ListBatchesForUpdate(ctx context.Context, productID string) ([]domain.Batch, error) {
	return queryBatches(ctx, t.tx, `
		SELECT `+batchColumns+`
		FROM batches
		WHERE product_id = $1
		ORDER BY id ASC
		FOR UPDATE
	`, productID)
}

func (t *tx) GetBatchForUpdate(ctx context.Context, id string) (*domain.Batch, error) {
	var productID string
	if err := t.tx.QueryRowContext(ctx, `SELECT product_id FROM batches WHERE id = $1`, id).Scan(&productID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	// The product lock guards the batch set, so take it first.
	if _, err := t.GetProductForUpdate(ctx, productID); err != nil {
		return nil, err
	}
	return scanBatch(t.tx.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1 FOR UPDATE`, id))
}

func (t *tx) InsertBatch(ctx context.Context, batch domain.Batch) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO batches (id, product_id, lot_code, qty_received, qty_available, expires_at, unit_cost_cents, active, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, batch.ID, batch.ProductID, batch.LotCode, batch.QtyReceived, batch.QtyAvailable, nullTime(batch.ExpiresAt),
		batch.UnitCostCents, batch.Active, batch.ReceivedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (t *tx) UpdateBatchQty(ctx context.Context, id string, qty int) error {
	if qty < 0 {
		return fmt.Errorf("postgres: batch %s qty %d: %w", id, qty, domain.ErrInconsistentStock)
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE batches SET qty_available = $2 WHERE id = $1`, id, qty)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (t *tx) InsertLedgerEntry(ctx context.Context, entry domain.LedgerEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			id, product_id, batch_id, type, delta, qty_before, qty_after,
			actor, sale_id, return_id, category, reason, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, entry.ID, entry.ProductID, nullIfEmpty(entry.BatchID), string(entry.Type), entry.Delta, entry.QtyBefore, entry.QtyAfter,
		entry.Actor, nullIfEmpty(entry.SaleID), nullIfEmpty(entry.ReturnID), string(entry.Category), entry.Reason, entry.CreatedAt)
	return err
}

func (t *tx) NextSaleNumber(ctx context.Context) (int64, error) {
	var n int64
	if err := t.tx.QueryRowContext(ctx, `SELECT nextval('sale_number_seq')`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *tx) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, number, cashier_id, shift_id, subtotal_cents, discount_cents, total_cents,
			payment_method, tendered_cents, change_cents, status, return_id, cancelled_at, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, sale.ID, sale.Number, sale.CashierID, sale.ShiftID, sale.SubtotalCents, sale.DiscountCents, sale.TotalCents,
		string(sale.PaymentMethod), nullInt64(sale.TenderedCents), sale.ChangeCents, string(sale.Status),
		nullIfEmpty(sale.ReturnID), nullTime(sale.CancelledAt), sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return err
	}

	for i, line := range sale.Lines {
		allocs, err := json.Marshal(line.Allocations)
		if err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_lines (
				sale_id, line_no, product_id, qty, unit_price_cents, unit_cost_cents,
				subtotal_cents, discount_cents, final_cents, allocations
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, sale.ID, i+1, line.ProductID, line.Qty, line.UnitPriceCents, line.UnitCostCents,
			line.SubtotalCents, line.DiscountCents, line.FinalCents, allocs); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) GetSaleForUpdate(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := scanSale(t.tx.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if sale.Lines, err = loadSaleLines(ctx, t.tx, id); err != nil {
		return nil, err
	}
	return sale, nil
}

func (t *tx) MarkSaleReturned(ctx context.Context, saleID string, returnID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, return_id = $3, cancelled_at = $4
		WHERE id = $1 AND return_id IS NULL
	`, saleID, string(domain.SaleCancelled), returnID, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrAlreadyReturned
	}
	return nil
}

func (t *tx) InsertReturn(ctx context.Context, ret domain.Return) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO returns (id, sale_id, approved_by, cashier_id, shift_id, reason, refund_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, ret.ID, ret.SaleID, ret.ApprovedBy, ret.CashierID, ret.ShiftID, ret.Reason, ret.RefundCents, ret.CreatedAt)
	if err != nil {
		if violatedConstraint(err) == returnSaleKey {
			return domain.ErrAlreadyReturned
		}
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// GetActiveShiftForUpdate serializes on the cashier with a transaction-scoped
// advisory lock, which also covers the case where no shift row exists yet.
func (t *tx) GetActiveShiftForUpdate(ctx context.Context, cashierID string) (*domain.CashShift, error) {
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('cashier:' || $1))`, cashierID); err != nil {
		return nil, err
	}
	sh, err := scanShift(t.tx.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM cash_shifts
		WHERE cashier_id = $1 AND status IN ('open', 'pending_closure')
		FOR UPDATE
	`, cashierID))
	if err != nil {
		return nil, err
	}
	if sh.Expenses, err = loadExpenses(ctx, t.tx, sh.ID); err != nil {
		return nil, err
	}
	return sh, nil
}

func (t *tx) GetShiftForUpdate(ctx context.Context, id string) (*domain.CashShift, error) {
	sh, err := scanShift(t.tx.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM cash_shifts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if sh.Expenses, err = loadExpenses(ctx, t.tx, id); err != nil {
		return nil, err
	}
	return sh, nil
}

func (t *tx) InsertShift(ctx context.Context, shift domain.CashShift) error {
	if _, err := t.GetActiveShiftForUpdate(ctx, shift.CashierID); err == nil {
		return domain.ErrShiftAlreadyOpen
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cash_shifts (
			id, cashier_id, status, opening_float_cents, cash_cents, card_cents, qris_cents, ewallet_cents,
			expense_total_cents, expected_cash_cents, counted_cash_cents, variance_cents, variance_class,
			notes, reject_reason, opened_at, closure_requested_at, closed_at, closed_by, reopened_at, version
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, shift.ID, shift.CashierID, string(shift.Status), shift.OpeningFloatCents,
		shift.Totals.CashCents, shift.Totals.CardCents, shift.Totals.QRISCents, shift.Totals.EWalletCents,
		shift.ExpenseTotalCents, shift.ExpectedCashCents, nullInt64(shift.CountedCashCents), shift.VarianceCents, string(shift.VarianceClass),
		shift.Notes, shift.RejectReason, shift.OpenedAt, nullTime(shift.ClosureRequestedAt), nullTime(shift.ClosedAt), shift.ClosedBy,
		nullTime(shift.ReopenedAt), shift.Version)
	if err != nil {
		if violatedConstraint(err) == activeShiftIndex {
			return domain.ErrShiftAlreadyOpen
		}
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (t *tx) UpdateShift(ctx context.Context, shift domain.CashShift) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE cash_shifts
		SET status = $3,
			cash_cents = $4, card_cents = $5, qris_cents = $6, ewallet_cents = $7,
			expense_total_cents = $8, expected_cash_cents = $9, counted_cash_cents = $10,
			variance_cents = $11, variance_class = $12, notes = $13, reject_reason = $14,
			closure_requested_at = $15, closed_at = $16, closed_by = $17, reopened_at = $18,
			version = version + 1
		WHERE id = $1 AND version = $2
	`, shift.ID, shift.Version, string(shift.Status),
		shift.Totals.CashCents, shift.Totals.CardCents, shift.Totals.QRISCents, shift.Totals.EWalletCents,
		shift.ExpenseTotalCents, shift.ExpectedCashCents, nullInt64(shift.CountedCashCents),
		shift.VarianceCents, string(shift.VarianceClass), shift.Notes, shift.RejectReason,
		nullTime(shift.ClosureRequestedAt), nullTime(shift.ClosedAt), shift.ClosedBy, nullTime(shift.ReopenedAt))
	if err != nil {
		if violatedConstraint(err) == activeShiftIndex {
			return domain.ErrShiftAlreadyOpen
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrConflict
	}
	return nil
}

func (t *tx) InsertExpense(ctx context.Context, expense domain.ExpenseEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO shift_expenses (id, shift_id, amount_cents, description, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, expense.ID, expense.ShiftID, expense.AmountCents, expense.Description, expense.CreatedBy, expense.CreatedAt)
	return err
}

func expectOne(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
