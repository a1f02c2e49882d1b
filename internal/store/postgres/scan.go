package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.PriceCents, &p.StockQty, &p.ReorderThreshold, &p.Perishable, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

const batchColumns = `id, product_id, lot_code, qty_received, qty_available, expires_at, unit_cost_cents, active, received_at`

func scanBatch(row rowScanner) (*domain.Batch, error) {
	var (
		b       domain.Batch
		expires sql.NullTime
	)
	err := row.Scan(&b.ID, &b.ProductID, &b.LotCode, &b.QtyReceived, &b.QtyAvailable, &expires, &b.UnitCostCents, &b.Active, &b.ReceivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	b.ExpiresAt = timePtr(expires)
	b.ReceivedAt = b.ReceivedAt.UTC()
	return &b, nil
}

func queryBatches(ctx context.Context, q querier, query string, args ...any) ([]domain.Batch, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.Batch, 0, 8)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

const ledgerColumns = `id, product_id, batch_id, type, delta, qty_before, qty_after, actor, sale_id, return_id, category, reason, created_at`

func scanLedgerEntry(row rowScanner) (domain.LedgerEntry, error) {
	var (
		e                      domain.LedgerEntry
		batchID, saleID, retID sql.NullString
		entryType, category    string
	)
	err := row.Scan(&e.ID, &e.ProductID, &batchID, &entryType, &e.Delta, &e.QtyBefore, &e.QtyAfter, &e.Actor, &saleID, &retID, &category, &e.Reason, &e.CreatedAt)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	e.BatchID = batchID.String
	e.SaleID = saleID.String
	e.ReturnID = retID.String
	e.Type = domain.LedgerType(entryType)
	e.Category = domain.AdjustmentCategory(category)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

const saleColumns = `id, number, cashier_id, shift_id, subtotal_cents, discount_cents, total_cents, payment_method, tendered_cents, change_cents, status, return_id, cancelled_at, created_at`

func scanSale(row rowScanner) (*domain.Sale, error) {
	var (
		sale        domain.Sale
		method      string
		status      string
		tendered    sql.NullInt64
		returnID    sql.NullString
		cancelledAt sql.NullTime
	)
	err := row.Scan(&sale.ID, &sale.Number, &sale.CashierID, &sale.ShiftID, &sale.SubtotalCents, &sale.DiscountCents, &sale.TotalCents,
		&method, &tendered, &sale.ChangeCents, &status, &returnID, &cancelledAt, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.PaymentMethod = domain.PaymentMethod(method)
	sale.Status = domain.SaleStatus(status)
	if tendered.Valid {
		v := tendered.Int64
		sale.TenderedCents = &v
	}
	sale.ReturnID = returnID.String
	sale.CancelledAt = timePtr(cancelledAt)
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func loadSaleLines(ctx context.Context, q querier, saleID string) ([]domain.SaleLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, qty, unit_price_cents, unit_cost_cents, subtotal_cents, discount_cents, final_cents, allocations
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY line_no ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 4)
	for rows.Next() {
		var (
			line   domain.SaleLine
			allocs []byte
		)
		if err := rows.Scan(&line.ProductID, &line.Qty, &line.UnitPriceCents, &line.UnitCostCents, &line.SubtotalCents, &line.DiscountCents, &line.FinalCents, &allocs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(allocs, &line.Allocations); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

const shiftColumns = `id, cashier_id, status, opening_float_cents, cash_cents, card_cents, qris_cents, ewallet_cents,
	expense_total_cents, expected_cash_cents, counted_cash_cents, variance_cents, variance_class, notes, reject_reason,
	opened_at, closure_requested_at, closed_at, closed_by, reopened_at, version`

func scanShift(row rowScanner) (*domain.CashShift, error) {
	var (
		sh                              domain.CashShift
		status, class                   string
		counted                         sql.NullInt64
		requestedAt, closedAt, reopened sql.NullTime
	)
	err := row.Scan(&sh.ID, &sh.CashierID, &status, &sh.OpeningFloatCents,
		&sh.Totals.CashCents, &sh.Totals.CardCents, &sh.Totals.QRISCents, &sh.Totals.EWalletCents,
		&sh.ExpenseTotalCents, &sh.ExpectedCashCents, &counted, &sh.VarianceCents, &class, &sh.Notes, &sh.RejectReason,
		&sh.OpenedAt, &requestedAt, &closedAt, &sh.ClosedBy, &reopened, &sh.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sh.Status = domain.ShiftStatus(status)
	sh.VarianceClass = domain.VarianceClass(class)
	if counted.Valid {
		v := counted.Int64
		sh.CountedCashCents = &v
	}
	sh.OpenedAt = sh.OpenedAt.UTC()
	sh.ClosureRequestedAt = timePtr(requestedAt)
	sh.ClosedAt = timePtr(closedAt)
	sh.ReopenedAt = timePtr(reopened)
	return &sh, nil
}

func loadExpenses(ctx context.Context, q querier, shiftID string) ([]domain.ExpenseEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, shift_id, amount_cents, description, created_by, created_at
		FROM shift_expenses
		WHERE shift_id = $1
		ORDER BY created_at ASC, id ASC
	`, shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expenses []domain.ExpenseEntry
	for rows.Next() {
		var e domain.ExpenseEntry
		if err := rows.Scan(&e.ID, &e.ShiftID, &e.AmountCents, &e.Description, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return expenses, nil
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}
