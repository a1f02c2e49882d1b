package store

import (
	"context"
	"errors"
	"time"

	"kasirledger/backend/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict is returned when an optimistic version check fails.
	ErrConflict      = errors.New("concurrent update conflict")
)

type LedgerFilter struct {
	ProductID string
	BatchID   string
	Type      domain.LedgerType
	SaleID    string
	From      time.Time
	To        time.Time
	Limit     int
}

type ShiftFilter struct {
	CashierID  string
	From       time.Time
	To         time.Time
	ActiveOnly bool // open or pending closure only
	Limit      int
}

type AuditFilter struct {
	From  time.Time
	To    time.Time
	Limit int
}

// Tx is one atomic unit of work. Rows read through a ForUpdate method stay
// locked until the unit commits or rolls back. Callers lock in this order:
// cashier slot, shift, products sorted by id, then batches of those products.
type Tx interface {
	GetProductForUpdate(ctx context.Context, id string) (*domain.Product, error)
	UpdateProductStock(ctx context.Context, id string, qty int, at time.Time) error

	// ListBatchesForUpdate returns every batch of the product, in any state,
	// ordered by id. The product row must already be locked.
	ListBatchesForUpdate(ctx context.Context, productID string) ([]domain.Batch, error)
	GetBatchForUpdate(ctx context.Context, id string) (*domain.Batch, error)
	InsertBatch(ctx context.Context, batch domain.Batch) error
	UpdateBatchQty(ctx context.Context, id string, qty int) error

	InsertLedgerEntry(ctx context.Context, entry domain.LedgerEntry) error

	NextSaleNumber(ctx context.Context) (int64, error)
	InsertSale(ctx context.Context, sale domain.Sale) error
	GetSaleForUpdate(ctx context.Context, id string) (*domain.Sale, error)
	MarkSaleReturned(ctx context.Context, saleID string, returnID string, at time.Time) error
	InsertReturn(ctx context.Context, ret domain.Return) error

	// GetActiveShiftForUpdate locks the cashier's shift slot and returns the
	// shift that is open or pending closure, or ErrNotFound.
	GetActiveShiftForUpdate(ctx context.Context, cashierID string) (*domain.CashShift, error)
	GetShiftForUpdate(ctx context.Context, id string) (*domain.CashShift, error)
	// InsertShift fails with domain.ErrShiftAlreadyOpen when the cashier
	// already holds an active shift.
	InsertShift(ctx context.Context, shift domain.CashShift) error
	// UpdateShift writes totals and lifecycle fields when shift.Version matches
	// the stored version, and bumps it. Expenses are written with InsertExpense.
	UpdateShift(ctx context.Context, shift domain.CashShift) error
	InsertExpense(ctx context.Context, expense domain.ExpenseEntry) error
}

type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	ListLowStock(ctx context.Context) ([]domain.Product, error)
	ListBatches(ctx context.Context, productID string) ([]domain.Batch, error)

	ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]domain.LedgerEntry, error)

	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	GetReturnBySale(ctx context.Context, saleID string) (*domain.Return, error)

	GetShift(ctx context.Context, id string) (*domain.CashShift, error)
	ListShifts(ctx context.Context, filter ShiftFilter) ([]domain.CashShift, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, filter AuditFilter) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
	SetUserActive(ctx context.Context, username string, active bool) error
}
