package domain

import "time"

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

type Product struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	PriceCents       int64     `json:"price_cents"`
	StockQty         int       `json:"stock_qty"`
	ReorderThreshold int       `json:"reorder_threshold"`
	Perishable       bool      `json:"perishable"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Batch is a dated quantity of one product sharing a single expiry date and
// unit cost. Batches are exhausted, never deleted.
type Batch struct {
	ID            string     `json:"id"`
	ProductID     string     `json:"product_id"`
	LotCode       string     `json:"lot_code"`
	QtyReceived   int        `json:"qty_received"`
	QtyAvailable  int        `json:"qty_available"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	UnitCostCents int64      `json:"unit_cost_cents"`
	Active        bool       `json:"active"`
	ReceivedAt    time.Time  `json:"received_at"`
}

type LedgerType string

const (
	LedgerSale        LedgerType = "sale"
	LedgerPurchase    LedgerType = "purchase"
	LedgerAdjustment  LedgerType = "adjustment"
	LedgerReturn      LedgerType = "return"
	LedgerInitialLoad LedgerType = "initial_load"
)

func (t LedgerType) Valid() bool {
	switch t {
	case LedgerSale, LedgerPurchase, LedgerAdjustment, LedgerReturn, LedgerInitialLoad:
		return true
	}
	return false
}

// LedgerEntry records one stock quantity change. QtyBefore and QtyAfter are the
// product's on-hand quantity around the change.
type LedgerEntry struct {
	ID        string             `json:"id"`
	ProductID string             `json:"product_id"`
	BatchID   string             `json:"batch_id,omitempty"`
	Type      LedgerType         `json:"type"`
	Delta     int                `json:"delta"`
	QtyBefore int                `json:"qty_before"`
	QtyAfter  int                `json:"qty_after"`
	Actor     string             `json:"actor"`
	SaleID    string             `json:"sale_id,omitempty"`
	ReturnID  string             `json:"return_id,omitempty"`
	Category  AdjustmentCategory `json:"category,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

type AdjustmentCategory string

const (
	AdjustShrinkage     AdjustmentCategory = "shrinkage"
	AdjustBreakage      AdjustmentCategory = "breakage"
	AdjustTheft         AdjustmentCategory = "theft"
	AdjustCountError    AdjustmentCategory = "count_error"
	AdjustPhysicalCount AdjustmentCategory = "physical_count"
)

func (c AdjustmentCategory) Valid() bool {
	switch c {
	case AdjustShrinkage, AdjustBreakage, AdjustTheft, AdjustCountError, AdjustPhysicalCount:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentCash    PaymentMethod = "cash"
	PaymentCard    PaymentMethod = "card"
	PaymentQRIS    PaymentMethod = "qris"
	PaymentEWallet PaymentMethod = "ewallet"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentQRIS, PaymentEWallet:
		return true
	}
	return false
}

// Exact reports whether the method settles the exact total with no tendered
// amount and no change.
func (m PaymentMethod) Exact() bool {
	return m.Valid() && m != PaymentCash
}

type SaleStatus string

const (
	SaleCompleted SaleStatus = "completed"
	SaleCancelled SaleStatus = "cancelled"
)

type LineAllocation struct {
	BatchID       string `json:"batch_id"`
	Qty           int    `json:"qty"`
	UnitCostCents int64  `json:"unit_cost_cents"`
}

type SaleLine struct {
	ProductID      string           `json:"product_id"`
	Qty            int              `json:"qty"`
	UnitPriceCents int64            `json:"unit_price_cents"`
	UnitCostCents  int64            `json:"unit_cost_cents"`
	SubtotalCents  int64            `json:"subtotal_cents"`
	DiscountCents  int64            `json:"discount_cents"`
	FinalCents     int64            `json:"final_cents"`
	Allocations    []LineAllocation `json:"allocations"`
}

type Sale struct {
	ID            string        `json:"id"`
	Number        string        `json:"number"`
	CashierID     string        `json:"cashier_id"`
	ShiftID       string        `json:"shift_id"`
	Lines         []SaleLine    `json:"lines"`
	SubtotalCents int64         `json:"subtotal_cents"`
	DiscountCents int64         `json:"discount_cents"`
	TotalCents    int64         `json:"total_cents"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	TenderedCents *int64        `json:"tendered_cents"`
	ChangeCents   int64         `json:"change_cents"`
	Status        SaleStatus    `json:"status"`
	ReturnID      string        `json:"return_id,omitempty"`
	CancelledAt   *time.Time    `json:"cancelled_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

type Return struct {
	ID          string    `json:"id"`
	SaleID      string    `json:"sale_id"`
	ApprovedBy  string    `json:"approved_by"`
	CashierID   string    `json:"cashier_id"`
	ShiftID     string    `json:"shift_id"`
	Reason      string    `json:"reason"`
	RefundCents int64     `json:"refund_cents"`
	CreatedAt   time.Time `json:"created_at"`
}

type ShiftStatus string

const (
	ShiftOpen           ShiftStatus = "open"
	ShiftPendingClosure ShiftStatus = "pending_closure"
	ShiftClosed         ShiftStatus = "closed"
)

// PaymentTotals holds one running bucket per payment method.
type PaymentTotals struct {
	CashCents    int64 `json:"cash_cents"`
	CardCents    int64 `json:"card_cents"`
	QRISCents    int64 `json:"qris_cents"`
	EWalletCents int64 `json:"ewallet_cents"`
}

func (t *PaymentTotals) Bucket(method PaymentMethod) *int64 {
	switch method {
	case PaymentCash:
		return &t.CashCents
	case PaymentCard:
		return &t.CardCents
	case PaymentQRIS:
		return &t.QRISCents
	case PaymentEWallet:
		return &t.EWalletCents
	}
	return nil
}

func (t PaymentTotals) Sum() int64 {
	return t.CashCents + t.CardCents + t.QRISCents + t.EWalletCents
}

type VarianceClass string

const (
	VarianceNormal   VarianceClass = "normal"
	VarianceWarning  VarianceClass = "warning"
	VarianceCritical VarianceClass = "critical"
)

type ExpenseEntry struct {
	ID          string    `json:"id"`
	ShiftID     string    `json:"shift_id"`
	AmountCents int64     `json:"amount_cents"`
	Description string    `json:"description"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

type CashShift struct {
	ID                 string         `json:"id"`
	CashierID          string         `json:"cashier_id"`
	Status             ShiftStatus    `json:"status"`
	OpeningFloatCents  int64          `json:"opening_float_cents"`
	Totals             PaymentTotals  `json:"totals"`
	ExpenseTotalCents  int64          `json:"expense_total_cents"`
	Expenses           []ExpenseEntry `json:"expenses"`
	ExpectedCashCents  int64          `json:"expected_cash_cents"`
	CountedCashCents   *int64         `json:"counted_cash_cents"`
	VarianceCents      int64          `json:"variance_cents"`
	VarianceClass      VarianceClass  `json:"variance_class,omitempty"`
	Notes              string         `json:"notes,omitempty"`
	RejectReason       string         `json:"reject_reason,omitempty"`
	OpenedAt           time.Time      `json:"opened_at"`
	ClosureRequestedAt *time.Time     `json:"closure_requested_at,omitempty"`
	ClosedAt           *time.Time     `json:"closed_at,omitempty"`
	ClosedBy           string         `json:"closed_by,omitempty"`
	ReopenedAt         *time.Time     `json:"reopened_at,omitempty"`
	Version            int64          `json:"version"`
}

// Active reports whether the shift still occupies its cashier's single slot.
func (s CashShift) Active() bool {
	return s.Status == ShiftOpen || s.Status == ShiftPendingClosure
}

type AuditLog struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	ActorRole  string    `json:"actor_role"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken   string `json:"access_token"`
	Role          string `json:"role"`
	ExpiresAt     string `json:"expires_at"`
	// ActiveShiftID is the cashier's open or pending shift, if any.
	ActiveShiftID string `json:"active_shift_id,omitempty"`
}

// StockLevel is the on-hand view of one product.
type StockLevel struct {
	Product      Product `json:"product"`
	OnHand       int     `json:"on_hand"`
	Sellable     int     `json:"sellable"`
	Batches      []Batch `json:"batches"`
	LedgerIntact bool    `json:"ledger_intact"`
}

type CashierCreateRequest struct {
	Username string `json:"username" validate:"required,min=4"`
	Password string `json:"password" validate:"required,min=6"`
}

type CashierStatusRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
