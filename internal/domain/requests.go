package domain

import "time"

type SaleLineRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Qty       int    `json:"qty" validate:"gte=1"`
	// UnitPriceCents of zero sells at the catalog price.
	UnitPriceCents int64 `json:"unit_price_cents" validate:"gte=0"`
	DiscountCents  int64 `json:"discount_cents" validate:"gte=0"`
}

type SaleRequest struct {
	CashierID     string            `json:"cashier_id"`
	Lines         []SaleLineRequest `json:"lines" validate:"required,min=1,dive"`
	PaymentMethod PaymentMethod     `json:"payment_method" validate:"required"`
	TenderedCents *int64            `json:"tendered_cents,omitempty"`
}

type ReturnRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type AdjustmentRequest struct {
	ProductID string             `json:"product_id" validate:"required"`
	BatchID   string             `json:"batch_id,omitempty"`
	NewQty    int                `json:"new_qty" validate:"gte=0"`
	Category  AdjustmentCategory `json:"category" validate:"required"`
	Reason    string             `json:"reason" validate:"required"`
	Actor     string             `json:"-"`
}

type ReceiveBatchRequest struct {
	ProductID     string     `json:"product_id" validate:"required"`
	LotCode       string     `json:"lot_code"`
	Qty           int        `json:"qty" validate:"gte=1"`
	UnitCostCents int64      `json:"unit_cost_cents" validate:"gte=0"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	InitialLoad   bool       `json:"initial_load"`
	Actor         string     `json:"-"`
}

type ProductCreateRequest struct {
	ID               string `json:"id" validate:"required"`
	Name             string `json:"name" validate:"required"`
	PriceCents       int64  `json:"price_cents" validate:"gte=0"`
	ReorderThreshold int    `json:"reorder_threshold" validate:"gte=0"`
	Perishable       bool   `json:"perishable"`
}

type ShiftOpenRequest struct {
	CashierID         string `json:"cashier_id"`
	OpeningFloatCents int64  `json:"opening_float_cents" validate:"gte=0"`
}

type ShiftClosureRequest struct {
	CountedCashCents int64  `json:"counted_cash_cents" validate:"gte=0"`
	Notes            string `json:"notes"`
}

type ShiftRejectRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type ExpenseRequest struct {
	AmountCents int64  `json:"amount_cents" validate:"gt=0"`
	Description string `json:"description" validate:"required"`
}

// SaleProfit is the derived profit view of one sale.
type SaleProfit struct {
	SaleID       string `json:"sale_id"`
	RevenueCents int64  `json:"revenue_cents"`
	COGSCents    int64  `json:"cogs_cents"`
	GrossCents   int64  `json:"gross_profit_cents"`
	NetCents     int64  `json:"net_profit_cents"`
}
