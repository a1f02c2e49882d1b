package domain

import (
	"errors"
	"testing"
	"time"
)

func cashSale(tendered int64) Sale {
	return Sale{
		ID:        "sale-1",
		CashierID: "kasir-1",
		ShiftID:   "shift-1",
		Lines: []SaleLine{{
			ProductID:      "P-1",
			Qty:            3,
			UnitPriceCents: 1000,
			UnitCostCents:  700,
			SubtotalCents:  3000,
			DiscountCents:  500,
			FinalCents:     2500,
			Allocations: []LineAllocation{
				{BatchID: "b-1", Qty: 2, UnitCostCents: 600},
				{BatchID: "b-2", Qty: 1, UnitCostCents: 900},
			},
		}},
		SubtotalCents: 3000,
		DiscountCents: 500,
		TotalCents:    2500,
		PaymentMethod: PaymentCash,
		TenderedCents: &tendered,
		ChangeCents:   tendered - 2500,
		Status:        SaleCompleted,
	}
}

func TestLedgerEntryValidate(t *testing.T) {
	ok := LedgerEntry{ID: "e1", ProductID: "P-1", Type: LedgerPurchase, Delta: 5, QtyBefore: 10, QtyAfter: 15}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid entry, got %v", err)
	}

	broken := ok
	broken.QtyAfter = 16
	var inconsistent *InconsistentStockError
	if err := broken.Validate(); !errors.As(err, &inconsistent) || !errors.Is(err, ErrInconsistentStock) {
		t.Fatalf("expected InconsistentStockError, got %v", err)
	}

	negative := LedgerEntry{ID: "e2", ProductID: "P-1", Type: LedgerSale, SaleID: "s", Delta: -3, QtyBefore: 2, QtyAfter: -1}
	if err := negative.Validate(); !errors.Is(err, ErrInconsistentStock) {
		t.Fatalf("negative stock must be rejected, got %v", err)
	}

	orphan := LedgerEntry{ID: "e3", ProductID: "P-1", Type: LedgerSale, Delta: -1, QtyBefore: 2, QtyAfter: 1}
	if err := orphan.Validate(); !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("sale entry without sale id must be rejected, got %v", err)
	}

	adj := LedgerEntry{ID: "e4", ProductID: "P-1", Type: LedgerAdjustment, Delta: -1, QtyBefore: 2, QtyAfter: 1, Category: AdjustBreakage}
	if err := adj.Validate(); !errors.Is(err, ErrInvalidAdjustment) {
		t.Fatalf("adjustment without reason must be rejected, got %v", err)
	}
}

func TestSaleValidate(t *testing.T) {
	sale := cashSale(3000)
	if err := sale.Validate(); err != nil {
		t.Fatalf("expected valid sale, got %v", err)
	}

	short := cashSale(2000)
	if err := short.Validate(); !errors.Is(err, ErrInvalidPaymentAmount) {
		t.Fatalf("short tender must be rejected, got %v", err)
	}

	card := cashSale(3000)
	card.PaymentMethod = PaymentCard
	if err := card.Validate(); !errors.Is(err, ErrInvalidPaymentAmount) {
		t.Fatalf("card sale with tendered amount must be rejected, got %v", err)
	}
	card.TenderedCents = nil
	card.ChangeCents = 0
	if err := card.Validate(); err != nil {
		t.Fatalf("exact card sale should validate, got %v", err)
	}

	under := cashSale(3000)
	under.Lines[0].Allocations = under.Lines[0].Allocations[:1]
	if err := under.Validate(); !errors.Is(err, ErrInconsistentStock) {
		t.Fatalf("under-allocated line must be rejected, got %v", err)
	}
}

func TestProfit(t *testing.T) {
	sale := cashSale(2500)
	if got := SaleCOGSCents(sale); got != 2100 {
		t.Fatalf("expected COGS 2100, got %d", got)
	}
	if got := SaleProfitCents(sale); got != 900 {
		t.Fatalf("expected gross profit 900, got %d", got)
	}
	if got := SaleNetProfitCents(sale); got != 400 {
		t.Fatalf("expected net profit 400, got %d", got)
	}
	if got := WeightedUnitCostCents(sale.Lines[0].Allocations); got != 700 {
		t.Fatalf("expected weighted cost 700, got %d", got)
	}
	if got := WeightedUnitCostCents([]LineAllocation{{Qty: 1, UnitCostCents: 1}, {Qty: 1, UnitCostCents: 2}}); got != 2 {
		t.Fatalf("expected half-up rounding to 2, got %d", got)
	}
}

func TestExpectedCashAndDuration(t *testing.T) {
	opened := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	closed := opened.Add(8 * time.Hour)
	shift := CashShift{
		OpeningFloatCents: 100,
		Totals:            PaymentTotals{CashCents: 50, CardCents: 999},
		ExpenseTotalCents: 20,
		Status:            ShiftClosed,
		OpenedAt:          opened,
		ClosedAt:          &closed,
	}
	if got := ExpectedCashCents(shift); got != 130 {
		t.Fatalf("expected 130, got %d", got)
	}
	if got := ShiftDuration(shift, closed.Add(time.Hour)); got != 8*time.Hour {
		t.Fatalf("expected 8h, got %s", got)
	}
	shift.Status = ShiftOpen
	if got := ShiftDuration(shift, opened.Add(time.Hour)); got != time.Hour {
		t.Fatalf("expected 1h for open shift, got %s", got)
	}
}

func TestCashShiftValidateExpenseTotal(t *testing.T) {
	shift := CashShift{
		ID:                "shift-1",
		CashierID:         "kasir-1",
		Status:            ShiftOpen,
		ExpenseTotalCents: 30,
		Expenses:          []ExpenseEntry{{ID: "x", AmountCents: 20, Description: "ice"}},
	}
	if err := shift.Validate(); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("mismatched expense total must be rejected, got %v", err)
	}
}

func TestCashShiftValidateRejectsOverdrawnDrawer(t *testing.T) {
	shift := CashShift{
		ID:                "shift-1",
		CashierID:         "kasir-1",
		Status:            ShiftOpen,
		OpeningFloatCents: 1000,
		Totals:            PaymentTotals{CashCents: 500, QRISCents: 9000},
		ExpenseTotalCents: 2000,
		Expenses:          []ExpenseEntry{{ID: "x", AmountCents: 2000, Description: "galon"}},
	}
	if err := shift.Validate(); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative expected cash must be rejected, got %v", err)
	}
	shift.Totals.CashCents = 1000
	if err := shift.Validate(); err != nil {
		t.Fatalf("drawer at exactly zero is valid, got %v", err)
	}
}
