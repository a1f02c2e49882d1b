package domain

import (
	"fmt"
	"strings"
)

// Validate methods are called by the service right before a state change is
// written. They never mutate the receiver.

func (p Product) Validate() error {
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("product: id and name are required: %w", ErrInvalidReference)
	}
	if p.PriceCents < 0 || p.ReorderThreshold < 0 {
		return fmt.Errorf("product %s: %w", p.ID, ErrInvalidAmount)
	}
	if p.StockQty < 0 {
		return fmt.Errorf("product %s stock %d: %w", p.ID, p.StockQty, ErrInconsistentStock)
	}
	return nil
}

func (b Batch) Validate() error {
	if b.ID == "" || b.ProductID == "" {
		return fmt.Errorf("batch: id and product are required: %w", ErrInvalidReference)
	}
	if b.QtyAvailable < 0 || b.QtyReceived < 0 {
		return fmt.Errorf("batch %s qty %d: %w", b.ID, b.QtyAvailable, ErrInconsistentStock)
	}
	if b.UnitCostCents < 0 {
		return fmt.Errorf("batch %s cost: %w", b.ID, ErrInvalidAmount)
	}
	return nil
}

func (e LedgerEntry) Validate() error {
	if e.ProductID == "" || !e.Type.Valid() {
		return fmt.Errorf("ledger entry %s: product and type are required: %w", e.ID, ErrInvalidReference)
	}
	if e.QtyAfter != e.QtyBefore+e.Delta {
		return &InconsistentStockError{EntryID: e.ID, Before: e.QtyBefore, Delta: e.Delta, After: e.QtyAfter}
	}
	if e.QtyBefore < 0 || e.QtyAfter < 0 {
		return &InconsistentStockError{EntryID: e.ID, Before: e.QtyBefore, Delta: e.Delta, After: e.QtyAfter}
	}
	switch e.Type {
	case LedgerSale, LedgerReturn:
		if e.SaleID == "" {
			return fmt.Errorf("%s entry %s without sale reference: %w", e.Type, e.ID, ErrInvalidReference)
		}
	case LedgerAdjustment:
		if !e.Category.Valid() || strings.TrimSpace(e.Reason) == "" {
			return fmt.Errorf("adjustment entry %s: %w", e.ID, ErrInvalidAdjustment)
		}
	}
	return nil
}

func (l SaleLine) Validate() error {
	if l.ProductID == "" {
		return fmt.Errorf("sale line: %w", ErrInvalidReference)
	}
	if l.Qty < 1 || l.UnitPriceCents < 0 || l.DiscountCents < 0 || l.UnitCostCents < 0 {
		return fmt.Errorf("sale line %s: %w", l.ProductID, ErrInvalidAmount)
	}
	if l.SubtotalCents != int64(l.Qty)*l.UnitPriceCents {
		return fmt.Errorf("sale line %s subtotal: %w", l.ProductID, ErrInvalidAmount)
	}
	if l.DiscountCents > l.SubtotalCents || l.FinalCents != l.SubtotalCents-l.DiscountCents {
		return fmt.Errorf("sale line %s discount: %w", l.ProductID, ErrInvalidAmount)
	}
	allocated := 0
	for _, a := range l.Allocations {
		if a.BatchID == "" || a.Qty < 1 {
			return fmt.Errorf("sale line %s allocation: %w", l.ProductID, ErrInvalidReference)
		}
		allocated += a.Qty
	}
	if allocated != l.Qty {
		return fmt.Errorf("sale line %s allocated %d of %d: %w", l.ProductID, allocated, l.Qty, ErrInconsistentStock)
	}
	return nil
}

func (s Sale) Validate() error {
	if s.ID == "" || s.CashierID == "" || s.ShiftID == "" {
		return fmt.Errorf("sale: %w", ErrInvalidReference)
	}
	if len(s.Lines) == 0 {
		return fmt.Errorf("sale %s has no lines: %w", s.ID, ErrInvalidAmount)
	}
	var subtotal, discount int64
	for _, line := range s.Lines {
		if err := line.Validate(); err != nil {
			return err
		}
		subtotal += line.SubtotalCents
		discount += line.DiscountCents
	}
	if s.SubtotalCents != subtotal || s.DiscountCents != discount || s.TotalCents != subtotal-discount {
		return fmt.Errorf("sale %s totals: %w", s.ID, ErrInvalidAmount)
	}
	if !s.PaymentMethod.Valid() {
		return fmt.Errorf("sale %s: %w", s.ID, ErrInvalidPaymentMethod)
	}
	if s.PaymentMethod == PaymentCash {
		if s.TenderedCents == nil || *s.TenderedCents < s.TotalCents {
			return fmt.Errorf("sale %s: %w", s.ID, ErrInvalidPaymentAmount)
		}
		if s.ChangeCents != *s.TenderedCents-s.TotalCents {
			return fmt.Errorf("sale %s change: %w", s.ID, ErrInvalidPaymentAmount)
		}
	} else if s.TenderedCents != nil || s.ChangeCents != 0 {
		return fmt.Errorf("sale %s: exact payment with tendered amount: %w", s.ID, ErrInvalidPaymentAmount)
	}
	if s.Status != SaleCompleted && s.Status != SaleCancelled {
		return fmt.Errorf("sale %s status %q: %w", s.ID, s.Status, ErrInvalidReference)
	}
	return nil
}

func (r Return) Validate() error {
	if r.ID == "" || r.SaleID == "" || r.ApprovedBy == "" {
		return fmt.Errorf("return: %w", ErrInvalidReference)
	}
	if strings.TrimSpace(r.Reason) == "" {
		return fmt.Errorf("return %s: reason is required: %w", r.ID, ErrInvalidReference)
	}
	if r.RefundCents < 0 {
		return fmt.Errorf("return %s: %w", r.ID, ErrInvalidAmount)
	}
	return nil
}

func (e ExpenseEntry) Validate() error {
	if e.AmountCents <= 0 {
		return fmt.Errorf("expense: %w", ErrInvalidAmount)
	}
	if strings.TrimSpace(e.Description) == "" {
		return fmt.Errorf("expense: description is required: %w", ErrInvalidAmount)
	}
	return nil
}

func (s CashShift) Validate() error {
	if s.ID == "" || s.CashierID == "" {
		return fmt.Errorf("shift: %w", ErrInvalidReference)
	}
	switch s.Status {
	case ShiftOpen, ShiftPendingClosure, ShiftClosed:
	default:
		return fmt.Errorf("shift %s status %q: %w", s.ID, s.Status, ErrInvalidTransition)
	}
	t := s.Totals
	if s.OpeningFloatCents < 0 || t.CashCents < 0 || t.CardCents < 0 || t.QRISCents < 0 || t.EWalletCents < 0 {
		return fmt.Errorf("shift %s totals: %w", s.ID, ErrInvalidAmount)
	}
	var expenses int64
	for _, e := range s.Expenses {
		if err := e.Validate(); err != nil {
			return err
		}
		expenses += e.AmountCents
	}
	if s.ExpenseTotalCents != expenses {
		return fmt.Errorf("shift %s expense total: %w", s.ID, ErrInvalidAmount)
	}
	if expected := ExpectedCashCents(s); expected < 0 {
		return fmt.Errorf("shift %s expected cash %d: %w", s.ID, expected, ErrInvalidAmount)
	}
	if s.CountedCashCents != nil && *s.CountedCashCents < 0 {
		return fmt.Errorf("shift %s counted cash: %w", s.ID, ErrInvalidAmount)
	}
	return nil
}
