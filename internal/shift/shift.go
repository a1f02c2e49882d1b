// Package shift holds the cash shift state machine. Functions here are pure:
// they validate a transition against the shift's current state and apply it
// to the value in place. Persistence and locking belong to the caller.
package shift

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/xid"
)

var (
	warningThreshold  = decimal.NewFromInt(1)
	criticalThreshold = decimal.NewFromInt(5)
)

func Open(cashierID string, openingFloatCents int64, now time.Time) (domain.CashShift, error) {
	if strings.TrimSpace(cashierID) == "" {
		return domain.CashShift{}, fmt.Errorf("cashier is required: %w", domain.ErrInvalidReference)
	}
	if openingFloatCents < 0 {
		return domain.CashShift{}, fmt.Errorf("opening float %d: %w", openingFloatCents, domain.ErrInvalidAmount)
	}
	s := domain.CashShift{
		ID:                xid.New("shift"),
		CashierID:         cashierID,
		Status:            domain.ShiftOpen,
		OpeningFloatCents: openingFloatCents,
		Expenses:          []domain.ExpenseEntry{},
		OpenedAt:          now,
	}
	return s, s.Validate()
}

func PostSale(s *domain.CashShift, method domain.PaymentMethod, amountCents int64) error {
	if s.Status != domain.ShiftOpen {
		return fmt.Errorf("shift %s is %s: %w", s.ID, s.Status, domain.ErrShiftClosed)
	}
	bucket := s.Totals.Bucket(method)
	if bucket == nil {
		return fmt.Errorf("payment method %q: %w", method, domain.ErrInvalidPaymentMethod)
	}
	if amountCents < 0 {
		return fmt.Errorf("sale amount %d: %w", amountCents, domain.ErrInvalidAmount)
	}
	*bucket += amountCents
	return nil
}

// PostRefund takes a returned sale's total back out of its bucket.
func PostRefund(s *domain.CashShift, method domain.PaymentMethod, amountCents int64) error {
	switch s.Status {
	case domain.ShiftOpen:
	case domain.ShiftClosed:
		return fmt.Errorf("shift %s: %w", s.ID, domain.ErrShiftAlreadyClosed)
	default:
		return fmt.Errorf("shift %s is %s: %w", s.ID, s.Status, domain.ErrShiftClosed)
	}
	bucket := s.Totals.Bucket(method)
	if bucket == nil {
		return fmt.Errorf("payment method %q: %w", method, domain.ErrInvalidPaymentMethod)
	}
	if amountCents < 0 || *bucket < amountCents {
		return fmt.Errorf("refund %d exceeds %s bucket %d: %w", amountCents, method, *bucket, domain.ErrInvalidAmount)
	}
	if method == domain.PaymentCash {
		if drawer := domain.ExpectedCashCents(*s); drawer < amountCents {
			return fmt.Errorf("cash refund %d exceeds drawer %d: %w", amountCents, drawer, domain.ErrInvalidAmount)
		}
	}
	*bucket -= amountCents
	return nil
}

func PostExpense(s *domain.CashShift, amountCents int64, description string, actor string, now time.Time) (domain.ExpenseEntry, error) {
	if s.Status != domain.ShiftOpen {
		return domain.ExpenseEntry{}, fmt.Errorf("shift %s is %s: %w", s.ID, s.Status, domain.ErrShiftClosed)
	}
	if amountCents <= 0 {
		return domain.ExpenseEntry{}, fmt.Errorf("expense %d: %w", amountCents, domain.ErrInvalidAmount)
	}
	// Expenses are paid out of the drawer, so they can never exceed it.
	if drawer := domain.ExpectedCashCents(*s); amountCents > drawer {
		return domain.ExpenseEntry{}, fmt.Errorf("expense %d exceeds drawer %d: %w", amountCents, drawer, domain.ErrInvalidAmount)
	}
	entry := domain.ExpenseEntry{
		ID:          xid.New("exp"),
		ShiftID:     s.ID,
		AmountCents: amountCents,
		Description: strings.TrimSpace(description),
		CreatedBy:   actor,
		CreatedAt:   now,
	}
	if err := entry.Validate(); err != nil {
		return domain.ExpenseEntry{}, err
	}
	s.ExpenseTotalCents += amountCents
	s.Expenses = append(s.Expenses, entry)
	return entry, nil
}

// RequestClosure records the physical count and fixes expected cash and
// variance at this moment. With approval required the shift waits in
// pending_closure, otherwise it closes straight away.
func RequestClosure(s *domain.CashShift, countedCents int64, notes string, requireApproval bool, now time.Time) error {
	if s.Status != domain.ShiftOpen {
		return fmt.Errorf("shift %s is %s: %w", s.ID, s.Status, domain.ErrShiftClosed)
	}
	if countedCents < 0 {
		return fmt.Errorf("counted cash %d: %w", countedCents, domain.ErrInvalidAmount)
	}
	counted := countedCents
	s.CountedCashCents = &counted
	s.ExpectedCashCents = domain.ExpectedCashCents(*s)
	s.VarianceCents = counted - s.ExpectedCashCents
	s.VarianceClass = ClassifyVariance(s.ExpectedCashCents, s.VarianceCents)
	s.Notes = strings.TrimSpace(notes)
	s.RejectReason = ""
	s.ClosureRequestedAt = &now
	if requireApproval {
		s.Status = domain.ShiftPendingClosure
		return nil
	}
	s.Status = domain.ShiftClosed
	s.ClosedAt = &now
	s.ClosedBy = s.CashierID
	return nil
}

func Approve(s *domain.CashShift, adminID string, now time.Time) error {
	if s.Status != domain.ShiftPendingClosure {
		return fmt.Errorf("approve shift %s in state %s: %w", s.ID, s.Status, domain.ErrInvalidTransition)
	}
	s.Status = domain.ShiftClosed
	s.ClosedAt = &now
	s.ClosedBy = adminID
	return nil
}

// Reject sends a pending shift back to open so the cashier can recount.
func Reject(s *domain.CashShift, adminID string, reason string, now time.Time) error {
	if s.Status != domain.ShiftPendingClosure {
		return fmt.Errorf("reject shift %s in state %s: %w", s.ID, s.Status, domain.ErrInvalidTransition)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("reject shift %s: reason is required: %w", s.ID, domain.ErrInvalidTransition)
	}
	clearClosure(s)
	s.Status = domain.ShiftOpen
	s.RejectReason = fmt.Sprintf("%s (by %s at %s)", reason, adminID, now.Format(time.RFC3339))
	return nil
}

// Reopen is the administrative correction path for a mis-closed shift.
func Reopen(s *domain.CashShift, adminID string, now time.Time) error {
	if s.Status != domain.ShiftClosed {
		return fmt.Errorf("reopen shift %s in state %s: %w", s.ID, s.Status, domain.ErrInvalidTransition)
	}
	clearClosure(s)
	s.Status = domain.ShiftOpen
	s.ClosedAt = nil
	s.ClosedBy = ""
	s.ReopenedAt = &now
	s.Notes = fmt.Sprintf("reopened by %s", adminID)
	return nil
}

func clearClosure(s *domain.CashShift) {
	s.CountedCashCents = nil
	s.ExpectedCashCents = 0
	s.VarianceCents = 0
	s.VarianceClass = ""
	s.ClosureRequestedAt = nil
}

// ClassifyVariance grades |variance| as a percentage of expected cash: up to
// 1% is normal, up to 5% a warning, anything above critical. Any variance
// against an expected amount of zero is critical.
func ClassifyVariance(expectedCents, varianceCents int64) domain.VarianceClass {
	if varianceCents == 0 {
		return domain.VarianceNormal
	}
	if expectedCents <= 0 {
		return domain.VarianceCritical
	}
	pct := VariancePercent(expectedCents, varianceCents).Abs()
	switch {
	case pct.LessThanOrEqual(warningThreshold):
		return domain.VarianceNormal
	case pct.LessThanOrEqual(criticalThreshold):
		return domain.VarianceWarning
	default:
		return domain.VarianceCritical
	}
}

// VariancePercent is variance / expected * 100 rounded to two places.
func VariancePercent(expectedCents, varianceCents int64) decimal.Decimal {
	if expectedCents == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(varianceCents).
		Div(decimal.NewFromInt(expectedCents)).
		Mul(decimal.NewFromInt(100)).
		Round(2)
}
