package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/events"
	"kasirledger/backend/internal/shift"
	"kasirledger/backend/internal/store"
)

func (s *Service) OpenShift(ctx context.Context, cashierID string, openingFloatCents int64) (*domain.CashShift, error) {
	cashierID = strings.TrimSpace(cashierID)
	if cashierID == "" {
		cashierID = s.actor(ctx).Username
	}
	sh, err := shift.Open(cashierID, openingFloatCents, s.clock.Now())
	if err != nil {
		return nil, err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if active, err := tx.GetActiveShiftForUpdate(ctx, cashierID); err == nil {
			return fmt.Errorf("cashier %s holds shift %s: %w", cashierID, active.ID, domain.ErrShiftAlreadyOpen)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return tx.InsertShift(ctx, sh)
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "shift_open", "shift", sh.ID, fmt.Sprintf("cashier=%s,float=%d", sh.CashierID, sh.OpeningFloatCents))
	s.metrics.ShiftTransition(string(sh.Status))
	return &sh, nil
}

// RequestShiftClosure records the cashier's count. The shift closes at once
// unless admin approval is configured.
func (s *Service) RequestShiftClosure(ctx context.Context, shiftID string, countedCents int64, notes string) (*domain.CashShift, error) {
	now := s.clock.Now()
	sh, err := s.mutateShift(ctx, shiftID, func(sh *domain.CashShift) error {
		return shift.RequestClosure(sh, countedCents, notes, s.requireApproval, now)
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "shift_closure_request", "shift", sh.ID, fmt.Sprintf("counted=%d,expected=%d,variance=%d,class=%s,duration=%s", *sh.CountedCashCents, sh.ExpectedCashCents, sh.VarianceCents, sh.VarianceClass, domain.ShiftDuration(*sh, now)))
	s.afterShiftTransition(ctx, sh)
	return sh, nil
}

func (s *Service) ApproveShiftClosure(ctx context.Context, shiftID string, adminID string) (*domain.CashShift, error) {
	now := s.clock.Now()
	sh, err := s.mutateShift(ctx, shiftID, func(sh *domain.CashShift) error {
		return shift.Approve(sh, adminID, now)
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "shift_closure_approve", "shift", sh.ID, fmt.Sprintf("approved_by=%s,variance=%d,duration=%s", adminID, sh.VarianceCents, domain.ShiftDuration(*sh, now)))
	s.afterShiftTransition(ctx, sh)
	return sh, nil
}

func (s *Service) RejectShiftClosure(ctx context.Context, shiftID string, adminID string, reason string) (*domain.CashShift, error) {
	now := s.clock.Now()
	sh, err := s.mutateShift(ctx, shiftID, func(sh *domain.CashShift) error {
		return shift.Reject(sh, adminID, reason, now)
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "shift_closure_reject", "shift", sh.ID, fmt.Sprintf("rejected_by=%s,reason=%s", adminID, strings.TrimSpace(reason)))
	s.afterShiftTransition(ctx, sh)
	return sh, nil
}

// ReopenShift puts a closed shift back to open. The cashier's slot is locked
// first so a reopened shift can never sit next to another active one.
func (s *Service) ReopenShift(ctx context.Context, shiftID string, adminID string) (*domain.CashShift, error) {
	current, err := s.repo.GetShift(ctx, shiftID)
	if err != nil {
		return nil, fmt.Errorf("shift %s: %w", shiftID, err)
	}
	now := s.clock.Now()

	var sh domain.CashShift
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		active, err := tx.GetActiveShiftForUpdate(ctx, current.CashierID)
		switch {
		case err == nil && active.ID != shiftID:
			return fmt.Errorf("cashier %s holds shift %s: %w", current.CashierID, active.ID, domain.ErrShiftAlreadyOpen)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return err
		}
		locked, err := tx.GetShiftForUpdate(ctx, shiftID)
		if err != nil {
			return err
		}
		if err := shift.Reopen(locked, adminID, now); err != nil {
			return err
		}
		if err := tx.UpdateShift(ctx, *locked); err != nil {
			return err
		}
		sh = *locked
		sh.Version++
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "shift_reopen", "shift", sh.ID, "reopened_by="+adminID)
	s.metrics.ShiftTransition(string(sh.Status))
	s.publish(ctx, events.TypeShiftReopened, sh.ID, sh)
	return &sh, nil
}

func (s *Service) PostExpense(ctx context.Context, shiftID string, amountCents int64, description string, actorID string) (*domain.ExpenseEntry, error) {
	if strings.TrimSpace(actorID) == "" {
		actorID = s.actor(ctx).Username
	}
	now := s.clock.Now()

	var entry domain.ExpenseEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sh, err := tx.GetShiftForUpdate(ctx, shiftID)
		if err != nil {
			return fmt.Errorf("shift %s: %w", shiftID, err)
		}
		entry, err = shift.PostExpense(sh, amountCents, description, actorID, now)
		if err != nil {
			return err
		}
		if err := sh.Validate(); err != nil {
			return err
		}
		if err := tx.InsertExpense(ctx, entry); err != nil {
			return err
		}
		return tx.UpdateShift(ctx, *sh)
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "shift_expense", "shift", shiftID, fmt.Sprintf("expense=%s,amount=%d,description=%s", entry.ID, entry.AmountCents, entry.Description))
	return &entry, nil
}

// mutateShift loads, transitions, validates and saves one shift in a unit of
// work. The returned copy carries the bumped version.
func (s *Service) mutateShift(ctx context.Context, shiftID string, transition func(*domain.CashShift) error) (*domain.CashShift, error) {
	var out domain.CashShift
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sh, err := tx.GetShiftForUpdate(ctx, shiftID)
		if err != nil {
			return fmt.Errorf("shift %s: %w", shiftID, err)
		}
		if err := transition(sh); err != nil {
			return err
		}
		if err := sh.Validate(); err != nil {
			return err
		}
		if err := tx.UpdateShift(ctx, *sh); err != nil {
			return err
		}
		out = *sh
		out.Version++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) afterShiftTransition(ctx context.Context, sh *domain.CashShift) {
	s.metrics.ShiftTransition(string(sh.Status))
	if sh.Status == domain.ShiftPendingClosure || sh.Status == domain.ShiftClosed {
		if sh.VarianceClass == domain.VarianceCritical {
			s.log.WithFields(logrus.Fields{
				"shift":    sh.ID,
				"cashier":  sh.CashierID,
				"variance": sh.VarianceCents,
			}).Warn("critical cash variance")
		}
	}
	if sh.Status == domain.ShiftClosed {
		s.publish(ctx, events.TypeShiftClosed, sh.ID, sh)
	}
}

// ActiveShift returns the cashier's open or pending shift, or
// store.ErrNotFound.
func (s *Service) ActiveShift(ctx context.Context, cashierID string) (*domain.CashShift, error) {
	shifts, err := s.repo.ListShifts(ctx, store.ShiftFilter{CashierID: cashierID, ActiveOnly: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(shifts) == 0 {
		return nil, fmt.Errorf("active shift for %s: %w", cashierID, store.ErrNotFound)
	}
	return &shifts[0], nil
}

// WhileOffShift runs fn holding the cashier's shift slot, so no shift can be
// opened for the cashier until fn returns. It fails with ErrCashierOnShift
// when the cashier already holds one.
func (s *Service) WhileOffShift(ctx context.Context, cashierID string, fn func(ctx context.Context) error) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sh, err := tx.GetActiveShiftForUpdate(ctx, cashierID)
		switch {
		case err == nil:
			return fmt.Errorf("cashier %s holds shift %s: %w", cashierID, sh.ID, domain.ErrCashierOnShift)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		return fn(ctx)
	})
}

func (s *Service) GetShift(ctx context.Context, shiftID string) (*domain.CashShift, error) {
	return s.repo.GetShift(ctx, shiftID)
}

// ShiftHistory lists a cashier's shifts opened in [from, to), newest first.
func (s *Service) ShiftHistory(ctx context.Context, cashierID string, from, to time.Time) ([]domain.CashShift, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, fmt.Errorf("range ends before it starts: %w", domain.ErrInvalidReference)
	}
	return s.repo.ListShifts(ctx, store.ShiftFilter{CashierID: cashierID, From: from, To: to})
}
