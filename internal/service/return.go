package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/events"
	"kasirledger/backend/internal/inventory"
	"kasirledger/backend/internal/shift"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/xid"
)

// PostReturn reverses a whole sale: every allocation goes back to the batch
// it came from, the sale's shift is debited and the sale is cancelled.
// approvedBy is the admin (or manager override) that authorised it.
func (s *Service) PostReturn(ctx context.Context, saleID string, approvedBy string, reason string) (*domain.Return, error) {
	start := time.Now()
	defer s.metrics.ObserveOp("return", start)

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("return reason is required: %w", domain.ErrInvalidReference)
	}
	if strings.TrimSpace(approvedBy) == "" {
		approvedBy = s.actor(ctx).Username
	}

	now := s.clock.Now()
	var (
		ret      domain.Return
		products []string
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sale, err := tx.GetSaleForUpdate(ctx, saleID)
		if err != nil {
			return fmt.Errorf("sale %s: %w", saleID, err)
		}
		if sale.ReturnID != "" {
			return fmt.Errorf("sale %s: %w", sale.ID, domain.ErrAlreadyReturned)
		}
		if sale.Status != domain.SaleCompleted {
			return fmt.Errorf("sale %s is %s: %w", sale.ID, sale.Status, domain.ErrInvalidReference)
		}

		sh, err := tx.GetShiftForUpdate(ctx, sale.ShiftID)
		if err != nil {
			return fmt.Errorf("shift %s: %w", sale.ShiftID, err)
		}
		if err := shift.PostRefund(sh, sale.PaymentMethod, sale.TotalCents); err != nil {
			return err
		}
		if err := sh.Validate(); err != nil {
			return err
		}

		products = make([]string, 0, len(sale.Lines))
		for _, line := range sale.Lines {
			products = append(products, line.ProductID)
		}
		if err := lockProducts(ctx, tx, products); err != nil {
			return err
		}

		ret = domain.Return{
			ID:          xid.New("ret"),
			SaleID:      sale.ID,
			ApprovedBy:  approvedBy,
			CashierID:   sale.CashierID,
			ShiftID:     sale.ShiftID,
			Reason:      reason,
			RefundCents: sale.TotalCents,
			CreatedAt:   now,
		}
		if err := ret.Validate(); err != nil {
			return err
		}

		for _, line := range sale.Lines {
			for _, a := range line.Allocations {
				if _, err := s.batches.Release(ctx, tx, inventory.ReleaseRequest{
					BatchID:  a.BatchID,
					Qty:      a.Qty,
					SaleID:   sale.ID,
					ReturnID: ret.ID,
					Actor:    approvedBy,
					Reason:   reason,
					At:       now,
				}); err != nil {
					return err
				}
			}
		}

		if err := tx.UpdateShift(ctx, *sh); err != nil {
			return err
		}
		if err := tx.MarkSaleReturned(ctx, sale.ID, ret.ID, now); err != nil {
			return err
		}
		return tx.InsertReturn(ctx, ret)
	})
	if err != nil {
		s.recordStockError(err)
		return nil, err
	}

	s.logAudit(ctx, "sale_return", "sale", ret.SaleID, fmt.Sprintf("return=%s,refund=%d,reason=%s", ret.ID, ret.RefundCents, ret.Reason))
	s.publish(ctx, events.TypeReturnPosted, ret.ID, ret)
	s.metrics.ReturnPosted()
	s.invalidateStock(ctx, products...)
	return &ret, nil
}
