package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/events"
	"kasirledger/backend/internal/inventory"
	"kasirledger/backend/internal/shift"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/xid"
)

// PostSale allocates every line from stock, credits the cashier's open shift
// and records the sale, all in one unit of work. Any failure leaves stock,
// ledger and shift untouched.
func (s *Service) PostSale(ctx context.Context, req domain.SaleRequest) (*domain.Sale, error) {
	start := time.Now()
	defer s.metrics.ObserveOp("sale", start)

	actor := s.actor(ctx)
	cashierID := strings.TrimSpace(req.CashierID)
	if cashierID == "" {
		cashierID = actor.Username
	}
	if err := validateSaleRequest(req); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	saleID := xid.New("sale")
	var sale domain.Sale

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sh, err := tx.GetActiveShiftForUpdate(ctx, cashierID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("cashier %s: %w", cashierID, domain.ErrNoOpenShift)
		}
		if err != nil {
			return err
		}
		if sh.Status != domain.ShiftOpen {
			return fmt.Errorf("shift %s is %s: %w", sh.ID, sh.Status, domain.ErrShiftClosed)
		}

		if err := lockProducts(ctx, tx, saleProductIDs(req.Lines)); err != nil {
			return err
		}

		lines := make([]domain.SaleLine, 0, len(req.Lines))
		var subtotal, discount int64
		for _, lr := range req.Lines {
			res, err := s.batches.Allocate(ctx, tx, inventory.AllocateRequest{
				ProductID: lr.ProductID,
				Qty:       lr.Qty,
				SaleID:    saleID,
				Actor:     actor.Username,
				At:        now,
			})
			if err != nil {
				return err
			}
			line, err := buildLine(lr, res)
			if err != nil {
				return err
			}
			subtotal += line.SubtotalCents
			discount += line.DiscountCents
			lines = append(lines, line)
		}

		total := subtotal - discount
		sale = domain.Sale{
			ID:            saleID,
			CashierID:     cashierID,
			ShiftID:       sh.ID,
			Lines:         lines,
			SubtotalCents: subtotal,
			DiscountCents: discount,
			TotalCents:    total,
			PaymentMethod: req.PaymentMethod,
			Status:        domain.SaleCompleted,
			CreatedAt:     now,
		}
		if req.PaymentMethod == domain.PaymentCash {
			if req.TenderedCents == nil || *req.TenderedCents < total {
				return fmt.Errorf("tendered below total %d: %w", total, domain.ErrInvalidPaymentAmount)
			}
			tendered := *req.TenderedCents
			sale.TenderedCents = &tendered
			sale.ChangeCents = tendered - total
		}

		if err := shift.PostSale(sh, req.PaymentMethod, total); err != nil {
			return err
		}
		if err := tx.UpdateShift(ctx, *sh); err != nil {
			return err
		}

		n, err := tx.NextSaleNumber(ctx)
		if err != nil {
			return err
		}
		sale.Number = fmt.Sprintf("S-%06d", n)
		if err := sale.Validate(); err != nil {
			return err
		}
		return tx.InsertSale(ctx, sale)
	})
	if err != nil {
		s.recordStockError(err)
		return nil, err
	}

	s.logAudit(ctx, "sale_post", "sale", sale.ID, fmt.Sprintf("number=%s,shift=%s,method=%s,total=%d", sale.Number, sale.ShiftID, sale.PaymentMethod, sale.TotalCents))
	s.publish(ctx, events.TypeSalePosted, sale.ID, sale)
	s.metrics.SalePosted(string(sale.PaymentMethod), sale.TotalCents)
	s.invalidateStock(ctx, saleProductIDs(req.Lines)...)
	return &sale, nil
}

func validateSaleRequest(req domain.SaleRequest) error {
	if len(req.Lines) == 0 {
		return fmt.Errorf("sale has no lines: %w", domain.ErrInvalidAmount)
	}
	for _, lr := range req.Lines {
		if strings.TrimSpace(lr.ProductID) == "" {
			return fmt.Errorf("sale line without product: %w", domain.ErrInvalidReference)
		}
		if lr.Qty < 1 || lr.UnitPriceCents < 0 || lr.DiscountCents < 0 {
			return fmt.Errorf("sale line %s: %w", lr.ProductID, domain.ErrInvalidAmount)
		}
	}
	if !req.PaymentMethod.Valid() {
		return fmt.Errorf("payment method %q: %w", req.PaymentMethod, domain.ErrInvalidPaymentMethod)
	}
	if req.PaymentMethod == domain.PaymentCash && req.TenderedCents == nil {
		return fmt.Errorf("cash sale without tendered amount: %w", domain.ErrInvalidPaymentAmount)
	}
	return nil
}

func buildLine(lr domain.SaleLineRequest, res inventory.AllocateResult) (domain.SaleLine, error) {
	price := lr.UnitPriceCents
	if price == 0 {
		price = res.Product.PriceCents
	}
	allocs := make([]domain.LineAllocation, len(res.Allocations))
	for i, a := range res.Allocations {
		allocs[i] = domain.LineAllocation{BatchID: a.BatchID, Qty: a.Qty, UnitCostCents: a.UnitCostCents}
	}
	subtotal := int64(lr.Qty) * price
	if lr.DiscountCents > subtotal {
		return domain.SaleLine{}, fmt.Errorf("discount %d above line subtotal %d: %w", lr.DiscountCents, subtotal, domain.ErrInvalidAmount)
	}
	return domain.SaleLine{
		ProductID:      res.Product.ID,
		Qty:            lr.Qty,
		UnitPriceCents: price,
		UnitCostCents:  domain.WeightedUnitCostCents(allocs),
		SubtotalCents:  subtotal,
		DiscountCents:  lr.DiscountCents,
		FinalCents:     subtotal - lr.DiscountCents,
		Allocations:    allocs,
	}, nil
}

func saleProductIDs(lines []domain.SaleLineRequest) []string {
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProductID)
	}
	return ids
}

// lockProducts takes product row locks in id order so that two units of
// work touching the same products cannot wait on each other.
func lockProducts(ctx context.Context, tx store.Tx, ids []string) error {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	for _, id := range sorted {
		if _, err := tx.GetProductForUpdate(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("product %s: %w", id, domain.ErrInvalidReference)
			}
			return err
		}
	}
	return nil
}
