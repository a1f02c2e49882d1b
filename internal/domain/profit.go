package domain

import "time"

// Derived values. None of these are stored on the entities.

func LineCOGSCents(line SaleLine) int64 {
	var cogs int64
	for _, a := range line.Allocations {
		cogs += int64(a.Qty) * a.UnitCostCents
	}
	return cogs
}

// LineProfitCents is (unit price - unit cost) x qty, using the exact cost of
// every batch the line was allocated from.
func LineProfitCents(line SaleLine) int64 {
	return line.SubtotalCents - LineCOGSCents(line)
}

func SaleCOGSCents(sale Sale) int64 {
	var cogs int64
	for _, line := range sale.Lines {
		cogs += LineCOGSCents(line)
	}
	return cogs
}

func SaleProfitCents(sale Sale) int64 {
	var profit int64
	for _, line := range sale.Lines {
		profit += LineProfitCents(line)
	}
	return profit
}

// SaleNetProfitCents is the profit after line discounts.
func SaleNetProfitCents(sale Sale) int64 {
	return sale.TotalCents - SaleCOGSCents(sale)
}

// WeightedUnitCostCents averages allocation costs by quantity, rounding half up.
func WeightedUnitCostCents(allocs []LineAllocation) int64 {
	var qty, cost int64
	for _, a := range allocs {
		qty += int64(a.Qty)
		cost += int64(a.Qty) * a.UnitCostCents
	}
	if qty == 0 {
		return 0
	}
	return (2*cost + qty) / (2 * qty)
}

func ExpectedCashCents(shift CashShift) int64 {
	return shift.OpeningFloatCents + shift.Totals.CashCents - shift.ExpenseTotalCents
}

func ShiftDuration(shift CashShift, now time.Time) time.Duration {
	end := now
	if shift.Status == ShiftClosed && shift.ClosedAt != nil {
		end = *shift.ClosedAt
	}
	if end.Before(shift.OpenedAt) {
		return 0
	}
	return end.Sub(shift.OpenedAt)
}
