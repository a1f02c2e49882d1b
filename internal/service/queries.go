package service

import (
	"context"
	"time"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
)

func (s *Service) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return s.repo.GetSale(ctx, saleID)
}

func (s *Service) GetReturnBySale(ctx context.Context, saleID string) (*domain.Return, error) {
	return s.repo.GetReturnBySale(ctx, saleID)
}

// SaleProfit derives revenue, cost of goods and profit from the sale's
// recorded allocations.
func (s *Service) SaleProfit(ctx context.Context, saleID string) (domain.SaleProfit, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.SaleProfit{}, err
	}
	return domain.SaleProfit{
		SaleID:       sale.ID,
		RevenueCents: sale.TotalCents,
		COGSCents:    domain.SaleCOGSCents(*sale),
		GrossCents:   domain.SaleProfitCents(*sale),
		NetCents:     domain.SaleNetProfitCents(*sale),
	}, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, store.AuditFilter{From: from, To: to, Limit: limit})
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}
