package app

import (
	"context"

	"github.com/habithero/reward-service/internal/domain"
)

// GetPaymentStats returns paid, pending and failed payout totals.
func (s *Service) GetPaymentStats(ctx context.Context) (*domain.PaymentStats, error) {
	return s.repo.GetPaymentStats(ctx)
}
