package app

import (
	"context"
	"errors"
	"strings"

	"github.com/habithero/reward-service/internal/domain"
)

// Contribute adds amount (cents) from userID to the family's active pool,
// opening a new week-long pool when none is active.
func (s *Service) Contribute(ctx context.Context, userID, familyID string, amount int64) (*domain.Pool, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	userID = strings.TrimSpace(userID)
	familyID = strings.TrimSpace(familyID)
	if userID == "" || familyID == "" {
		return nil, errors.New("user ID and family ID are required")
	}

	pool, err := s.repo.AddContribution(ctx, familyID, userID, amount, s.now())
	if err != nil {
		return nil, err
	}

	s.logger.Info("contribution recorded", "family_id", familyID, "user_id", userID, "pool_id", pool.ID, "amount", amount, "total", pool.TotalAmount)
	return pool, nil
}

// ContributeFlatFee contributes the configured weekly fee.
func (s *Service) ContributeFlatFee(ctx context.Context, userID, familyID string) (*domain.Pool, error) {
	return s.Contribute(ctx, userID, familyID, s.opts.ContributionAmount)
}

// GetCurrentPool returns the family's active pool.
func (s *Service) GetCurrentPool(ctx context.Context, familyID string) (*domain.Pool, error) {
	if strings.TrimSpace(familyID) == "" {
		return nil, errors.New("family ID is required")
	}
	return s.repo.GetActivePool(ctx, familyID)
}
