package app

import (
	"context"
	"errors"
	"strings"

	"github.com/habithero/reward-service/internal/domain"
)

// SetPrimaryPaymentMethod makes the given provider account the user's payout
// destination, demoting any previous primary.
func (s *Service) SetPrimaryPaymentMethod(ctx context.Context, userID, provider, accountID string) (*domain.PaymentMethod, error) {
	userID = strings.TrimSpace(userID)
	accountID = strings.TrimSpace(accountID)
	if userID == "" {
		return nil, errors.New("user ID cannot be empty")
	}
	if accountID == "" {
		return nil, errors.New("account ID cannot be empty")
	}

	p, err := domain.ParseProvider(provider)
	if err != nil {
		return nil, err
	}

	method, err := s.repo.SetPrimaryPaymentMethod(ctx, userID, p, accountID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("primary payment method updated", "user_id", userID, "provider", p)
	return method, nil
}

// ListPaymentMethods returns the user's payment methods.
func (s *Service) ListPaymentMethods(ctx context.Context, userID string) ([]domain.PaymentMethod, error) {
	methods, err := s.repo.ListPaymentMethods(ctx, userID)
	if err != nil {
		return nil, err
	}
	if methods == nil {
		methods = []domain.PaymentMethod{}
	}
	return methods, nil
}
