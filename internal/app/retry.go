package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/habithero/reward-service/internal/domain"
	"github.com/habithero/reward-service/pkg/payments"
)

// RetryResult summarizes a retry run.
type RetryResult struct {
	Evaluated int `json:"evaluated"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
	Skipped   int `json:"skipped"`
}

type retryOutcome int

const (
	retrySucceeded retryOutcome = iota
	retryFailed
	retryExhausted
	retryNotClaimed
)

// RetryFailedPayments re-dispatches every queued failure that is still under
// the retry bound, oldest first. Rows that reach the bound stay in the queue
// for operators and are never picked up again.
func (s *Service) RetryFailedPayments(ctx context.Context) (*RetryResult, error) {
	queued, err := s.repo.ListRetryableFailedPayments(ctx, s.opts.MaxRetryAttempts)
	if err != nil {
		return nil, err
	}

	result := &RetryResult{Evaluated: len(queued)}
	for _, fp := range queued {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		outcome, err := s.retryFailedPayment(ctx, fp, "", 0)
		if err != nil {
			if payments.IsConfigurationError(err) {
				s.logger.Error("retry run aborted: payment provider misconfigured", "failed_payment_id", fp.ID, "provider", fp.Provider, "error", err)
				return result, err
			}
			s.logger.Error("failed to retry payment", "failed_payment_id", fp.ID, "pool_id", fp.PoolID, "user_id", fp.UserID, "error", err)
			result.Failed++
			continue
		}

		switch outcome {
		case retrySucceeded:
			result.Succeeded++
		case retryFailed:
			result.Failed++
		case retryExhausted:
			result.Failed++
			result.Exhausted++
		case retryNotClaimed:
			result.Skipped++
		}
	}

	s.logger.Info("retry run finished", "evaluated", result.Evaluated, "succeeded", result.Succeeded, "failed", result.Failed, "exhausted", result.Exhausted)
	return result, nil
}

// retryFailedPayment claims one queued failure and dispatches it with
// attempt number retry_count+1. The user's current primary method is used
// when one exists so a corrected method takes effect on the next retry.
func (s *Service) retryFailedPayment(ctx context.Context, fp domain.FailedPayment, familyID string, rank int) (retryOutcome, error) {
	now := s.now()
	claimed, err := s.repo.ClaimFailedPayment(ctx, fp.ID, s.opts.MaxRetryAttempts, now, now.Add(s.opts.ClaimLease))
	if err != nil {
		return 0, err
	}
	if claimed == nil {
		return retryNotClaimed, nil
	}

	provider, account := claimed.Provider, claimed.RecipientAccount
	method, err := s.repo.GetPrimaryPaymentMethod(ctx, claimed.UserID)
	switch {
	case err == nil:
		provider, account = method.Provider, method.AccountID
	case errors.Is(err, domain.ErrPaymentMethodNotFound):
	default:
		s.releaseClaim(ctx, claimed.ID)
		return 0, err
	}

	attempt := claimed.RetryCount + 1
	key := domain.IdempotencyKey(claimed.PoolID, claimed.UserID, attempt)
	res, err := s.dispatcher.Send(ctx, provider, payments.SendRequest{
		AccountID:      account,
		Amount:         claimed.Amount,
		IdempotencyKey: key,
		Note:           payoutNote(rank),
	})
	if err != nil {
		if payments.IsConfigurationError(err) {
			s.releaseClaim(ctx, claimed.ID)
			return 0, err
		}

		updated, recErr := s.repo.RecordRetryFailure(ctx, claimed.ID, err.Error(), s.now())
		if recErr != nil {
			return 0, fmt.Errorf("failed to record retry failure: %w", recErr)
		}

		s.publishEvent(ctx, domain.EventPayoutFailed, domain.PayoutEvent{
			PoolID:        claimed.PoolID,
			FamilyID:      familyID,
			UserID:        claimed.UserID,
			Rank:          rank,
			Amount:        claimed.Amount,
			Provider:      provider,
			RetryCount:    updated.RetryCount,
			FailureReason: err.Error(),
		})

		if updated.RetryCount >= s.opts.MaxRetryAttempts {
			s.logger.Error("payout retries exhausted; operator action required", "failed_payment_id", claimed.ID, "pool_id", claimed.PoolID, "user_id", claimed.UserID, "retry_count", updated.RetryCount, "error", err)
			return retryExhausted, nil
		}
		s.logger.Warn("payout retry failed", "failed_payment_id", claimed.ID, "pool_id", claimed.PoolID, "user_id", claimed.UserID, "retry_count", updated.RetryCount, "error", err)
		return retryFailed, nil
	}

	tx := &domain.PaymentTransaction{
		ID:                    uuid.New(),
		PoolID:                claimed.PoolID,
		UserID:                claimed.UserID,
		Provider:              provider,
		RecipientAccount:      account,
		Amount:                claimed.Amount,
		ProviderTransactionID: res.ProviderTransactionID,
		IdempotencyKey:        key,
		Status:                domain.TransactionStatusCompleted,
		CreatedAt:             s.now(),
	}
	if err := s.repo.ResolveFailedPayment(ctx, claimed.ID, tx); err != nil {
		return 0, fmt.Errorf("payout %s sent but not recorded: %w", res.ProviderTransactionID, err)
	}

	s.logger.Info("payout retry succeeded", "pool_id", claimed.PoolID, "user_id", claimed.UserID, "provider", provider, "attempt", attempt, "provider_transaction_id", res.ProviderTransactionID)
	s.publishEvent(ctx, domain.EventPayoutPaid, domain.PayoutEvent{
		PoolID:                claimed.PoolID,
		FamilyID:              familyID,
		UserID:                claimed.UserID,
		Rank:                  rank,
		Amount:                claimed.Amount,
		Provider:              provider,
		ProviderTransactionID: res.ProviderTransactionID,
		RetryCount:            attempt,
	})
	return retrySucceeded, nil
}

func (s *Service) releaseClaim(ctx context.Context, id uuid.UUID) {
	if err := s.repo.ReleaseFailedPaymentClaim(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Warn("failed to release failed payment claim", "failed_payment_id", id, "error", err)
	}
}
