package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/habithero/reward-service/internal/domain"
	"github.com/habithero/reward-service/pkg/payments"
	"golang.org/x/sync/errgroup"
)

// SettlementResult summarizes a settlement run.
type SettlementResult struct {
	Families       int `json:"families,omitempty"`
	PoolsProcessed int `json:"pools_processed"`
	Paid           int `json:"paid"`
	Queued         int `json:"queued"`
	Skipped        int `json:"skipped"`
	AlreadyPaid    int `json:"already_paid"`
}

func (r *SettlementResult) add(other *SettlementResult) {
	r.PoolsProcessed += other.PoolsProcessed
	r.Paid += other.Paid
	r.Queued += other.Queued
	r.Skipped += other.Skipped
	r.AlreadyPaid += other.AlreadyPaid
}

type winnerOutcome int

const (
	outcomePaid winnerOutcome = iota
	outcomeQueued
	outcomeSkipped
	outcomeAlreadyPaid
)

// Settle pays out every completed pool of a family. Winners are handled in
// rank order and each outcome is stored before the next winner, so an
// interrupted run is resumed by calling Settle again. Only a
// payments.ConfigurationError aborts the run.
func (s *Service) Settle(ctx context.Context, familyID string) (*SettlementResult, error) {
	unlock, err := s.locker.Lock(ctx, familyID)
	if err != nil {
		return nil, err
	}
	defer unlock(context.WithoutCancel(ctx))

	pools, err := s.repo.ListCompletedPools(ctx, familyID)
	if err != nil {
		return nil, err
	}

	result := &SettlementResult{}
	for _, pool := range pools {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		settled, err := s.settlePool(ctx, pool, result)
		if err != nil {
			if payments.IsConfigurationError(err) {
				s.logger.Error("settlement aborted: payment provider misconfigured", "family_id", familyID, "pool_id", pool.ID, "error", err)
				return result, err
			}
			s.logger.Error("failed to settle pool", "family_id", familyID, "pool_id", pool.ID, "error", err)
			continue
		}
		if settled {
			result.PoolsProcessed++
		}
	}

	s.logger.Info("settlement finished", "family_id", familyID, "pools", result.PoolsProcessed, "paid", result.Paid, "queued", result.Queued, "skipped", result.Skipped, "already_paid", result.AlreadyPaid)
	return result, nil
}

// SettleAll settles every family with completed pools, running up to
// SettlementConcurrency families at once. Winners of one pool are never
// dispatched in parallel.
func (s *Service) SettleAll(ctx context.Context) (*SettlementResult, error) {
	families, err := s.repo.ListFamiliesWithCompletedPools(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		total = &SettlementResult{Families: len(families)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.SettlementConcurrency)
	for _, familyID := range families {
		familyID := familyID
		g.Go(func() error {
			res, err := s.Settle(gctx, familyID)
			if res != nil {
				mu.Lock()
				total.add(res)
				mu.Unlock()
			}
			if err == nil {
				return nil
			}
			if payments.IsConfigurationError(err) {
				return err
			}
			if errors.Is(err, ErrSettlementInProgress) {
				s.logger.Info("family settlement already running elsewhere", "family_id", familyID)
				return nil
			}
			s.logger.Error("failed to settle family", "family_id", familyID, "error", err)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return total, err
	}
	return total, nil
}

// settlePool attempts every winner of pool and then marks it paid out. It
// reports false when some winner's outcome could not be stored; the pool
// then stays completed for the next run.
func (s *Service) settlePool(ctx context.Context, pool domain.Pool, result *SettlementResult) (bool, error) {
	winners := make([]domain.Winner, len(pool.Winners))
	copy(winners, pool.Winners)
	sort.SliceStable(winners, func(i, j int) bool { return winners[i].Rank < winners[j].Rank })

	complete := true
	for _, winner := range winners {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		outcome, err := s.settleWinner(ctx, pool, winner)
		if err != nil {
			if payments.IsConfigurationError(err) {
				return false, err
			}
			s.logger.Error("failed to record payout outcome", "pool_id", pool.ID, "user_id", winner.UserID, "error", err)
			complete = false
			continue
		}

		switch outcome {
		case outcomePaid:
			result.Paid++
		case outcomeQueued:
			result.Queued++
		case outcomeSkipped:
			result.Skipped++
		case outcomeAlreadyPaid:
			result.AlreadyPaid++
		}
	}

	if !complete {
		return false, nil
	}

	if err := s.repo.MarkPoolPaidOut(ctx, pool.ID); err != nil {
		if errors.Is(err, domain.ErrAlreadyPaidOut) {
			s.logger.Info("pool already paid out", "pool_id", pool.ID)
			return true, nil
		}
		return false, fmt.Errorf("failed to mark pool paid out: %w", err)
	}

	s.publishEvent(ctx, domain.EventPoolPaidOut, domain.PayoutEvent{
		PoolID:   pool.ID,
		FamilyID: pool.FamilyID,
		Amount:   pool.AllocatedAmount(),
	})
	return true, nil
}

func (s *Service) settleWinner(ctx context.Context, pool domain.Pool, winner domain.Winner) (winnerOutcome, error) {
	paid, err := s.repo.HasTransaction(ctx, pool.ID, winner.UserID)
	if err != nil {
		return 0, err
	}
	if paid {
		return outcomeAlreadyPaid, nil
	}

	existing, err := s.repo.GetFailedPayment(ctx, pool.ID, winner.UserID)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		if existing.RetryCount >= s.opts.MaxRetryAttempts {
			s.logger.Warn("payout retries exhausted; operator action required", "pool_id", pool.ID, "user_id", winner.UserID, "retry_count", existing.RetryCount)
			return outcomeQueued, nil
		}
		outcome, err := s.retryFailedPayment(ctx, *existing, pool.FamilyID, winner.Rank)
		if err != nil {
			return 0, err
		}
		if outcome == retrySucceeded {
			return outcomePaid, nil
		}
		return outcomeQueued, nil
	}

	if winner.PayoutAmount <= 0 {
		s.logger.Warn("skipping zero payout", "pool_id", pool.ID, "user_id", winner.UserID)
		return outcomeSkipped, nil
	}

	method, err := s.repo.GetPrimaryPaymentMethod(ctx, winner.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentMethodNotFound) {
			s.logger.Warn("winner has no payment method; payout skipped", "pool_id", pool.ID, "family_id", pool.FamilyID, "user_id", winner.UserID, "amount", winner.PayoutAmount)
			s.publishEvent(ctx, domain.EventPayoutSkipped, domain.PayoutEvent{
				PoolID:        pool.ID,
				FamilyID:      pool.FamilyID,
				UserID:        winner.UserID,
				Rank:          winner.Rank,
				Amount:        winner.PayoutAmount,
				FailureReason: err.Error(),
			})
			return outcomeSkipped, nil
		}
		return 0, err
	}

	key := domain.IdempotencyKey(pool.ID, winner.UserID, 0)
	res, err := s.dispatcher.Send(ctx, method.Provider, payments.SendRequest{
		AccountID:      method.AccountID,
		Amount:         winner.PayoutAmount,
		IdempotencyKey: key,
		Note:           payoutNote(winner.Rank),
	})
	if err != nil {
		if payments.IsConfigurationError(err) {
			return 0, err
		}

		recorded, recErr := s.repo.RecordFailedPayment(ctx, &domain.FailedPayment{
			ID:               uuid.New(),
			PoolID:           pool.ID,
			UserID:           winner.UserID,
			Provider:         method.Provider,
			RecipientAccount: method.AccountID,
			Amount:           winner.PayoutAmount,
			ErrorMessage:     err.Error(),
			CreatedAt:        s.now(),
		})
		if recErr != nil {
			return 0, fmt.Errorf("failed to queue failed payment: %w", recErr)
		}

		s.logger.Warn("payout failed; queued for retry", "pool_id", pool.ID, "user_id", winner.UserID, "provider", method.Provider, "retry_count", recorded.RetryCount, "error", err)
		s.publishEvent(ctx, domain.EventPayoutFailed, domain.PayoutEvent{
			PoolID:        pool.ID,
			FamilyID:      pool.FamilyID,
			UserID:        winner.UserID,
			Rank:          winner.Rank,
			Amount:        winner.PayoutAmount,
			Provider:      method.Provider,
			RetryCount:    recorded.RetryCount,
			FailureReason: err.Error(),
		})
		return outcomeQueued, nil
	}

	tx := &domain.PaymentTransaction{
		ID:                    uuid.New(),
		PoolID:                pool.ID,
		UserID:                winner.UserID,
		Provider:              method.Provider,
		RecipientAccount:      method.AccountID,
		Amount:                winner.PayoutAmount,
		ProviderTransactionID: res.ProviderTransactionID,
		IdempotencyKey:        key,
		Status:                domain.TransactionStatusCompleted,
		CreatedAt:             s.now(),
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, domain.ErrDuplicateTransaction) {
			return outcomeAlreadyPaid, nil
		}
		return 0, fmt.Errorf("payout %s sent but not recorded: %w", res.ProviderTransactionID, err)
	}

	s.logger.Info("payout sent", "pool_id", pool.ID, "user_id", winner.UserID, "provider", method.Provider, "amount", winner.PayoutAmount, "provider_transaction_id", res.ProviderTransactionID)
	s.publishEvent(ctx, domain.EventPayoutPaid, domain.PayoutEvent{
		PoolID:                pool.ID,
		FamilyID:              pool.FamilyID,
		UserID:                winner.UserID,
		Rank:                  winner.Rank,
		Amount:                winner.PayoutAmount,
		Provider:              method.Provider,
		ProviderTransactionID: res.ProviderTransactionID,
	})
	return outcomePaid, nil
}

func payoutNote(rank int) string {
	if rank <= 0 {
		return "HabitHero weekly reward"
	}
	return fmt.Sprintf("HabitHero weekly reward (rank %d)", rank)
}
