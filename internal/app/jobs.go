/**
 * @description
 * Scheduled job implementations: close expired pools, settle completed
 * pools and retry failed payouts.
 */
package app

import (
	"context"
	"log/slog"
)

// JobRunner is the subset of Service the scheduled jobs drive.
type JobRunner interface {
	CloseExpiredPools(ctx context.Context) (*CloseResult, error)
	SettleAll(ctx context.Context) (*SettlementResult, error)
	RetryFailedPayments(ctx context.Context) (*RetryResult, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	runner JobRunner
	logger *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(runner JobRunner, logger *slog.Logger) *Jobs {
	return &Jobs{runner: runner, logger: logger}
}

// CloseExpiredPools closes every pool whose week has ended.
func (j *Jobs) CloseExpiredPools() {
	j.logger.Info("starting close expired pools job")
	ctx := context.Background()

	result, err := j.runner.CloseExpiredPools(ctx)
	if err != nil {
		j.logger.Error("failed to close expired pools", "error", err)
		return
	}

	j.logger.Info("close expired pools job finished", "evaluated", result.Evaluated, "closed", result.Closed, "failed", result.Failed)
}

// SettleCompletedPools pays out every completed pool.
func (j *Jobs) SettleCompletedPools() {
	j.logger.Info("starting settlement job")
	ctx := context.Background()

	result, err := j.runner.SettleAll(ctx)
	if err != nil {
		j.logger.Error("settlement job aborted", "error", err)
		return
	}

	j.logger.Info("settlement job finished", "families", result.Families, "pools", result.PoolsProcessed, "paid", result.Paid, "queued", result.Queued, "skipped", result.Skipped)
}

// RetryFailedPayments re-dispatches queued payout failures.
func (j *Jobs) RetryFailedPayments() {
	j.logger.Info("starting failed payment retry job")
	ctx := context.Background()

	result, err := j.runner.RetryFailedPayments(ctx)
	if err != nil {
		j.logger.Error("failed payment retry job aborted", "error", err)
		return
	}

	if result.Evaluated == 0 {
		j.logger.Info("no failed payments to retry")
		return
	}

	j.logger.Info("failed payment retry job finished", "evaluated", result.Evaluated, "succeeded", result.Succeeded, "failed", result.Failed, "exhausted", result.Exhausted)
}
