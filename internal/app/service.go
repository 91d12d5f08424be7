/**
 * @description
 * Core business logic for the weekly reward pool: contributions, winner
 * selection, payout settlement and the failed-payment retry queue.
 *
 * @notes
 * - The store is the only shared mutable state. Every outcome is written
 *   before the next unit of work starts, so any run can be resumed by
 *   invoking the same entry point again.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/habithero/reward-service/internal/domain"
	"github.com/habithero/reward-service/pkg/payments"
)

// ErrSettlementInProgress is returned when another worker holds the family's settlement lock.
var ErrSettlementInProgress = errors.New("settlement already in progress for family")

// Repository defines the database operations the service needs.
type Repository interface {
	AddContribution(ctx context.Context, familyID, userID string, amount int64, now time.Time) (*domain.Pool, error)
	GetActivePool(ctx context.Context, familyID string) (*domain.Pool, error)
	GetPoolByID(ctx context.Context, poolID uuid.UUID) (*domain.Pool, error)
	ListExpiredActivePools(ctx context.Context, now time.Time) ([]domain.Pool, error)
	CompletePool(ctx context.Context, poolID uuid.UUID, winners []domain.Winner) error
	ListCompletedPools(ctx context.Context, familyID string) ([]domain.Pool, error)
	ListFamiliesWithCompletedPools(ctx context.Context) ([]string, error)
	MarkPoolPaidOut(ctx context.Context, poolID uuid.UUID) error

	CountCompletions(ctx context.Context, familyID string, userIDs []string, from, to time.Time) (map[string]int, error)
	UserPoints(ctx context.Context, userIDs []string) (map[string]int64, error)

	GetPrimaryPaymentMethod(ctx context.Context, userID string) (*domain.PaymentMethod, error)
	SetPrimaryPaymentMethod(ctx context.Context, userID string, provider domain.Provider, accountID string) (*domain.PaymentMethod, error)
	ListPaymentMethods(ctx context.Context, userID string) ([]domain.PaymentMethod, error)

	HasTransaction(ctx context.Context, poolID uuid.UUID, userID string) (bool, error)
	CreateTransaction(ctx context.Context, t *domain.PaymentTransaction) error

	GetFailedPayment(ctx context.Context, poolID uuid.UUID, userID string) (*domain.FailedPayment, error)
	RecordFailedPayment(ctx context.Context, fp *domain.FailedPayment) (*domain.FailedPayment, error)
	ListRetryableFailedPayments(ctx context.Context, maxAttempts int) ([]domain.FailedPayment, error)
	ClaimFailedPayment(ctx context.Context, id uuid.UUID, maxAttempts int, now, leaseUntil time.Time) (*domain.FailedPayment, error)
	ReleaseFailedPaymentClaim(ctx context.Context, id uuid.UUID) error
	RecordRetryFailure(ctx context.Context, id uuid.UUID, errorMessage string, at time.Time) (*domain.FailedPayment, error)
	ResolveFailedPayment(ctx context.Context, id uuid.UUID, t *domain.PaymentTransaction) error

	GetPaymentStats(ctx context.Context) (*domain.PaymentStats, error)
}

// PaymentDispatcher sends a payout through the named provider.
type PaymentDispatcher interface {
	Send(ctx context.Context, provider domain.Provider, req payments.SendRequest) (*payments.SendResult, error)
}

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// SettlementLocker provides mutual exclusion for settling one family.
// Lock returns ErrSettlementInProgress when the lock is held elsewhere.
type SettlementLocker interface {
	Lock(ctx context.Context, familyID string) (unlock func(context.Context), err error)
}

// Options carries the runtime settings of the service.
type Options struct {
	MaxRetryAttempts      int
	ContributionAmount    int64
	SettlementConcurrency int
	EventsExchange        string
	ClaimLease            time.Duration
}

const (
	defaultMaxRetryAttempts      = 3
	defaultSettlementConcurrency = 4
	defaultEventsExchange        = "habithero.events"
	defaultClaimLease            = 5 * time.Minute
)

// Service provides the business logic for pools and payouts.
type Service struct {
	repo       Repository
	dispatcher PaymentDispatcher
	publisher  EventPublisher
	locker     SettlementLocker
	logger     *slog.Logger
	opts       Options
	now        func() time.Time
}

// NewService creates a new reward service. A nil locker disables
// cross-process settlement locking.
func NewService(repo Repository, dispatcher PaymentDispatcher, publisher EventPublisher, locker SettlementLocker, logger *slog.Logger, opts Options) *Service {
	if opts.MaxRetryAttempts <= 0 {
		opts.MaxRetryAttempts = defaultMaxRetryAttempts
	}
	if opts.SettlementConcurrency <= 0 {
		opts.SettlementConcurrency = defaultSettlementConcurrency
	}
	if opts.EventsExchange == "" {
		opts.EventsExchange = defaultEventsExchange
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = defaultClaimLease
	}
	if locker == nil {
		locker = noopLocker{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		repo:       repo,
		dispatcher: dispatcher,
		publisher:  publisher,
		locker:     locker,
		logger:     logger,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// MaxRetryAttempts returns the configured retry bound.
func (s *Service) MaxRetryAttempts() int {
	return s.opts.MaxRetryAttempts
}

func (s *Service) publishEvent(ctx context.Context, routingKey string, event domain.PayoutEvent) {
	if s.publisher == nil {
		return
	}
	event.Timestamp = s.now()

	if err := s.publisher.Publish(ctx, s.opts.EventsExchange, routingKey, event); err != nil {
		s.logger.Warn("failed to publish event", "routing_key", routingKey, "pool_id", event.PoolID, "error", err)
	}
}

type noopLocker struct{}

func (noopLocker) Lock(ctx context.Context, familyID string) (func(context.Context), error) {
	return func(context.Context) {}, nil
}
