package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/habithero/reward-service/internal/domain"
	"github.com/habithero/reward-service/pkg/payments"
)

type completionRecord struct {
	familyID string
	userID   string
	at       time.Time
}

// memRepo is an in-memory Repository with the same conditional semantics
// as the Postgres store.
type memRepo struct {
	mu sync.Mutex

	pools         map[uuid.UUID]*domain.Pool
	contributions []domain.Contribution
	completions   []completionRecord
	points        map[string]int64
	methods       map[string][]domain.PaymentMethod
	transactions  []domain.PaymentTransaction
	failed        map[uuid.UUID]*domain.FailedPayment
	claimedUntil  map[uuid.UUID]time.Time

	addContributionCalls int
}

func newMemRepo() *memRepo {
	return &memRepo{
		pools:        make(map[uuid.UUID]*domain.Pool),
		points:       make(map[string]int64),
		methods:      make(map[string][]domain.PaymentMethod),
		failed:       make(map[uuid.UUID]*domain.FailedPayment),
		claimedUntil: make(map[uuid.UUID]time.Time),
	}
}

func clonePool(p *domain.Pool) *domain.Pool {
	out := *p
	out.Participants = append([]string{}, p.Participants...)
	out.Winners = append([]domain.Winner{}, p.Winners...)
	return &out
}

// seedCompletedPool stores a pool that is already closed with the given winners.
func (r *memRepo) seedCompletedPool(familyID string, total int64, winners []domain.Winner, weekStart time.Time) *domain.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()

	participants := make([]string, 0, len(winners))
	for _, w := range winners {
		participants = append(participants, w.UserID)
	}
	pool := &domain.Pool{
		ID:           uuid.New(),
		FamilyID:     familyID,
		WeekStart:    weekStart,
		WeekEnd:      weekStart.Add(domain.PoolWeek),
		TotalAmount:  total,
		Participants: participants,
		Winners:      winners,
		Status:       domain.PoolStatusCompleted,
	}
	r.pools[pool.ID] = pool
	return clonePool(pool)
}

func (r *memRepo) addCompletions(familyID, userID string, at time.Time, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < n; i++ {
		r.completions = append(r.completions, completionRecord{familyID: familyID, userID: userID, at: at})
	}
}

func (r *memRepo) addMethod(userID string, provider domain.Provider, account string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[userID] = append(r.methods[userID], domain.PaymentMethod{
		ID: uuid.New(), UserID: userID, Provider: provider, AccountID: account, IsPrimary: true,
	})
}

func (r *memRepo) transactionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transactions)
}

func (r *memRepo) failedRows() []domain.FailedPayment {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := make([]domain.FailedPayment, 0, len(r.failed))
	for _, fp := range r.failed {
		rows = append(rows, *fp)
	}
	return rows
}

func (r *memRepo) poolStatus(id uuid.UUID) domain.PoolStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pools[id].Status
}

func (r *memRepo) AddContribution(ctx context.Context, familyID, userID string, amount int64, now time.Time) (*domain.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addContributionCalls++

	var pool *domain.Pool
	for _, p := range r.pools {
		if p.FamilyID == familyID && p.Status == domain.PoolStatusActive {
			pool = p
		}
	}
	if pool == nil {
		pool = &domain.Pool{
			ID:           uuid.New(),
			FamilyID:     familyID,
			WeekStart:    now,
			WeekEnd:      now.Add(domain.PoolWeek),
			Participants: []string{},
			Winners:      []domain.Winner{},
			Status:       domain.PoolStatusActive,
			CreatedAt:    now,
		}
		r.pools[pool.ID] = pool
	}

	pool.TotalAmount += amount
	if !pool.HasParticipant(userID) {
		pool.Participants = append(pool.Participants, userID)
	}
	pool.UpdatedAt = now
	r.contributions = append(r.contributions, domain.Contribution{ID: uuid.New(), PoolID: pool.ID, UserID: userID, Amount: amount, CreatedAt: now})
	return clonePool(pool), nil
}

func (r *memRepo) GetActivePool(ctx context.Context, familyID string) (*domain.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pools {
		if p.FamilyID == familyID && p.Status == domain.PoolStatusActive {
			return clonePool(p), nil
		}
	}
	return nil, domain.ErrPoolNotFound
}

func (r *memRepo) GetPoolByID(ctx context.Context, poolID uuid.UUID) (*domain.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[poolID]
	if !ok {
		return nil, domain.ErrPoolNotFound
	}
	return clonePool(p), nil
}

func (r *memRepo) ListExpiredActivePools(ctx context.Context, now time.Time) ([]domain.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pools []domain.Pool
	for _, p := range r.pools {
		if p.Status == domain.PoolStatusActive && !p.WeekEnd.After(now) {
			pools = append(pools, *clonePool(p))
		}
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].WeekEnd.Before(pools[j].WeekEnd) })
	return pools, nil
}

func (r *memRepo) CompletePool(ctx context.Context, poolID uuid.UUID, winners []domain.Winner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[poolID]
	if !ok {
		return domain.ErrPoolNotFound
	}
	if p.Status != domain.PoolStatusActive {
		return domain.ErrAlreadyClosed
	}
	p.Winners = append([]domain.Winner{}, winners...)
	p.Status = domain.PoolStatusCompleted
	return nil
}

func (r *memRepo) ListCompletedPools(ctx context.Context, familyID string) ([]domain.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pools []domain.Pool
	for _, p := range r.pools {
		if p.FamilyID == familyID && p.Status == domain.PoolStatusCompleted {
			pools = append(pools, *clonePool(p))
		}
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].WeekStart.Before(pools[j].WeekStart) })
	return pools, nil
}

func (r *memRepo) ListFamiliesWithCompletedPools(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var families []string
	for _, p := range r.pools {
		if p.Status == domain.PoolStatusCompleted && !seen[p.FamilyID] {
			seen[p.FamilyID] = true
			families = append(families, p.FamilyID)
		}
	}
	sort.Strings(families)
	return families, nil
}

func (r *memRepo) MarkPoolPaidOut(ctx context.Context, poolID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[poolID]
	if !ok {
		return domain.ErrPoolNotFound
	}
	switch p.Status {
	case domain.PoolStatusCompleted:
		p.Status = domain.PoolStatusPaidOut
		return nil
	case domain.PoolStatusPaidOut:
		return domain.ErrAlreadyPaidOut
	default:
		return fmt.Errorf("pool %s cannot be paid out from status %q", poolID, p.Status)
	}
}

func (r *memRepo) CountCompletions(ctx context.Context, familyID string, userIDs []string, from, to time.Time) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		wanted[id] = true
	}
	counts := make(map[string]int)
	for _, c := range r.completions {
		if c.familyID != familyID || !wanted[c.userID] {
			continue
		}
		if c.at.Before(from) || !c.at.Before(to) {
			continue
		}
		counts[c.userID]++
	}
	return counts, nil
}

func (r *memRepo) UserPoints(ctx context.Context, userIDs []string) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(userIDs))
	for _, id := range userIDs {
		if pts, ok := r.points[id]; ok {
			out[id] = pts
		}
	}
	return out, nil
}

func (r *memRepo) GetPrimaryPaymentMethod(ctx context.Context, userID string) (*domain.PaymentMethod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.methods[userID] {
		if m.IsPrimary {
			method := m
			return &method, nil
		}
	}
	return nil, domain.ErrPaymentMethodNotFound
}

func (r *memRepo) SetPrimaryPaymentMethod(ctx context.Context, userID string, provider domain.Provider, accountID string) (*domain.PaymentMethod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	methods := r.methods[userID]
	idx := -1
	for i := range methods {
		methods[i].IsPrimary = false
		if methods[i].Provider == provider && methods[i].AccountID == accountID {
			idx = i
		}
	}
	if idx < 0 {
		methods = append(methods, domain.PaymentMethod{ID: uuid.New(), UserID: userID, Provider: provider, AccountID: accountID})
		idx = len(methods) - 1
	}
	methods[idx].IsPrimary = true
	r.methods[userID] = methods
	method := methods[idx]
	return &method, nil
}

func (r *memRepo) ListPaymentMethods(ctx context.Context, userID string) ([]domain.PaymentMethod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.PaymentMethod(nil), r.methods[userID]...), nil
}

func (r *memRepo) hasTransactionLocked(poolID uuid.UUID, userID string) bool {
	for _, t := range r.transactions {
		if t.PoolID == poolID && t.UserID == userID {
			return true
		}
	}
	return false
}

func (r *memRepo) HasTransaction(ctx context.Context, poolID uuid.UUID, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasTransactionLocked(poolID, userID), nil
}

func (r *memRepo) CreateTransaction(ctx context.Context, t *domain.PaymentTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasTransactionLocked(t.PoolID, t.UserID) {
		return domain.ErrDuplicateTransaction
	}
	r.transactions = append(r.transactions, *t)
	return nil
}

func (r *memRepo) GetFailedPayment(ctx context.Context, poolID uuid.UUID, userID string) (*domain.FailedPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fp := range r.failed {
		if fp.PoolID == poolID && fp.UserID == userID {
			out := *fp
			return &out, nil
		}
	}
	return nil, nil
}

func (r *memRepo) RecordFailedPayment(ctx context.Context, fp *domain.FailedPayment) (*domain.FailedPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, existing := range r.failed {
		if existing.PoolID == fp.PoolID && existing.UserID == fp.UserID {
			existing.RetryCount++
			existing.ErrorMessage = fp.ErrorMessage
			at := fp.CreatedAt
			existing.LastRetryAt = &at
			delete(r.claimedUntil, id)
			out := *existing
			return &out, nil
		}
	}
	row := *fp
	row.RetryCount = 0
	r.failed[row.ID] = &row
	out := row
	return &out, nil
}

func (r *memRepo) ListRetryableFailedPayments(ctx context.Context, maxAttempts int) ([]domain.FailedPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var rows []domain.FailedPayment
	for _, fp := range r.failed {
		if fp.RetryCount < maxAttempts {
			rows = append(rows, *fp)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	return rows, nil
}

func (r *memRepo) ClaimFailedPayment(ctx context.Context, id uuid.UUID, maxAttempts int, now, leaseUntil time.Time) (*domain.FailedPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fp, ok := r.failed[id]
	if !ok || fp.RetryCount >= maxAttempts {
		return nil, nil
	}
	if until, held := r.claimedUntil[id]; held && !until.Before(now) {
		return nil, nil
	}
	r.claimedUntil[id] = leaseUntil
	out := *fp
	return &out, nil
}

func (r *memRepo) ReleaseFailedPaymentClaim(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimedUntil, id)
	return nil
}

func (r *memRepo) RecordRetryFailure(ctx context.Context, id uuid.UUID, errorMessage string, at time.Time) (*domain.FailedPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fp, ok := r.failed[id]
	if !ok {
		return nil, fmt.Errorf("failed payment %s not found", id)
	}
	fp.RetryCount++
	fp.ErrorMessage = errorMessage
	fp.LastRetryAt = &at
	delete(r.claimedUntil, id)
	out := *fp
	return &out, nil
}

func (r *memRepo) ResolveFailedPayment(ctx context.Context, id uuid.UUID, t *domain.PaymentTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasTransactionLocked(t.PoolID, t.UserID) {
		r.transactions = append(r.transactions, *t)
	}
	delete(r.failed, id)
	delete(r.claimedUntil, id)
	return nil
}

func (r *memRepo) GetPaymentStats(ctx context.Context) (*domain.PaymentStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stats domain.PaymentStats
	for _, t := range r.transactions {
		if t.Status == domain.TransactionStatusCompleted {
			stats.TotalPaid += t.Amount
		}
	}
	for _, p := range r.pools {
		if p.Status == domain.PoolStatusCompleted {
			stats.PendingPayout += p.TotalAmount
		}
	}
	for _, fp := range r.failed {
		stats.FailedOutstanding += fp.Amount
	}
	return &stats, nil
}

type dispatchCall struct {
	provider domain.Provider
	req      payments.SendRequest
}

// scriptedDispatcher fails the next N sends to an account, then succeeds.
type scriptedDispatcher struct {
	mu        sync.Mutex
	calls     []dispatchCall
	failures  map[string]int
	configErr bool
}

func newScriptedDispatcher() *scriptedDispatcher {
	return &scriptedDispatcher{failures: make(map[string]int)}
}

func (d *scriptedDispatcher) failNext(account string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[account] = n
}

func (d *scriptedDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *scriptedDispatcher) keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.calls))
	for _, c := range d.calls {
		keys = append(keys, c.req.IdempotencyKey)
	}
	return keys
}

func (d *scriptedDispatcher) Send(ctx context.Context, provider domain.Provider, req payments.SendRequest) (*payments.SendResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{provider: provider, req: req})

	if d.configErr {
		return nil, &payments.ConfigurationError{Provider: provider, Missing: "VENMO_ACCESS_TOKEN"}
	}
	if d.failures[req.AccountID] > 0 {
		d.failures[req.AccountID]--
		return nil, &payments.ProviderError{Provider: provider, StatusCode: 503, Message: "service unavailable"}
	}
	return &payments.SendResult{ProviderTransactionID: fmt.Sprintf("txn-%d", len(d.calls)), Status: "settled"}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, routingKey)
	return nil
}

func (p *recordingPublisher) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == routingKey {
			n++
		}
	}
	return n
}

type heldLocker struct{}

func (heldLocker) Lock(ctx context.Context, familyID string) (func(context.Context), error) {
	return nil, ErrSettlementInProgress
}

func newTestService(repo Repository, dispatcher PaymentDispatcher, publisher EventPublisher) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(repo, dispatcher, publisher, nil, logger, Options{
		MaxRetryAttempts:   3,
		ContributionAmount: 500,
	})
}
