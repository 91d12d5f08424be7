package app

import (
	"context"
	"testing"

	"github.com/habithero/reward-service/internal/domain"
	"github.com/habithero/reward-service/pkg/payments"
)

func singleWinnerPool(repo *memRepo) *domain.Pool {
	repo.addMethod("A", domain.ProviderVenmo, "@a")
	return repo.seedCompletedPool("fam-1", 10000, []domain.Winner{{UserID: "A", Rank: 1, PayoutAmount: 6000}}, weekOne)
}

func TestRetryFailedPayments_SucceedsAfterMaxMinusOneFailures(t *testing.T) {
	repo := newMemRepo()
	pool := singleWinnerPool(repo)
	dispatcher := newScriptedDispatcher()
	svc := newTestService(repo, dispatcher, nil)
	ctx := context.Background()

	// Settlement plus the first retry fail, the second retry succeeds.
	dispatcher.failNext("@a", svc.MaxRetryAttempts()-1)

	if _, err := svc.Settle(ctx, "fam-1"); err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}
	first, err := svc.RetryFailedPayments(ctx)
	if err != nil {
		t.Fatalf("first retry returned error: %v", err)
	}
	if first.Failed != 1 || first.Succeeded != 0 {
		t.Fatalf("unexpected first retry result: %+v", first)
	}
	second, err := svc.RetryFailedPayments(ctx)
	if err != nil {
		t.Fatalf("second retry returned error: %v", err)
	}
	if second.Succeeded != 1 {
		t.Fatalf("unexpected second retry result: %+v", second)
	}

	if repo.transactionCount() != 1 {
		t.Fatalf("expected exactly one transaction, got %d", repo.transactionCount())
	}
	if rows := repo.failedRows(); len(rows) != 0 {
		t.Fatalf("expected no failed rows, got %+v", rows)
	}

	keys := dispatcher.keys()
	want := []string{
		domain.IdempotencyKey(pool.ID, "A", 0),
		domain.IdempotencyKey(pool.ID, "A", 1),
		domain.IdempotencyKey(pool.ID, "A", 2),
	}
	if len(keys) != len(want) {
		t.Fatalf("expected %d dispatches, got %v", len(want), keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("dispatch %d: expected key %q, got %q", i, want[i], keys[i])
		}
	}
}

func TestRetryFailedPayments_ExhaustedRowsStayAndAreExcluded(t *testing.T) {
	repo := newMemRepo()
	singleWinnerPool(repo)
	dispatcher := newScriptedDispatcher()
	dispatcher.failNext("@a", 100)
	svc := newTestService(repo, dispatcher, nil)
	ctx := context.Background()

	if _, err := svc.Settle(ctx, "fam-1"); err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}

	var last *RetryResult
	for i := 0; i < svc.MaxRetryAttempts(); i++ {
		result, err := svc.RetryFailedPayments(ctx)
		if err != nil {
			t.Fatalf("retry %d returned error: %v", i, err)
		}
		last = result
	}
	if last.Exhausted != 1 {
		t.Fatalf("expected the final retry to exhaust the row, got %+v", last)
	}

	calls := dispatcher.callCount()
	result, err := svc.RetryFailedPayments(ctx)
	if err != nil {
		t.Fatalf("retry returned error: %v", err)
	}
	if result.Evaluated != 0 {
		t.Fatalf("expected exhausted row to be excluded, got %+v", result)
	}
	if dispatcher.callCount() != calls {
		t.Fatal("expected no dispatch for an exhausted row")
	}

	rows := repo.failedRows()
	if len(rows) != 1 || rows[0].RetryCount != svc.MaxRetryAttempts() {
		t.Fatalf("expected exhausted row to remain, got %+v", rows)
	}
	if rows[0].LastRetryAt == nil || rows[0].ErrorMessage == "" {
		t.Fatalf("expected retry metadata to be recorded, got %+v", rows[0])
	}
}

func TestRetryFailedPayments_UsesCorrectedPaymentMethod(t *testing.T) {
	repo := newMemRepo()
	singleWinnerPool(repo)
	dispatcher := newScriptedDispatcher()
	dispatcher.failNext("@a", 1)
	svc := newTestService(repo, dispatcher, nil)
	ctx := context.Background()

	if _, err := svc.Settle(ctx, "fam-1"); err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}
	if _, err := svc.SetPrimaryPaymentMethod(ctx, "A", "paypal", "a@example.com"); err != nil {
		t.Fatalf("SetPrimaryPaymentMethod returned error: %v", err)
	}

	result, err := svc.RetryFailedPayments(ctx)
	if err != nil {
		t.Fatalf("retry returned error: %v", err)
	}
	if result.Succeeded != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	last := dispatcher.calls[len(dispatcher.calls)-1]
	if last.provider != domain.ProviderPayPal || last.req.AccountID != "a@example.com" {
		t.Fatalf("expected retry through corrected method, got %+v", last)
	}
}

func TestRetryFailedPayments_ConfigurationErrorAbortsWithoutCountingAttempt(t *testing.T) {
	repo := newMemRepo()
	singleWinnerPool(repo)
	dispatcher := newScriptedDispatcher()
	dispatcher.failNext("@a", 1)
	svc := newTestService(repo, dispatcher, nil)
	ctx := context.Background()

	if _, err := svc.Settle(ctx, "fam-1"); err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}

	dispatcher.configErr = true
	if _, err := svc.RetryFailedPayments(ctx); !payments.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	rows := repo.failedRows()
	if len(rows) != 1 || rows[0].RetryCount != 0 {
		t.Fatalf("expected retry count to stay 0, got %+v", rows)
	}

	// The claim was released, so a fixed environment can retry immediately.
	dispatcher.configErr = false
	result, err := svc.RetryFailedPayments(ctx)
	if err != nil {
		t.Fatalf("retry returned error: %v", err)
	}
	if result.Succeeded != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSettle_RedispatchesQueuedWinnerFromInterruptedRun(t *testing.T) {
	repo := newMemRepo()
	pool := singleWinnerPool(repo)
	dispatcher := newScriptedDispatcher()
	svc := newTestService(repo, dispatcher, nil)
	ctx := context.Background()

	// A previous run queued the failure but stopped before marking the pool.
	if _, err := repo.RecordFailedPayment(ctx, &domain.FailedPayment{
		ID: pool.ID, PoolID: pool.ID, UserID: "A", Provider: domain.ProviderVenmo, RecipientAccount: "@a", Amount: 6000, ErrorMessage: "timeout",
	}); err != nil {
		t.Fatalf("seed failed payment: %v", err)
	}

	result, err := svc.Settle(ctx, "fam-1")
	if err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}
	if result.Paid != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(repo.failedRows()) != 0 || repo.transactionCount() != 1 {
		t.Fatal("expected the queued payment to be resolved")
	}
	if key := dispatcher.keys()[0]; key != domain.IdempotencyKey(pool.ID, "A", 1) {
		t.Fatalf("expected retry attempt key, got %q", key)
	}
}

func TestGetPaymentStats(t *testing.T) {
	repo := newMemRepo()
	seedMethods(repo)
	repo.seedCompletedPool("fam-1", 10000, threeWinners(), weekOne)
	repo.seedCompletedPool("fam-2", 4000, []domain.Winner{{UserID: "Z", Rank: 1, PayoutAmount: 2400}}, weekOne)
	dispatcher := newScriptedDispatcher()
	dispatcher.failNext("@c", 1)
	svc := newTestService(repo, dispatcher, nil)
	ctx := context.Background()

	if _, err := svc.Settle(ctx, "fam-1"); err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}

	stats, err := svc.GetPaymentStats(ctx)
	if err != nil {
		t.Fatalf("GetPaymentStats returned error: %v", err)
	}
	want := domain.PaymentStats{TotalPaid: 7500, PendingPayout: 4000, FailedOutstanding: 2500}
	if *stats != want {
		t.Fatalf("expected %+v, got %+v", want, *stats)
	}
}
