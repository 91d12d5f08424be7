/**
 * @description
 * Domain models for payout dispatch: payment methods, the immutable
 * transaction log and the mutable failed-payment retry queue.
 */
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provider identifies a supported payment provider.
type Provider string

const (
	ProviderVenmo  Provider = "venmo"
	ProviderPayPal Provider = "paypal"
)

// SupportedProviders is the closed set of providers a payment method may use.
var SupportedProviders = []Provider{ProviderVenmo, ProviderPayPal}

// ParseProvider normalizes and validates a provider name.
func ParseProvider(raw string) (Provider, error) {
	candidate := Provider(strings.ToLower(strings.TrimSpace(raw)))
	for _, p := range SupportedProviders {
		if p == candidate {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, raw)
}

// PaymentMethod binds a user to a provider account.
type PaymentMethod struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Provider  Provider  `json:"provider"`
	AccountID string    `json:"account_id"`
	IsPrimary bool      `json:"is_primary"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransactionStatusCompleted is recorded for every successful dispatch.
const TransactionStatusCompleted = "completed"

// PaymentTransaction is the insert-only audit record of a successful payout.
type PaymentTransaction struct {
	ID                    uuid.UUID `json:"id"`
	PoolID                uuid.UUID `json:"pool_id"`
	UserID                string    `json:"user_id"`
	Provider              Provider  `json:"provider"`
	RecipientAccount      string    `json:"recipient_account"`
	Amount                int64     `json:"amount"`
	ProviderTransactionID string    `json:"provider_transaction_id"`
	IdempotencyKey        string    `json:"idempotency_key"`
	Status                string    `json:"status"`
	CreatedAt             time.Time `json:"created_at"`
}

// FailedPayment is a payout waiting in the retry queue.
type FailedPayment struct {
	ID               uuid.UUID  `json:"id"`
	PoolID           uuid.UUID  `json:"pool_id"`
	UserID           string     `json:"user_id"`
	Provider         Provider   `json:"provider"`
	RecipientAccount string     `json:"recipient_account"`
	Amount           int64      `json:"amount"`
	ErrorMessage     string     `json:"error_message"`
	RetryCount       int        `json:"retry_count"`
	LastRetryAt      *time.Time `json:"last_retry_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// PaymentStats is the read-only reporting aggregate.
type PaymentStats struct {
	TotalPaid         int64 `json:"total_paid"`
	PendingPayout     int64 `json:"pending_payout"`
	FailedOutstanding int64 `json:"failed_outstanding"`
}

// IdempotencyKey builds the provider idempotency key for one payout attempt.
// Attempt 0 is the first settlement dispatch; retries use retry_count+1.
func IdempotencyKey(poolID uuid.UUID, userID string, attempt int) string {
	return fmt.Sprintf("payout:%s:%s:%d", poolID, userID, attempt)
}
