/**
 * @description
 * Payout outcome events published to the message broker. Downstream
 * consumers (notifications, analytics) treat them as write-only facts.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventPoolClosed    = "pool.closed"
	EventPayoutPaid    = "payout.paid"
	EventPayoutFailed  = "payout.failed"
	EventPayoutSkipped = "payout.skipped"
	EventPoolPaidOut   = "pool.paid_out"
)

// PayoutEvent describes the outcome of one payout or pool transition.
type PayoutEvent struct {
	PoolID                uuid.UUID `json:"pool_id"`
	FamilyID              string    `json:"family_id,omitempty"`
	UserID                string    `json:"user_id,omitempty"`
	Rank                  int       `json:"rank,omitempty"`
	Amount                int64     `json:"amount,omitempty"`
	Provider              Provider  `json:"provider,omitempty"`
	ProviderTransactionID string    `json:"provider_transaction_id,omitempty"`
	RetryCount            int       `json:"retry_count,omitempty"`
	FailureReason         string    `json:"failure_reason,omitempty"`
	Timestamp             time.Time `json:"timestamp"`
}
