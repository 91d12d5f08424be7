/**
 * @description
 * Domain models for the weekly family reward pool.
 *
 * @notes
 * - All money values are int64 minor units (cents). Two-decimal strings only
 *   exist at the payment provider boundary.
 * - A pool only moves forward: active -> completed -> paid_out.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// PoolStatus is the lifecycle state of a weekly pool.
type PoolStatus string

const (
	PoolStatusActive    PoolStatus = "active"
	PoolStatusCompleted PoolStatus = "completed"
	PoolStatusPaidOut   PoolStatus = "paid_out"
)

// PoolWeek is the length of one pool window.
const PoolWeek = 7 * 24 * time.Hour

// Pool is a family's escrow of contributions for one week.
type Pool struct {
	ID           uuid.UUID  `json:"id"`
	FamilyID     string     `json:"family_id"`
	WeekStart    time.Time  `json:"week_start"`
	WeekEnd      time.Time  `json:"week_end"`
	TotalAmount  int64      `json:"total_amount"`
	Participants []string   `json:"participants"`
	Winners      []Winner   `json:"winners"`
	Status       PoolStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Winner is a ranked participant entitled to a share of the pool.
type Winner struct {
	UserID       string `json:"user_id"`
	Rank         int    `json:"rank"`
	PayoutAmount int64  `json:"payout_amount"`
}

// Contribution is the audit row for one member's addition to a pool.
type Contribution struct {
	ID        uuid.UUID `json:"id"`
	PoolID    uuid.UUID `json:"pool_id"`
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// HasParticipant reports whether userID already contributed to the pool.
func (p *Pool) HasParticipant(userID string) bool {
	for _, id := range p.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// AllocatedAmount is the sum of all winner payouts.
func (p *Pool) AllocatedAmount() int64 {
	var sum int64
	for _, w := range p.Winners {
		sum += w.PayoutAmount
	}
	return sum
}

// ContainsTime reports whether t falls inside the half-open pool window.
func (p *Pool) ContainsTime(t time.Time) bool {
	return !t.Before(p.WeekStart) && t.Before(p.WeekEnd)
}

// CanTransitionTo enforces strictly forward, one-step status changes.
func (s PoolStatus) CanTransitionTo(next PoolStatus) bool {
	switch s {
	case PoolStatusActive:
		return next == PoolStatusCompleted
	case PoolStatusCompleted:
		return next == PoolStatusPaidOut
	default:
		return false
	}
}
