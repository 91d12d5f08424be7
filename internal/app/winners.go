package app

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/habithero/reward-service/internal/domain"
)

// payoutShares are the percentage shares for ranks 1..3.
var payoutShares = []int64{60, 25, 15}

// CloseResult summarizes a close-expired-pools run.
type CloseResult struct {
	Evaluated int `json:"evaluated"`
	Closed    int `json:"closed"`
	Failed    int `json:"failed"`
}

// ClosePool ranks the participants of an active pool, records the winners
// and moves it to completed. A pool that is already closed is returned
// unchanged together with domain.ErrAlreadyClosed.
func (s *Service) ClosePool(ctx context.Context, poolID uuid.UUID) (*domain.Pool, error) {
	pool, err := s.repo.GetPoolByID(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool.Status != domain.PoolStatusActive {
		return pool, domain.ErrAlreadyClosed
	}

	counts, err := s.repo.CountCompletions(ctx, pool.FamilyID, pool.Participants, pool.WeekStart, pool.WeekEnd)
	if err != nil {
		return nil, err
	}
	points, err := s.repo.UserPoints(ctx, pool.Participants)
	if err != nil {
		return nil, err
	}

	ranked := RankParticipants(pool.Participants, counts, points)
	winners := SplitPayouts(pool.TotalAmount, ranked)

	if err := s.repo.CompletePool(ctx, pool.ID, winners); err != nil {
		if errors.Is(err, domain.ErrAlreadyClosed) {
			// Closed concurrently; report the stored winners, not ours.
			current, getErr := s.repo.GetPoolByID(ctx, pool.ID)
			if getErr != nil {
				return nil, getErr
			}
			return current, domain.ErrAlreadyClosed
		}
		return nil, err
	}

	pool.Winners = winners
	pool.Status = domain.PoolStatusCompleted

	s.logger.Info("pool closed", "pool_id", pool.ID, "family_id", pool.FamilyID, "winners", len(winners), "allocated", pool.AllocatedAmount(), "total", pool.TotalAmount)
	s.publishEvent(ctx, domain.EventPoolClosed, domain.PayoutEvent{
		PoolID:   pool.ID,
		FamilyID: pool.FamilyID,
		Amount:   pool.TotalAmount,
	})

	return pool, nil
}

// CloseExpiredPools closes every active pool whose week has ended.
// A failure on one pool does not stop the others.
func (s *Service) CloseExpiredPools(ctx context.Context) (*CloseResult, error) {
	pools, err := s.repo.ListExpiredActivePools(ctx, s.now())
	if err != nil {
		return nil, err
	}

	result := &CloseResult{Evaluated: len(pools)}
	for _, pool := range pools {
		if _, err := s.ClosePool(ctx, pool.ID); err != nil {
			if errors.Is(err, domain.ErrAlreadyClosed) {
				continue
			}
			s.logger.Error("failed to close pool", "pool_id", pool.ID, "family_id", pool.FamilyID, "error", err)
			result.Failed++
			continue
		}
		result.Closed++
	}

	return result, nil
}

// RankParticipants orders participants by completions desc, then points
// desc, then user ID asc. Participants without completions are ranked too.
func RankParticipants(participants []string, completions map[string]int, points map[string]int64) []string {
	ranked := make([]string, 0, len(participants))
	seen := make(map[string]bool, len(participants))
	for _, id := range participants {
		if seen[id] {
			continue
		}
		seen[id] = true
		ranked = append(ranked, id)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if completions[a] != completions[b] {
			return completions[a] > completions[b]
		}
		if points[a] != points[b] {
			return points[a] > points[b]
		}
		return a < b
	})
	return ranked
}

// SplitPayouts assigns the 60/25/15 shares of total to the first three
// ranked users. Each share is floored to the cent; the remainder stays
// unallocated.
func SplitPayouts(total int64, ranked []string) []domain.Winner {
	n := len(ranked)
	if n > len(payoutShares) {
		n = len(payoutShares)
	}

	winners := make([]domain.Winner, 0, n)
	for i := 0; i < n; i++ {
		winners = append(winners, domain.Winner{
			UserID:       ranked[i],
			Rank:         i + 1,
			PayoutAmount: total * payoutShares[i] / 100,
		})
	}
	return winners
}
