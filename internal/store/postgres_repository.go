/**
 * @description
 * PostgreSQL implementation of the ledger store. Pools, contributions,
 * payment methods, the transaction log and the failed-payment queue all live
 * here; components never share in-memory state, only these tables.
 *
 * @notes
 * - Winners are stored as JSONB and marshalled here so the simple query
 *   protocol never has to guess a Go type's wire encoding.
 * - Status transitions are conditional UPDATEs so a stale caller can never
 *   move a pool backwards or skip a state.
 */
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/habithero/reward-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	poolColumns = `id, family_id, week_start, week_end, total_amount, participants, winners, status, created_at, updated_at`

	paymentMethodColumns = `id, user_id, provider, account_id, is_primary, created_at, updated_at`

	failedPaymentColumns = `id, pool_id, user_id, provider, recipient_account, amount, error_message,
		retry_count, last_retry_at, created_at`
)

// PostgresRepository is the pgx-backed ledger store.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanPool(row rowScanner) (*domain.Pool, error) {
	var (
		pool       domain.Pool
		winnersRaw []byte
		status     string
	)
	if err := row.Scan(
		&pool.ID,
		&pool.FamilyID,
		&pool.WeekStart,
		&pool.WeekEnd,
		&pool.TotalAmount,
		&pool.Participants,
		&winnersRaw,
		&status,
		&pool.CreatedAt,
		&pool.UpdatedAt,
	); err != nil {
		return nil, err
	}
	pool.Status = domain.PoolStatus(status)
	if pool.Participants == nil {
		pool.Participants = []string{}
	}
	pool.Winners = []domain.Winner{}
	if len(winnersRaw) > 0 {
		if err := json.Unmarshal(winnersRaw, &pool.Winners); err != nil {
			return nil, fmt.Errorf("failed to decode winners for pool %s: %w", pool.ID, err)
		}
	}
	return &pool, nil
}

func collectPools(rows pgx.Rows) ([]domain.Pool, error) {
	defer rows.Close()

	var pools []domain.Pool
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *pool)
	}
	return pools, rows.Err()
}

// AddContribution grows the family's active pool, creating it first if the
// family has none. Two concurrent first contributions race on the partial
// unique index; the loser re-reads and joins the winner's pool.
func (r *PostgresRepository) AddContribution(ctx context.Context, familyID, userID string, amount int64, now time.Time) (*domain.Pool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	pool, err := lockActivePool(ctx, tx, familyID)
	if errors.Is(err, domain.ErrPoolNotFound) {
		insert := `
			INSERT INTO reward_pools (id, family_id, week_start, week_end, total_amount, participants, status)
			VALUES ($1, $2, $3, $4, 0, '{}', 'active')
			ON CONFLICT (family_id) WHERE status = 'active' DO NOTHING
		`
		start := now.UTC()
		if _, err := tx.Exec(ctx, insert, uuid.New(), familyID, start, start.Add(domain.PoolWeek)); err != nil {
			return nil, fmt.Errorf("failed to create pool: %w", err)
		}
		pool, err = lockActivePool(ctx, tx, familyID)
	}
	if err != nil {
		return nil, err
	}

	update := `
		UPDATE reward_pools
		SET total_amount = total_amount + $2,
		    participants = CASE
		        WHEN $3::text = ANY(participants) THEN participants
		        ELSE array_append(participants, $3::text)
		    END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + poolColumns
	updated, err := scanPool(tx.QueryRow(ctx, update, pool.ID, amount, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to add contribution to pool: %w", err)
	}

	contribution := `
		INSERT INTO pool_contributions (id, pool_id, user_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.Exec(ctx, contribution, uuid.New(), updated.ID, userID, amount, now.UTC()); err != nil {
		return nil, fmt.Errorf("failed to record contribution: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func lockActivePool(ctx context.Context, tx pgx.Tx, familyID string) (*domain.Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM reward_pools WHERE family_id = $1 AND status = 'active' FOR UPDATE`
	pool, err := scanPool(tx.QueryRow(ctx, query, familyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPoolNotFound
		}
		return nil, err
	}
	return pool, nil
}

// GetActivePool returns the family's single active pool.
func (r *PostgresRepository) GetActivePool(ctx context.Context, familyID string) (*domain.Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM reward_pools WHERE family_id = $1 AND status = 'active'`
	pool, err := scanPool(r.db.QueryRow(ctx, query, familyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPoolNotFound
		}
		return nil, err
	}
	return pool, nil
}

// GetPoolByID returns a pool by ID.
func (r *PostgresRepository) GetPoolByID(ctx context.Context, poolID uuid.UUID) (*domain.Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM reward_pools WHERE id = $1`
	pool, err := scanPool(r.db.QueryRow(ctx, query, poolID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPoolNotFound
		}
		return nil, err
	}
	return pool, nil
}

// ListExpiredActivePools returns active pools whose window ended at or before now.
func (r *PostgresRepository) ListExpiredActivePools(ctx context.Context, now time.Time) ([]domain.Pool, error) {
	query := `
		SELECT ` + poolColumns + `
		FROM reward_pools
		WHERE status = 'active'
		  AND week_end <= $1
		ORDER BY week_end ASC
	`
	rows, err := r.db.Query(ctx, query, now.UTC())
	if err != nil {
		return nil, err
	}
	return collectPools(rows)
}

// CompletePool writes the winners and moves an active pool to completed.
func (r *PostgresRepository) CompletePool(ctx context.Context, poolID uuid.UUID, winners []domain.Winner) error {
	if winners == nil {
		winners = []domain.Winner{}
	}
	encoded, err := json.Marshal(winners)
	if err != nil {
		return fmt.Errorf("failed to encode winners: %w", err)
	}

	query := `
		UPDATE reward_pools
		SET winners = $2::jsonb,
		    status = 'completed',
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'active'
	`
	tag, err := r.db.Exec(ctx, query, poolID, string(encoded))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := r.GetPoolByID(ctx, poolID); err != nil {
		return err
	}
	return domain.ErrAlreadyClosed
}

// ListCompletedPools returns a family's pools awaiting payout, oldest first.
func (r *PostgresRepository) ListCompletedPools(ctx context.Context, familyID string) ([]domain.Pool, error) {
	query := `
		SELECT ` + poolColumns + `
		FROM reward_pools
		WHERE family_id = $1
		  AND status = 'completed'
		ORDER BY week_start ASC
	`
	rows, err := r.db.Query(ctx, query, familyID)
	if err != nil {
		return nil, err
	}
	return collectPools(rows)
}

// ListFamiliesWithCompletedPools returns every family that has a pool awaiting payout.
func (r *PostgresRepository) ListFamiliesWithCompletedPools(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT family_id FROM reward_pools WHERE status = 'completed' ORDER BY family_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var families []string
	for rows.Next() {
		var familyID string
		if err := rows.Scan(&familyID); err != nil {
			return nil, err
		}
		families = append(families, familyID)
	}
	return families, rows.Err()
}

// MarkPoolPaidOut moves a completed pool to paid_out.
func (r *PostgresRepository) MarkPoolPaidOut(ctx context.Context, poolID uuid.UUID) error {
	query := `
		UPDATE reward_pools
		SET status = 'paid_out',
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'completed'
	`
	tag, err := r.db.Exec(ctx, query, poolID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	pool, err := r.GetPoolByID(ctx, poolID)
	if err != nil {
		return err
	}
	if pool.Status == domain.PoolStatusPaidOut {
		return domain.ErrAlreadyPaidOut
	}
	return fmt.Errorf("pool %s cannot be paid out from status %q", poolID, pool.Status)
}

// CountCompletions counts habit completions per user for a family in [from, to).
func (r *PostgresRepository) CountCompletions(ctx context.Context, familyID string, userIDs []string, from, to time.Time) (map[string]int, error) {
	counts := make(map[string]int, len(userIDs))
	if len(userIDs) == 0 {
		return counts, nil
	}

	query := `
		SELECT user_id, COUNT(*)
		FROM habit_completions
		WHERE family_id = $1
		  AND user_id = ANY($2)
		  AND completed_at >= $3
		  AND completed_at < $4
		GROUP BY user_id
	`
	rows, err := r.db.Query(ctx, query, familyID, userIDs, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			userID string
			count  int64
		)
		if err := rows.Scan(&userID, &count); err != nil {
			return nil, err
		}
		counts[userID] = int(count)
	}
	return counts, rows.Err()
}

// UserPoints returns the accumulated points for each user.
func (r *PostgresRepository) UserPoints(ctx context.Context, userIDs []string) (map[string]int64, error) {
	points := make(map[string]int64, len(userIDs))
	if len(userIDs) == 0 {
		return points, nil
	}

	rows, err := r.db.Query(ctx, `SELECT id, total_points FROM profiles WHERE id = ANY($1)`, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			userID string
			total  int64
		)
		if err := rows.Scan(&userID, &total); err != nil {
			return nil, err
		}
		points[userID] = total
	}
	return points, rows.Err()
}

func scanPaymentMethod(row rowScanner) (*domain.PaymentMethod, error) {
	var (
		method   domain.PaymentMethod
		provider string
	)
	if err := row.Scan(
		&method.ID,
		&method.UserID,
		&provider,
		&method.AccountID,
		&method.IsPrimary,
		&method.CreatedAt,
		&method.UpdatedAt,
	); err != nil {
		return nil, err
	}
	method.Provider = domain.Provider(provider)
	return &method, nil
}

// GetPrimaryPaymentMethod returns the user's primary payout destination.
func (r *PostgresRepository) GetPrimaryPaymentMethod(ctx context.Context, userID string) (*domain.PaymentMethod, error) {
	query := `SELECT ` + paymentMethodColumns + ` FROM payment_methods WHERE user_id = $1 AND is_primary`
	method, err := scanPaymentMethod(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPaymentMethodNotFound
		}
		return nil, err
	}
	return method, nil
}

// SetPrimaryPaymentMethod stores the method as the user's primary and demotes
// any previous primary in the same transaction.
func (r *PostgresRepository) SetPrimaryPaymentMethod(ctx context.Context, userID string, provider domain.Provider, accountID string) (*domain.PaymentMethod, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Lock the user's rows so concurrent primary changes serialize.
	if _, err := tx.Exec(ctx, `SELECT id FROM payment_methods WHERE user_id = $1 FOR UPDATE`, userID); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `UPDATE payment_methods SET is_primary = FALSE, updated_at = NOW() WHERE user_id = $1 AND is_primary`, userID); err != nil {
		return nil, fmt.Errorf("failed to demote primary payment method: %w", err)
	}

	upsert := `
		INSERT INTO payment_methods (id, user_id, provider, account_id, is_primary)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (user_id, provider, account_id)
		DO UPDATE SET is_primary = TRUE, updated_at = NOW()
		RETURNING ` + paymentMethodColumns
	method, err := scanPaymentMethod(tx.QueryRow(ctx, upsert, uuid.New(), userID, string(provider), accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to set primary payment method: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return method, nil
}

// ListPaymentMethods returns all of a user's payment methods, primary first.
func (r *PostgresRepository) ListPaymentMethods(ctx context.Context, userID string) ([]domain.PaymentMethod, error) {
	query := `SELECT ` + paymentMethodColumns + ` FROM payment_methods WHERE user_id = $1 ORDER BY is_primary DESC, created_at ASC`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var methods []domain.PaymentMethod
	for rows.Next() {
		method, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, err
		}
		methods = append(methods, *method)
	}
	return methods, rows.Err()
}

// HasTransaction reports whether the winner of a pool was already paid.
func (r *PostgresRepository) HasTransaction(ctx context.Context, poolID uuid.UUID, userID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM payment_transactions WHERE pool_id = $1 AND user_id = $2)`
	var exists bool
	if err := r.db.QueryRow(ctx, query, poolID, userID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

const insertTransaction = `
	INSERT INTO payment_transactions (
		id, pool_id, user_id, provider, recipient_account, amount,
		provider_transaction_id, idempotency_key, status, created_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

func transactionArgs(t *domain.PaymentTransaction) []any {
	return []any{
		t.ID, t.PoolID, t.UserID, string(t.Provider), t.RecipientAccount, t.Amount,
		t.ProviderTransactionID, t.IdempotencyKey, t.Status, t.CreatedAt.UTC(),
	}
}

// CreateTransaction appends a payment to the transaction log.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, t *domain.PaymentTransaction) error {
	if _, err := r.db.Exec(ctx, insertTransaction, transactionArgs(t)...); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateTransaction
		}
		return err
	}
	return nil
}

func scanFailedPayment(row rowScanner) (*domain.FailedPayment, error) {
	var (
		fp       domain.FailedPayment
		provider string
	)
	if err := row.Scan(
		&fp.ID,
		&fp.PoolID,
		&fp.UserID,
		&provider,
		&fp.RecipientAccount,
		&fp.Amount,
		&fp.ErrorMessage,
		&fp.RetryCount,
		&fp.LastRetryAt,
		&fp.CreatedAt,
	); err != nil {
		return nil, err
	}
	fp.Provider = domain.Provider(provider)
	return &fp, nil
}

// GetFailedPayment returns the queued failure for a winner, or nil if none.
func (r *PostgresRepository) GetFailedPayment(ctx context.Context, poolID uuid.UUID, userID string) (*domain.FailedPayment, error) {
	query := `SELECT ` + failedPaymentColumns + ` FROM failed_payments WHERE pool_id = $1 AND user_id = $2`
	fp, err := scanFailedPayment(r.db.QueryRow(ctx, query, poolID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return fp, nil
}

// RecordFailedPayment queues a failed payout with retry_count 0, or bumps
// the count if the winner was already queued by an earlier run.
func (r *PostgresRepository) RecordFailedPayment(ctx context.Context, fp *domain.FailedPayment) (*domain.FailedPayment, error) {
	query := `
		INSERT INTO failed_payments (
			id, pool_id, user_id, provider, recipient_account, amount, error_message, retry_count, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
		ON CONFLICT (pool_id, user_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			recipient_account = EXCLUDED.recipient_account,
			error_message = EXCLUDED.error_message,
			retry_count = failed_payments.retry_count + 1,
			last_retry_at = EXCLUDED.created_at,
			claimed_until = NULL
		RETURNING ` + failedPaymentColumns
	return scanFailedPayment(r.db.QueryRow(ctx, query,
		fp.ID, fp.PoolID, fp.UserID, string(fp.Provider), fp.RecipientAccount, fp.Amount, fp.ErrorMessage, fp.CreatedAt.UTC(),
	))
}

// ListRetryableFailedPayments returns queued failures under the retry bound, oldest first.
func (r *PostgresRepository) ListRetryableFailedPayments(ctx context.Context, maxAttempts int) ([]domain.FailedPayment, error) {
	query := `
		SELECT ` + failedPaymentColumns + `
		FROM failed_payments
		WHERE retry_count < $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query, maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.FailedPayment
	for rows.Next() {
		fp, err := scanFailedPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *fp)
	}
	return payments, rows.Err()
}

// ClaimFailedPayment leases a queued failure for one dispatch attempt. It
// returns nil when the row is exhausted, gone, or leased by another run.
func (r *PostgresRepository) ClaimFailedPayment(ctx context.Context, id uuid.UUID, maxAttempts int, now, leaseUntil time.Time) (*domain.FailedPayment, error) {
	query := `
		UPDATE failed_payments
		SET claimed_until = $4
		WHERE id = $1
		  AND retry_count < $2
		  AND (claimed_until IS NULL OR claimed_until < $3)
		RETURNING ` + failedPaymentColumns
	fp, err := scanFailedPayment(r.db.QueryRow(ctx, query, id, maxAttempts, now.UTC(), leaseUntil.UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return fp, nil
}

// ReleaseFailedPaymentClaim drops the lease without counting an attempt.
func (r *PostgresRepository) ReleaseFailedPaymentClaim(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE failed_payments SET claimed_until = NULL WHERE id = $1`, id)
	return err
}

// RecordRetryFailure counts one more failed attempt and releases the lease.
func (r *PostgresRepository) RecordRetryFailure(ctx context.Context, id uuid.UUID, errorMessage string, at time.Time) (*domain.FailedPayment, error) {
	query := `
		UPDATE failed_payments
		SET retry_count = retry_count + 1,
		    error_message = $2,
		    last_retry_at = $3,
		    claimed_until = NULL
		WHERE id = $1
		RETURNING ` + failedPaymentColumns
	fp, err := scanFailedPayment(r.db.QueryRow(ctx, query, id, errorMessage, at.UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed payment %s not found", id)
		}
		return nil, err
	}
	return fp, nil
}

// ResolveFailedPayment records the successful transaction and removes the
// queued failure atomically.
func (r *PostgresRepository) ResolveFailedPayment(ctx context.Context, id uuid.UUID, t *domain.PaymentTransaction) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertTransaction+` ON CONFLICT (pool_id, user_id) DO NOTHING`, transactionArgs(t)...); err != nil {
		return fmt.Errorf("failed to record retried transaction: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM failed_payments WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete resolved failed payment: %w", err)
	}
	return tx.Commit(ctx)
}

// GetPaymentStats aggregates paid, pending and failed amounts.
func (r *PostgresRepository) GetPaymentStats(ctx context.Context) (*domain.PaymentStats, error) {
	query := `
		SELECT
			(SELECT COALESCE(SUM(amount), 0)::BIGINT FROM payment_transactions WHERE status = 'completed'),
			(SELECT COALESCE(SUM(total_amount), 0)::BIGINT FROM reward_pools WHERE status = 'completed'),
			(SELECT COALESCE(SUM(amount), 0)::BIGINT FROM failed_payments)
	`
	var stats domain.PaymentStats
	if err := r.db.QueryRow(ctx, query).Scan(&stats.TotalPaid, &stats.PendingPayout, &stats.FailedOutstanding); err != nil {
		return nil, err
	}
	return &stats, nil
}
