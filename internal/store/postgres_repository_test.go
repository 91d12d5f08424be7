package store

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/habithero/reward-service/internal/domain"
	"github.com/habithero/reward-service/internal/store/migrations"
	"github.com/jackc/pgx/v5/pgconn"
)

// valuesRow replays fixed column values into Scan destinations.
type valuesRow []any

func (v valuesRow) Scan(dest ...any) error {
	if len(dest) != len(v) {
		return fmt.Errorf("expected %d destinations, got %d", len(v), len(dest))
	}
	for i, d := range dest {
		switch target := d.(type) {
		case *uuid.UUID:
			*target = v[i].(uuid.UUID)
		case *string:
			*target = v[i].(string)
		case *time.Time:
			*target = v[i].(time.Time)
		case *int64:
			*target = v[i].(int64)
		case *[]string:
			if v[i] != nil {
				*target = v[i].([]string)
			}
		case *[]byte:
			if v[i] != nil {
				*target = v[i].([]byte)
			}
		default:
			return fmt.Errorf("unsupported destination %T", d)
		}
	}
	return nil
}

func TestScanPool_DecodesWinners(t *testing.T) {
	id := uuid.New()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	row := valuesRow{
		id, "fam-1", now, now.Add(domain.PoolWeek), int64(10000),
		[]string{"a", "b"},
		[]byte(`[{"user_id":"a","rank":1,"payout_amount":6000},{"user_id":"b","rank":2,"payout_amount":2500}]`),
		"completed", now, now,
	}

	pool, err := scanPool(row)
	if err != nil {
		t.Fatalf("scanPool returned error: %v", err)
	}
	if pool.Status != domain.PoolStatusCompleted {
		t.Fatalf("expected completed, got %s", pool.Status)
	}
	if len(pool.Winners) != 2 || pool.Winners[0].PayoutAmount != 6000 || pool.Winners[1].UserID != "b" {
		t.Fatalf("unexpected winners: %+v", pool.Winners)
	}
}

func TestScanPool_DefaultsEmptyCollections(t *testing.T) {
	now := time.Now().UTC()
	row := valuesRow{uuid.New(), "fam-1", now, now.Add(domain.PoolWeek), int64(0), nil, nil, "active", now, now}

	pool, err := scanPool(row)
	if err != nil {
		t.Fatalf("scanPool returned error: %v", err)
	}
	if pool.Participants == nil || pool.Winners == nil {
		t.Fatalf("expected empty, non-nil collections, got %+v", pool)
	}
}

func TestScanPool_RejectsCorruptWinners(t *testing.T) {
	now := time.Now().UTC()
	row := valuesRow{uuid.New(), "fam-1", now, now.Add(domain.PoolWeek), int64(0), []string{}, []byte(`{not json`), "completed", now, now}

	if _, err := scanPool(row); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})) {
		t.Fatal("expected wrapped 23505 to be a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatal("expected foreign key violation not to match")
	}
	if isUniqueViolation(errors.New("boom")) {
		t.Fatal("expected plain error not to match")
	}
}

func TestMigrations_AreEmbeddedInOrder(t *testing.T) {
	files, err := fs.Glob(migrations.Migrations, "*.sql")
	if err != nil {
		t.Fatalf("failed to list migrations: %v", err)
	}
	want := []string{"00001_reward_pools.sql", "00002_payments.sql", "00003_habit_source.sql"}
	if len(files) != len(want) {
		t.Fatalf("expected %v, got %v", want, files)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("expected %s at %d, got %s", want[i], i, files[i])
		}
	}
}
