//go:build integration

package quota

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
	"github.com/cuongbtq/mediaconv/shared/postgresql"
)

// openTestDB connects to MEDIACONV_TEST_POSTGRES_DSN and applies the migrations
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	dsn := os.Getenv("MEDIACONV_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MEDIACONV_TEST_POSTGRES_DSN is not set")
	}

	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, postgresql.RunMigrations(db.DB))
	return db
}

func TestPostgresStore_ConsumeAndRefund(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresStore(openTestDB(t), slog.New(slog.NewTextHandler(io.Discard, nil)))

	userID := "user-" + uuid.NewString()
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	jobA, jobB := uuid.NewString(), uuid.NewString()

	require.NoError(t, store.Consume(ctx, Charge{JobID: jobA, UserID: userID, Day: day, SizeMb: 60, LimitMb: 100}))

	err := store.Consume(ctx, Charge{JobID: jobA, UserID: userID, Day: day, SizeMb: 60, LimitMb: 100})
	assert.ErrorIs(t, err, domain.ErrConflict)

	// refused charges leave no ledger entry behind
	err = store.Consume(ctx, Charge{JobID: jobB, UserID: userID, Day: day, SizeMb: 41, LimitMb: 100})
	assert.ErrorIs(t, err, ErrLimitExceeded)
	require.NoError(t, store.Consume(ctx, Charge{JobID: jobB, UserID: userID, Day: day, SizeMb: 40, LimitMb: 100}))

	usage, err := store.DailyUsage(ctx, userID, day)
	require.NoError(t, err)
	assert.Equal(t, Usage{UsedMb: 100, RefundedMb: 0}, usage)

	credited, err := store.Refund(ctx, userID, jobA, 500)
	require.NoError(t, err)
	assert.Equal(t, 60, credited)

	_, err = store.Refund(ctx, userID, jobA, 60)
	assert.ErrorIs(t, err, domain.ErrConflict)

	credited, err = store.Refund(ctx, userID, uuid.NewString(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, credited)

	usage, err = store.DailyUsage(ctx, userID, day)
	require.NoError(t, err)
	assert.Equal(t, 40, usage.Charged())
}

func TestPostgresStore_ConcurrentConsumesNeverOvershoot(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresStore(openTestDB(t), slog.New(slog.NewTextHandler(io.Discard, nil)))

	userID := "user-" + uuid.NewString()
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Consume(ctx, Charge{JobID: uuid.NewString(), UserID: userID, Day: day, SizeMb: 10, LimitMb: 95})
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrLimitExceeded)
		}()
	}
	wg.Wait()

	assert.Equal(t, 9, admitted)
	usage, err := store.DailyUsage(ctx, userID, day)
	require.NoError(t, err)
	assert.Equal(t, 90, usage.UsedMb)
}
