//go:build integration

package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
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

// openTestDB connects to MEDIACONV_TEST_POSTGRES_DSN, applies the migrations
// and seeds one feature row for jobs to reference
func openTestDB(t *testing.T) (*sqlx.DB, string) {
	t.Helper()

	dsn := os.Getenv("MEDIACONV_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MEDIACONV_TEST_POSTGRES_DSN is not set")
	}

	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, postgresql.RunMigrations(db.DB))

	featureID := uuid.NewString()
	_, err = db.Exec(`
		INSERT INTO features (id, slug, title, media_type, is_enabled)
		VALUES ($1, $2, 'Resize', 'IMAGE', TRUE)
	`, featureID, "image.resize."+featureID)
	require.NoError(t, err)

	return db, featureID
}

func newQueuedJob(featureID, userID string, key *string) *domain.Job {
	now := time.Now().UTC().Truncate(time.Millisecond)
	sizeMb := 3
	mimeType := "image/png"
	jobID := uuid.NewString()
	return &domain.Job{
		ID:             jobID,
		UserID:         userID,
		OrgID:          "org-1",
		FeatureID:      featureID,
		Status:         domain.StatusQueued,
		Params:         domain.Params{"width": float64(640)},
		InputSizeMb:    sizeMb,
		Priority:       5,
		MaxAttempts:    3,
		IdempotencyKey: key,
		QueuedAt:       now,
		CreatedAt:      now,
		UpdatedAt:      now,
		Files: []domain.File{{
			JobID:    jobID,
			Kind:     domain.FileKindInput,
			Bucket:   "media",
			Key:      "uploads/photo.png",
			MimeType: &mimeType,
			SizeMb:   &sizeMb,
		}},
	}
}

func TestStorage_CreateJobIdempotencyConflict(t *testing.T) {
	ctx := context.Background()
	db, featureID := openTestDB(t)
	s := NewStorage(db, slog.New(slog.NewTextHandler(io.Discard, nil)))

	userID := "user-" + uuid.NewString()
	key := "key-1"

	first := newQueuedJob(featureID, userID, &key)
	require.NoError(t, s.CreateJob(ctx, first))

	err := s.CreateJob(ctx, newQueuedJob(featureID, userID, &key))
	assert.ErrorIs(t, err, domain.ErrConflict)

	found, err := s.FindByIdempotencyKey(ctx, userID, key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
	require.NotNil(t, found.InputFile())
	assert.Equal(t, "uploads/photo.png", found.InputFile().Key)
}

func TestStorage_UpdateStatusIsConditional(t *testing.T) {
	ctx := context.Background()
	db, featureID := openTestDB(t)
	s := NewStorage(db, slog.New(slog.NewTextHandler(io.Discard, nil)))

	job := newQueuedJob(featureID, "user-"+uuid.NewString(), nil)
	require.NoError(t, s.CreateJob(ctx, job))

	startedAt := time.Now().UTC()
	workerID := "worker-1"
	updated, err := s.UpdateStatus(ctx, job.ID, domain.StatusQueued, domain.StatusUpdate{
		Status:    domain.StatusProcessing,
		StartedAt: &startedAt,
		WorkerID:  &workerID,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, updated.Status)
	assert.Equal(t, &workerID, updated.WorkerID)
	require.NotNil(t, updated.StartedAt)

	// a writer that still believes the job is QUEUED loses
	_, err = s.UpdateStatus(ctx, job.ID, domain.StatusQueued, domain.StatusUpdate{Status: domain.StatusCancelled})
	assert.ErrorIs(t, err, domain.ErrStaleStatus)

	completedAt := time.Now().UTC()
	outputSize := 1
	completed, err := s.UpdateStatus(ctx, job.ID, domain.StatusProcessing, domain.StatusUpdate{
		Status:      domain.StatusCompleted,
		CompletedAt: &completedAt,
		SetError:    true,
		Output:      &domain.File{Bucket: "media", Key: "outputs/photo.png", SizeMb: &outputSize},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, completed.Status)
	assert.Nil(t, completed.Error)
	require.NotNil(t, completed.OutputFile())
	assert.Equal(t, "outputs/photo.png", completed.OutputFile().Key)
	assert.Len(t, completed.Files, 2)

	_, err = s.UpdateStatus(ctx, job.ID, domain.StatusProcessing, domain.StatusUpdate{Status: domain.StatusFailed})
	assert.ErrorIs(t, err, domain.ErrStaleStatus)
}
