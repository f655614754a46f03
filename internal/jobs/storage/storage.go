package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
	"github.com/cuongbtq/mediaconv/shared/postgresql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `
	j.id, j.user_id, j.org_id, j.feature_id, f.slug AS feature_slug, f.media_type,
	j.status, j.params, j.input_size_mb, j.priority, j.attempt, j.max_attempts,
	j.idempotency_key, j.utm_source, j.utm_campaign, j.error, j.worker_id,
	j.queued_at, j.started_at, j.completed_at, j.created_at, j.updated_at
`

const jobFrom = `FROM jobs j JOIN features f ON f.id = j.feature_id`

const fileColumns = `id, job_id, kind, storage_provider, bucket, key, mime_type, size_mb, created_at`

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx
type queryer interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Storage is the Postgres-backed job store
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// JobFilter selects a page of a user's jobs, newest first
type JobFilter struct {
	UserID   string
	Status   domain.Status
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position of the last job on the previous page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// CreateJob inserts the job row and its files in one transaction.
// A duplicate (user_id, idempotency_key) yields domain.ErrConflict.
func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	insertJob := `
		INSERT INTO jobs (
			id, user_id, org_id, feature_id, status, params, input_size_mb,
			priority, attempt, max_attempts, idempotency_key, utm_source, utm_campaign,
			queued_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16
		)
	`

	err := postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, insertJob,
			job.ID,
			job.UserID,
			job.OrgID,
			job.FeatureID,
			job.Status,
			job.Params,
			job.InputSizeMb,
			job.Priority,
			job.Attempt,
			job.MaxAttempts,
			job.IdempotencyKey,
			job.UTMSource,
			job.UTMCampaign,
			job.QueuedAt,
			job.CreatedAt,
			job.UpdatedAt,
		)
		if err != nil {
			return translate(err, "failed to insert job")
		}

		for i := range job.Files {
			if err := insertFile(ctx, tx, &job.Files[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Job persisted",
		slog.String("job_id", job.ID),
		slog.String("user_id", job.UserID),
	)
	return nil
}

// GetJob loads a job and its files by ID
func (s *Storage) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return getJob(ctx, s.db, `WHERE j.id = $1`, jobID)
}

// GetJobForUser loads a job only when it is owned by userID
func (s *Storage) GetJobForUser(ctx context.Context, userID, jobID string) (*domain.Job, error) {
	return getJob(ctx, s.db, `WHERE j.id = $1 AND j.user_id = $2`, jobID, userID)
}

// FindByIdempotencyKey returns the job a user created with the given key
func (s *Storage) FindByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Job, error) {
	return getJob(ctx, s.db, `WHERE j.user_id = $1 AND j.idempotency_key = $2`, userID, key)
}

// ListJobs returns up to PageSize+1 jobs so callers can detect a further page
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + jobFrom + ` WHERE j.user_id = $1`
	args := []interface{}{filter.UserID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND j.status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (j.created_at, j.id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, id DESC for consistent pagination
	query += " ORDER BY j.created_at DESC, j.id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, domain.Internal("failed to list jobs", err)
	}

	return jobs, nil
}

// UpdateStatus applies upd only if the job is still in expected.
// It returns domain.ErrStaleStatus when another writer moved the job first.
func (s *Storage) UpdateStatus(ctx context.Context, jobID string, expected domain.Status, upd domain.StatusUpdate) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
			started_at = COALESCE(started_at, $2),
			completed_at = COALESCE($3, completed_at),
			error = CASE WHEN $4::boolean THEN $5::text ELSE error END,
			worker_id = COALESCE($6::text, worker_id),
			updated_at = NOW()
		WHERE id = $7
		  AND status = $8
	`

	var job *domain.Job
	err := postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query,
			upd.Status,
			upd.StartedAt,
			upd.CompletedAt,
			upd.SetError,
			upd.Error,
			upd.WorkerID,
			jobID,
			expected,
		)
		if err != nil {
			return translate(err, "failed to update job status")
		}

		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return domain.Internal("failed to get rows affected", err)
		}
		if rowsAffected == 0 {
			return domain.ErrStaleStatus
		}

		if upd.Output != nil {
			upd.Output.JobID = jobID
			if err := insertOutputFile(ctx, tx, upd.Output); err != nil {
				return err
			}
		}

		job, err = getJob(ctx, tx, `WHERE j.id = $1`, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("from", string(expected)),
		slog.String("status", string(upd.Status)),
	)

	return job, nil
}

// ListStaleProcessing returns IDs of jobs that have been PROCESSING since before olderThan
func (s *Storage) ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	query := `
		SELECT id
		FROM jobs
		WHERE status = $1
		  AND started_at < $2
		ORDER BY started_at
		LIMIT $3
	`

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, domain.StatusProcessing, olderThan, limit); err != nil {
		return nil, domain.Internal("failed to list stale jobs", err)
	}
	return ids, nil
}

func getJob(ctx context.Context, q queryer, where string, args ...interface{}) (*domain.Job, error) {
	var job domain.Job
	err := q.GetContext(ctx, &job, `SELECT `+jobColumns+jobFrom+` `+where, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, domain.Internal("failed to get job", err)
	}

	files := []domain.File{}
	err = q.SelectContext(ctx, &files,
		`SELECT `+fileColumns+` FROM job_files WHERE job_id = $1 ORDER BY created_at, kind`,
		job.ID,
	)
	if err != nil {
		return nil, domain.Internal("failed to get job files", err)
	}
	job.Files = files

	return &job, nil
}

func insertFile(ctx context.Context, q queryer, file *domain.File) error {
	prepareFile(file)
	_, err := q.ExecContext(ctx, `
		INSERT INTO job_files (`+fileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		file.ID, file.JobID, file.Kind, file.StorageProvider, file.Bucket,
		file.Key, file.MimeType, file.SizeMb, file.CreatedAt,
	)
	if err != nil {
		return translate(err, "failed to insert job file")
	}
	return nil
}

// insertOutputFile is a no-op when the job already has an OUTPUT file
func insertOutputFile(ctx context.Context, q queryer, file *domain.File) error {
	prepareFile(file)
	_, err := q.ExecContext(ctx, `
		INSERT INTO job_files (`+fileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id, kind) DO NOTHING
	`,
		file.ID, file.JobID, domain.FileKindOutput, file.StorageProvider, file.Bucket,
		file.Key, file.MimeType, file.SizeMb, file.CreatedAt,
	)
	if err != nil {
		return translate(err, "failed to insert output file")
	}
	return nil
}

func prepareFile(file *domain.File) {
	if file.ID == "" {
		file.ID = uuid.New().String()
	}
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}
	if file.StorageProvider == "" {
		file.StorageProvider = domain.StorageProviderR2
	}
}

// translate maps driver errors onto the domain taxonomy
func translate(err error, msg string) error {
	if postgresql.IsUniqueViolation(err) {
		return fmt.Errorf("%s: %w", msg, domain.ErrConflict)
	}
	return domain.Internal(msg, err)
}
