package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
	"github.com/cuongbtq/mediaconv/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

const dateLayout = "2006-01-02"

// Ledger entry kinds, unique per job
const (
	EntryConsume = "CONSUME"
	EntryRefund  = "REFUND"
)

// ErrLimitExceeded is returned by a Store when a charge would overshoot the limit
var ErrLimitExceeded = errors.New("daily quota limit exceeded")

// Usage is one user's record for one UTC day
type Usage struct {
	UsedMb     int `db:"used_mb"`
	RefundedMb int `db:"refunded_mb"`
}

// Charged returns the currently charged megabytes
func (u Usage) Charged() int {
	return u.UsedMb - u.RefundedMb
}

// Charge is a consume request against a user's day
type Charge struct {
	JobID   string
	UserID  string
	Day     time.Time
	SizeMb  int
	LimitMb int
}

// Store persists usage records and per-job ledger entries
type Store interface {
	DailyUsage(ctx context.Context, userID string, day time.Time) (Usage, error)
	// Consume returns domain.ErrConflict when the job was already charged and
	// ErrLimitExceeded when the charge would exceed LimitMb.
	Consume(ctx context.Context, c Charge) error
	// Refund credits the day the job was charged on and returns the credited MB.
	// It returns domain.ErrConflict when the job was already refunded.
	Refund(ctx context.Context, userID, jobID string, sizeMb int) (int, error)
}

// PostgresStore is the sqlx implementation of Store
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a ledger store on db
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) DailyUsage(ctx context.Context, userID string, day time.Time) (Usage, error) {
	var usage Usage
	err := s.db.GetContext(ctx, &usage, `
		SELECT used_mb, refunded_mb
		FROM usage_daily
		WHERE user_id = $1 AND usage_date = $2::date
	`, userID, day.Format(dateLayout))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Usage{}, nil
		}
		return Usage{}, domain.Internal("failed to get daily usage", err)
	}
	return usage, nil
}

func (s *PostgresStore) Consume(ctx context.Context, c Charge) error {
	day := c.Day.Format(dateLayout)

	return postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO quota_ledger_entries (job_id, kind, user_id, usage_date, size_mb)
			VALUES ($1, $2, $3, $4::date, $5)
		`, c.JobID, EntryConsume, c.UserID, day, c.SizeMb)
		if err != nil {
			return translate(err, "failed to insert consume entry")
		}

		// The conditional upsert refuses the charge instead of overshooting the limit
		var usage Usage
		err = tx.GetContext(ctx, &usage, `
			INSERT INTO usage_daily (user_id, usage_date, used_mb, refunded_mb, updated_at)
			SELECT $1::text, $2::date, $3::int, 0, NOW()
			WHERE $3::int <= $4::int
			ON CONFLICT (user_id, usage_date) DO UPDATE
			SET used_mb = usage_daily.used_mb + EXCLUDED.used_mb,
				updated_at = NOW()
			WHERE usage_daily.used_mb - usage_daily.refunded_mb + EXCLUDED.used_mb <= $4::int
			RETURNING used_mb, refunded_mb
		`, c.UserID, day, c.SizeMb, c.LimitMb)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrLimitExceeded
			}
			return domain.Internal("failed to apply usage", err)
		}

		s.logger.Debug("Quota consumed",
			slog.String("job_id", c.JobID),
			slog.String("user_id", c.UserID),
			slog.Int("size_mb", c.SizeMb),
			slog.Int("used_mb", usage.UsedMb),
		)
		return nil
	})
}

func (s *PostgresStore) Refund(ctx context.Context, userID, jobID string, sizeMb int) (int, error) {
	var credited int
	err := postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var consumed struct {
			Day    time.Time `db:"usage_date"`
			SizeMb int       `db:"size_mb"`
		}
		err := tx.GetContext(ctx, &consumed, `
			SELECT usage_date, size_mb
			FROM quota_ledger_entries
			WHERE job_id = $1 AND kind = $2
		`, jobID, EntryConsume)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// never charged, nothing to give back
				return nil
			}
			return domain.Internal("failed to get consume entry", err)
		}

		amount := sizeMb
		if amount > consumed.SizeMb {
			amount = consumed.SizeMb
		}
		day := consumed.Day.Format(dateLayout)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO quota_ledger_entries (job_id, kind, user_id, usage_date, size_mb)
			VALUES ($1, $2, $3, $4::date, $5)
		`, jobID, EntryRefund, userID, day, amount)
		if err != nil {
			return translate(err, "failed to insert refund entry")
		}

		var usage Usage
		err = tx.GetContext(ctx, &usage, `
			UPDATE usage_daily
			SET refunded_mb = LEAST(refunded_mb + $3, used_mb),
				updated_at = NOW()
			WHERE user_id = $1 AND usage_date = $2::date
			RETURNING used_mb, refunded_mb
		`, userID, day, amount)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return domain.Internal("failed to apply refund", err)
		}

		credited = amount
		return nil
	})
	return credited, err
}

func translate(err error, msg string) error {
	if postgresql.IsUniqueViolation(err) {
		return fmt.Errorf("%s: %w", msg, domain.ErrConflict)
	}
	return domain.Internal(msg, err)
}
