// Package quota tracks per-user daily byte budgets and applies idempotent
// per-job charges and refunds against them.
package quota

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
	"github.com/cuongbtq/mediaconv/internal/metrics"
)

// DefaultDailyLimitMb applies when no plan can be resolved for a user
const DefaultDailyLimitMb = 100

// PlanResolver looks up the daily quota of the user's primary organization plan
type PlanResolver interface {
	DailyQuotaMb(ctx context.Context, userID string) (int, bool, error)
}

// Check is the read-only answer to "can userID spend sizeMb today"
type Check struct {
	Allowed   bool
	Remaining int
	Limit     int
	Used      int
}

// Info is the quota summary shown to users
type Info struct {
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Config holds ledger dependencies
type Config struct {
	Store        Store
	Plans        PlanResolver
	DefaultLimit int
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Ledger is the quota ledger service
type Ledger struct {
	store        Store
	plans        PlanResolver
	defaultLimit int
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewLedger creates a new Ledger
func NewLedger(cfg *Config) *Ledger {
	l := &Ledger{
		store:        cfg.Store,
		plans:        cfg.Plans,
		defaultLimit: cfg.DefaultLimit,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
	}
	if l.defaultLimit <= 0 {
		l.defaultLimit = DefaultDailyLimitMb
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Today returns the current UTC day at midnight
func (l *Ledger) Today() time.Time {
	return dayOf(l.now())
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Limit returns the user's daily limit in MB. It never fails: an unresolvable
// plan falls back to the default limit.
func (l *Ledger) Limit(ctx context.Context, userID string) int {
	if l.plans == nil {
		return l.defaultLimit
	}

	limit, ok, err := l.plans.DailyQuotaMb(ctx, userID)
	if err != nil {
		l.logger.Warn("Failed to resolve plan quota, using default",
			slog.String("user_id", userID),
			slog.Int("default_mb", l.defaultLimit),
			slog.Any("error", err),
		)
		return l.defaultLimit
	}
	if !ok {
		return l.defaultLimit
	}
	return limit
}

// DailyUsage returns used minus refunded MB for today
func (l *Ledger) DailyUsage(ctx context.Context, userID string) (int, error) {
	usage, err := l.store.DailyUsage(ctx, userID, l.Today())
	if err != nil {
		return 0, err
	}
	return usage.Charged(), nil
}

// Check reports whether sizeMb fits in today's remaining budget. It has no side effects.
func (l *Ledger) Check(ctx context.Context, userID string, sizeMb int) (Check, error) {
	limit := l.Limit(ctx, userID)
	used, err := l.DailyUsage(ctx, userID)
	if err != nil {
		return Check{}, err
	}

	remaining := limit - used
	return Check{
		Allowed:   remaining >= sizeMb,
		Remaining: remaining,
		Limit:     limit,
		Used:      used,
	}, nil
}

// Validate fails with a *domain.QuotaError when Check does not allow sizeMb
func (l *Ledger) Validate(ctx context.Context, userID string, sizeMb int) error {
	check, err := l.Check(ctx, userID, sizeMb)
	if err != nil {
		return err
	}
	if !check.Allowed {
		l.metrics.QuotaRejected()
		return &domain.QuotaError{
			Remaining: check.Remaining,
			Needed:    sizeMb,
			Limit:     check.Limit,
			Used:      check.Used,
		}
	}
	return nil
}

// Consume charges sizeMb to userID for jobID. A second charge for the same job
// returns domain.ErrConflict; a charge over the limit returns *domain.QuotaError.
func (l *Ledger) Consume(ctx context.Context, userID, jobID string, sizeMb int) error {
	limit := l.Limit(ctx, userID)

	err := l.store.Consume(ctx, Charge{
		JobID:   jobID,
		UserID:  userID,
		Day:     l.Today(),
		SizeMb:  sizeMb,
		LimitMb: limit,
	})
	if errors.Is(err, ErrLimitExceeded) {
		used, usageErr := l.DailyUsage(ctx, userID)
		if usageErr != nil {
			return usageErr
		}
		l.metrics.QuotaRejected()
		return &domain.QuotaError{
			Remaining: limit - used,
			Needed:    sizeMb,
			Limit:     limit,
			Used:      used,
		}
	}
	return err
}

// Refund gives back the charge for jobID. A second refund returns domain.ErrConflict.
func (l *Ledger) Refund(ctx context.Context, userID, jobID string, sizeMb int) error {
	credited, err := l.store.Refund(ctx, userID, jobID, sizeMb)
	if err != nil {
		return err
	}

	if credited == 0 {
		l.logger.Debug("Nothing to refund for job", slog.String("job_id", jobID))
		return nil
	}

	l.metrics.QuotaRefunded(credited)
	l.logger.Info("Quota refunded",
		slog.String("user_id", userID),
		slog.String("job_id", jobID),
		slog.Int("size_mb", credited),
	)
	return nil
}

// Info returns the user's limit, usage and next reset time
func (l *Ledger) Info(ctx context.Context, userID string) (Info, error) {
	limit := l.Limit(ctx, userID)
	used, err := l.DailyUsage(ctx, userID)
	if err != nil {
		return Info{}, err
	}

	return Info{
		Limit:     limit,
		Used:      used,
		Remaining: limit - used,
		ResetAt:   l.Today().Add(24 * time.Hour),
	}, nil
}
