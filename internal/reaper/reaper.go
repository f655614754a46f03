package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
	"github.com/cuongbtq/mediaconv/internal/jobs/service"
	"github.com/cuongbtq/mediaconv/internal/metrics"
)

// TimeoutMessage is the error recorded on reaped jobs
const TimeoutMessage = "Job timed out"

// StaleLister finds jobs stuck in PROCESSING
type StaleLister interface {
	ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
}

// StatusReporter applies a status report through the lifecycle reconciler
type StatusReporter interface {
	ReportStatus(ctx context.Context, jobID string, report service.StatusReport) (*domain.Job, error)
}

// Config holds reaper configuration
type Config struct {
	Logger      *slog.Logger
	Store       StaleLister
	Jobs        StatusReporter
	Metrics     *metrics.Metrics
	InstanceID  string
	StaleAfter  time.Duration
	Interval    time.Duration
	Concurrency int
	BatchSize   int
	Now         func() time.Time
}

// Reaper fails jobs that have been PROCESSING longer than StaleAfter
type Reaper struct {
	logger      *slog.Logger
	store       StaleLister
	jobs        StatusReporter
	metrics     *metrics.Metrics
	instanceID  string
	staleAfter  time.Duration
	interval    time.Duration
	concurrency int
	batchSize   int
	now         func() time.Time
	stopChan    chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
}

// New creates a reaper instance
func New(cfg *Config) *Reaper {
	r := &Reaper{
		logger:      cfg.Logger,
		store:       cfg.Store,
		jobs:        cfg.Jobs,
		metrics:     cfg.Metrics,
		instanceID:  cfg.InstanceID,
		staleAfter:  cfg.StaleAfter,
		interval:    cfg.Interval,
		concurrency: cfg.Concurrency,
		batchSize:   cfg.BatchSize,
		now:         cfg.Now,
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	if r.concurrency <= 0 {
		r.concurrency = 1
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Start sweeps immediately and then on every interval until ctx is canceled or Stop is called
func (r *Reaper) Start(ctx context.Context) error {
	defer close(r.done)

	r.logger.Info("Starting reaper",
		slog.String("instance_id", r.instanceID),
		slog.Duration("stale_after", r.staleAfter),
		slog.Duration("interval", r.interval),
		slog.Int("concurrency", r.concurrency),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("Reaper sweep failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			r.logger.Info("Reaper context canceled, stopping...")
			return nil
		case <-r.stopChan:
			return nil
		case <-ticker.C:
		}
	}
}

// Stop asks the loop to exit and waits for the in-flight sweep to finish
func (r *Reaper) Stop() {
	r.logger.Info("Stopping reaper...")
	r.stopOnce.Do(func() { close(r.stopChan) })
	<-r.done
	r.logger.Info("Reaper stopped")
}

// Sweep reaps one batch of stale jobs and returns how many were failed
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.staleAfter)

	ids, err := r.store.ListStaleProcessing(ctx, cutoff, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		r.logger.Debug("No stale jobs", slog.Time("cutoff", cutoff))
		return 0, nil
	}

	r.logger.Info("Reaping stale jobs",
		slog.Int("count", len(ids)),
		slog.Time("cutoff", cutoff),
	)

	reaped := r.runPool(ctx, ids)

	r.logger.Info("Reaper sweep complete",
		slog.Int("found", len(ids)),
		slog.Int("reaped", reaped),
	)
	return reaped, nil
}
