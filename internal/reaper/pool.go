package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
	"github.com/cuongbtq/mediaconv/internal/jobs/service"
)

// runPool fans ids out to the worker goroutines and waits for all of them
func (r *Reaper) runPool(ctx context.Context, ids []string) int {
	jobsChan := make(chan string)
	var reaped atomic.Int64
	var wg sync.WaitGroup

	workers := min(r.concurrency, len(ids))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go r.workerLoop(ctx, i, jobsChan, &wg, &reaped)
	}

feed:
	for _, id := range ids {
		select {
		case jobsChan <- id:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobsChan)
	wg.Wait()

	return int(reaped.Load())
}

func (r *Reaper) workerLoop(ctx context.Context, workerNum int, jobsChan <-chan string, wg *sync.WaitGroup, reaped *atomic.Int64) {
	defer wg.Done()

	workerName := fmt.Sprintf("%s-%d", r.instanceID, workerNum)
	for jobID := range jobsChan {
		if r.reap(ctx, workerName, jobID) {
			reaped.Add(1)
		}
	}
}

// reap reports FAILED for one job. Jobs that moved on since listing are skipped.
func (r *Reaper) reap(ctx context.Context, workerName, jobID string) bool {
	msg := TimeoutMessage
	job, err := r.jobs.ReportStatus(ctx, jobID, service.StatusReport{
		Status:   domain.StatusFailed,
		Error:    &msg,
		WorkerID: &r.instanceID,
	})
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindValidation, domain.KindNotFound:
			r.logger.Debug("Stale job already settled",
				slog.String("worker_name", workerName),
				slog.String("job_id", jobID),
				slog.String("reason", err.Error()),
			)
		default:
			r.logger.Error("Failed to reap job",
				slog.String("worker_name", workerName),
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
		return false
	}

	r.metrics.JobReaped()
	r.logger.Warn("Job timed out",
		slog.String("worker_name", workerName),
		slog.String("job_id", jobID),
		slog.String("status", string(job.Status)),
	)
	return true
}
