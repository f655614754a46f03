package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
	"github.com/cuongbtq/mediaconv/internal/jobs/storage"
	"github.com/cuongbtq/mediaconv/internal/quota"
	"github.com/cuongbtq/mediaconv/internal/quota/quotatest"
)

func strPtr(s string) *string { return &s }

func admit(t *testing.T, h *harness, userID string, sizeMb int64) *domain.Job {
	t.Helper()
	job, err := h.svc.CreateJob(context.Background(), userID, resizeRequest(mb(sizeMb)), "")
	require.NoError(t, err)
	return job
}

func TestReportStatus_StateMachine(t *testing.T) {
	type outcome int
	const (
		applied outcome = iota
		duplicate
		rejected
	)

	statuses := domain.AllStatuses
	expected := map[[2]domain.Status]outcome{}
	for _, from := range statuses {
		for _, to := range statuses {
			expected[[2]domain.Status{from, to}] = rejected
		}
	}
	for _, to := range []domain.Status{domain.StatusProcessing, domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled} {
		expected[[2]domain.Status{domain.StatusQueued, to}] = applied
	}
	for _, to := range []domain.Status{domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled} {
		expected[[2]domain.Status{domain.StatusProcessing, to}] = applied
	}
	for _, s := range []domain.Status{domain.StatusProcessing, domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled} {
		expected[[2]domain.Status{s, s}] = duplicate
	}

	for pair, want := range expected {
		from, to := pair[0], pair[1]
		t.Run(fmt.Sprintf("%s to %s", from, to), func(t *testing.T) {
			h := newHarness(100)
			ctx := context.Background()
			job := admit(t, h, "user-1", 10)
			h.store.set(job.ID, from)

			before, err := h.store.GetJob(ctx, job.ID)
			require.NoError(t, err)

			got, err := h.svc.ReportStatus(ctx, job.ID, StatusReport{Status: to, WorkerID: strPtr("worker-1")})
			after, getErr := h.store.GetJob(ctx, job.ID)
			require.NoError(t, getErr)

			switch want {
			case rejected:
				require.Error(t, err)
				assert.Equal(t, domain.KindValidation, domain.KindOf(err))
				assert.Equal(t, before, after)
			case duplicate:
				require.NoError(t, err)
				assert.Equal(t, from, got.Status)
				assert.Equal(t, before, after)
			case applied:
				require.NoError(t, err)
				assert.Equal(t, to, got.Status)
				assert.Equal(t, to, after.Status)
				assert.Equal(t, "worker-1", *after.WorkerID)
			}
		})
	}
}

func TestReportStatus_Processing(t *testing.T) {
	h := newHarness(100)
	job := admit(t, h, "user-1", 10)

	got, err := h.svc.ReportStatus(context.Background(), job.ID, StatusReport{
		Status:   domain.StatusProcessing,
		WorkerID: strPtr("worker-7"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(fixedNow))
	assert.Equal(t, "worker-7", *got.WorkerID)
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, 10, h.usedMb("user-1"))
}

func TestReportStatus_CompletedAttachesOutputOnce(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	job := admit(t, h, "user-1", 10)

	size := int64(1_048_577)
	report := StatusReport{
		Status: domain.StatusCompleted,
		Output: &OutputReport{Key: "outputs/photo.webp", MimeType: strPtr("image/webp"), SizeBytes: &size},
	}

	first, err := h.svc.ReportStatus(ctx, job.ID, report)
	require.NoError(t, err)
	second, err := h.svc.ReportStatus(ctx, job.ID, report)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, first.Status)
	assert.Equal(t, first, second)
	assert.Nil(t, second.Error)
	require.NotNil(t, second.CompletedAt)

	stored, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, stored.Files, 2)
	out := stored.OutputFile()
	require.NotNil(t, out)
	assert.Equal(t, "outputs/photo.webp", out.Key)
	assert.Equal(t, "media", out.Bucket)
	assert.Equal(t, 2, *out.SizeMb)

	assert.Equal(t, 10, h.usedMb("user-1"))
}

func TestReportStatus_FailedRefundsOnce(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	job := admit(t, h, "user-1", 30)
	assert.Equal(t, 30, h.usedMb("user-1"))

	got, err := h.svc.ReportStatus(ctx, job.ID, StatusReport{Status: domain.StatusFailed})
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, "Job failed", *got.Error)
	assert.Equal(t, 0, h.usedMb("user-1"))

	for i := 0; i < 3; i++ {
		_, err := h.svc.ReportStatus(ctx, job.ID, StatusReport{Status: domain.StatusFailed, Error: strPtr("again")})
		require.NoError(t, err)
	}

	usage := h.quota.Usage("user-1", fixedNow)
	assert.Equal(t, 30, usage.UsedMb)
	assert.Equal(t, 30, usage.RefundedMb)
	assert.Equal(t, 1, h.quota.EntryCount(job.ID, quota.EntryRefund))

	stored, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "Job failed", *stored.Error)
}

func TestReportStatus_CancelledKeepsOtherJobsCharged(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	keep := admit(t, h, "user-1", 20)
	cancel := admit(t, h, "user-1", 30)

	_, err := h.svc.ReportStatus(ctx, cancel.ID, StatusReport{Status: domain.StatusCancelled})
	require.NoError(t, err)

	assert.Equal(t, 20, h.usedMb("user-1"))
	_, err = h.store.GetJob(ctx, keep.ID)
	require.NoError(t, err)
}

func TestReportStatus_RedeliveryHealsFailedRefund(t *testing.T) {
	qs := &failingRefunds{MemoryStore: quotatest.NewMemoryStore()}
	h := newHarnessWithStore(100, qs)
	ctx := context.Background()
	job := admit(t, h, "user-1", 40)

	qs.fail.Store(true)
	_, err := h.svc.ReportStatus(ctx, job.ID, StatusReport{Status: domain.StatusFailed})
	require.Error(t, err)

	stored, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, 40, h.usedMb("user-1"))

	qs.fail.Store(false)
	_, err = h.svc.ReportStatus(ctx, job.ID, StatusReport{Status: domain.StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, 0, h.usedMb("user-1"))
}

func TestReportStatus_RetriesAfterLosingRace(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	job := admit(t, h, "user-1", 10)

	raced := false
	h.store.beforeUpdate = func(jobID string) {
		if !raced {
			raced = true
			h.store.set(jobID, domain.StatusProcessing)
		}
	}

	got, err := h.svc.ReportStatus(ctx, job.ID, StatusReport{Status: domain.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.True(t, raced)
}

func TestReportStatus_RaceIntoTerminalIsRejected(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	job := admit(t, h, "user-1", 10)

	h.store.beforeUpdate = func(jobID string) {
		h.store.set(jobID, domain.StatusCancelled)
	}

	_, err := h.svc.ReportStatus(ctx, job.ID, StatusReport{Status: domain.StatusCompleted})
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestReportStatus_Errors(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	job := admit(t, h, "user-1", 10)

	tests := []struct {
		name     string
		jobID    string
		report   StatusReport
		wantKind domain.Kind
	}{
		{name: "unknown job", jobID: "missing", report: StatusReport{Status: domain.StatusProcessing}, wantKind: domain.KindNotFound},
		{name: "unknown status", jobID: job.ID, report: StatusReport{Status: "DONE"}, wantKind: domain.KindValidation},
		{name: "output without key", jobID: job.ID, report: StatusReport{Status: domain.StatusCompleted, Output: &OutputReport{}}, wantKind: domain.KindValidation},
		{name: "queued is never reported", jobID: job.ID, report: StatusReport{Status: domain.StatusQueued}, wantKind: domain.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.ReportStatus(ctx, tt.jobID, tt.report)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, domain.KindOf(err))
		})
	}
}

func TestCancelJob(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	job := admit(t, h, "user-1", 25)

	_, err := h.svc.CancelJob(ctx, "user-2", job.ID)
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	assert.Equal(t, err, domain.ErrJobNotFound)

	got, err := h.svc.CancelJob(ctx, "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 0, h.usedMb("user-1"))

	_, err = h.svc.CancelJob(ctx, "user-1", job.ID)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.Contains(t, err.Error(), "CANCELLED")

	// a worker finishing after the cancel cannot resurrect the job
	_, err = h.svc.ReportStatus(ctx, job.ID, StatusReport{Status: domain.StatusCompleted})
	require.Error(t, err)
	stored, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, stored.Status)
	assert.Equal(t, 0, h.usedMb("user-1"))
}

func TestCancelJob_FromProcessing(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	job := admit(t, h, "user-1", 25)

	_, err := h.svc.ReportStatus(ctx, job.ID, StatusReport{Status: domain.StatusProcessing})
	require.NoError(t, err)

	got, err := h.svc.CancelJob(ctx, "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)

	// duplicate worker cancel after the user cancel must not refund twice
	_, err = h.svc.ReportStatus(ctx, job.ID, StatusReport{Status: domain.StatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, 0, h.usedMb("user-1"))
	assert.Equal(t, 25, h.quota.Usage("user-1", fixedNow).RefundedMb)
}

func TestCancelJob_FromCompletedIsRejected(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	job := admit(t, h, "user-1", 25)

	_, err := h.svc.ReportStatus(ctx, job.ID, StatusReport{Status: domain.StatusCompleted})
	require.NoError(t, err)

	_, err = h.svc.CancelJob(ctx, "user-1", job.ID)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.Equal(t, 25, h.usedMb("user-1"))
}

func TestGetJob_OwnershipIsolation(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	job := admit(t, h, "user-1", 5)

	got, err := h.svc.GetJob(ctx, "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, errOther := h.svc.GetJob(ctx, "user-2", job.ID)
	_, errMissing := h.svc.GetJob(ctx, "user-2", "does-not-exist")
	require.Error(t, errOther)
	assert.Equal(t, errMissing, errOther)
}

func TestListJobs_Pagination(t *testing.T) {
	h := newHarness(1000)
	ctx := context.Background()

	for i := 0; i < 55; i++ {
		admit(t, h, "user-1", 1)
	}
	failed := admit(t, h, "user-1", 1)
	_, err := h.svc.ReportStatus(ctx, failed.ID, StatusReport{Status: domain.StatusFailed})
	require.NoError(t, err)

	first, err := h.svc.ListJobs(ctx, "user-1", "", nil)
	require.NoError(t, err)
	assert.Len(t, first.Jobs, DefaultPageSize)
	require.NotNil(t, first.NextCursor)
	assert.Equal(t, failed.ID, first.Jobs[0].ID)

	second, err := h.svc.ListJobs(ctx, "user-1", "", first.NextCursor)
	require.NoError(t, err)
	assert.Len(t, second.Jobs, 6)
	assert.Nil(t, second.NextCursor)

	seen := map[string]bool{}
	for _, j := range append(first.Jobs, second.Jobs...) {
		assert.False(t, seen[j.ID])
		seen[j.ID] = true
	}

	onlyFailed, err := h.svc.ListJobs(ctx, "user-1", domain.StatusFailed, nil)
	require.NoError(t, err)
	require.Len(t, onlyFailed.Jobs, 1)
	assert.Equal(t, failed.ID, onlyFailed.Jobs[0].ID)

	none, err := h.svc.ListJobs(ctx, "user-2", "", nil)
	require.NoError(t, err)
	assert.NotNil(t, none.Jobs)
	assert.Empty(t, none.Jobs)
}

func TestListJobs_PageSizeIsCapped(t *testing.T) {
	svc := New(&Config{PageSize: 500})
	assert.Equal(t, DefaultPageSize, svc.pageSize)

	svc = New(&Config{PageSize: 20})
	assert.Equal(t, 20, svc.pageSize)
}

func TestGetDownloadURL(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	job := admit(t, h, "user-1", 5)

	url, expires, err := h.svc.GetDownloadURL(ctx, "user-1", job.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 600*time.Second, expires)
	assert.Equal(t, "uploads/user-1/photo.png", h.signer.key)
	assert.Contains(t, url, "exp=600")

	_, err = h.svc.ReportStatus(ctx, job.ID, StatusReport{
		Status: domain.StatusCompleted,
		Output: &OutputReport{Key: "outputs/photo.webp"},
	})
	require.NoError(t, err)

	_, expires, err = h.svc.GetDownloadURL(ctx, "user-1", job.ID, 90*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, expires)
	assert.Equal(t, "outputs/photo.webp", h.signer.key)
	assert.Equal(t, "media", h.signer.bucket)

	_, _, err = h.svc.GetDownloadURL(ctx, "user-2", job.ID, 0)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	_, _, err = h.svc.GetDownloadURL(ctx, "user-1", job.ID, 8*24*time.Hour)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	h.signer.err = fmt.Errorf("signing failed")
	_, _, err = h.svc.GetDownloadURL(ctx, "user-1", job.ID, 0)
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))
}

func TestListJobs_ForwardsFilter(t *testing.T) {
	h := newHarness(100)
	cursor := &storage.JobCursor{CreatedAt: fixedNow, JobID: "id-9999"}

	page, err := h.svc.ListJobs(context.Background(), "user-1", domain.StatusQueued, cursor)
	require.NoError(t, err)
	assert.Empty(t, page.Jobs)
	assert.Nil(t, page.NextCursor)
}
