package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
	"github.com/cuongbtq/mediaconv/internal/jobs/storage"
	"github.com/cuongbtq/mediaconv/internal/quota"
	"github.com/cuongbtq/mediaconv/internal/quota/quotatest"
)

var (
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	fixedNow   = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
)

// memoryJobStore mirrors the constraints of the Postgres job store:
// unique (user_id, idempotency_key), unique (job_id, kind) files and
// status updates conditional on the expected status.
type memoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job

	// beforeUpdate, when set, runs before each conditional update is checked
	beforeUpdate func(jobID string)
	updateErr    error
	createCalls  atomic.Int32
}

func newMemoryJobStore() *memoryJobStore {
	return &memoryJobStore{jobs: map[string]*domain.Job{}}
}

func cloneJob(j *domain.Job) *domain.Job {
	c := *j
	c.Files = append([]domain.File(nil), j.Files...)
	return &c
}

func (m *memoryJobStore) CreateJob(_ context.Context, job *domain.Job) error {
	m.createCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("failed to insert job: %w", domain.ErrConflict)
	}
	if job.IdempotencyKey != nil {
		for _, existing := range m.jobs {
			if existing.UserID == job.UserID && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *job.IdempotencyKey {
				return fmt.Errorf("failed to insert job: %w", domain.ErrConflict)
			}
		}
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *memoryJobStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (m *memoryJobStore) GetJobForUser(ctx context.Context, userID, jobID string) (*domain.Job, error) {
	j, err := m.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, domain.ErrJobNotFound
	}
	return j, nil
}

func (m *memoryJobStore) FindByIdempotencyKey(_ context.Context, userID, key string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.UserID == userID && j.IdempotencyKey != nil && *j.IdempotencyKey == key {
			return cloneJob(j), nil
		}
	}
	return nil, domain.ErrJobNotFound
}

func (m *memoryJobStore) ListJobs(_ context.Context, filter storage.JobFilter) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Job
	for _, j := range m.jobs {
		if j.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, *cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})

	if filter.Cursor != nil {
		var rest []domain.Job
		for _, j := range out {
			if j.CreatedAt.Before(filter.Cursor.CreatedAt) ||
				(j.CreatedAt.Equal(filter.Cursor.CreatedAt) && j.ID < filter.Cursor.JobID) {
				rest = append(rest, j)
			}
		}
		out = rest
	}

	if len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}

func (m *memoryJobStore) UpdateStatus(_ context.Context, jobID string, expected domain.Status, upd domain.StatusUpdate) (*domain.Job, error) {
	if m.beforeUpdate != nil {
		m.beforeUpdate(jobID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateErr != nil {
		return nil, m.updateErr
	}

	j, ok := m.jobs[jobID]
	if !ok || j.Status != expected {
		return nil, domain.ErrStaleStatus
	}

	j.Status = upd.Status
	if j.StartedAt == nil && upd.StartedAt != nil {
		j.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		j.CompletedAt = upd.CompletedAt
	}
	if upd.SetError {
		j.Error = upd.Error
	}
	if upd.WorkerID != nil {
		j.WorkerID = upd.WorkerID
	}
	if upd.Output != nil && j.OutputFile() == nil {
		out := *upd.Output
		out.JobID = jobID
		out.Kind = domain.FileKindOutput
		j.Files = append(j.Files, out)
	}
	j.UpdatedAt = fixedNow
	return cloneJob(j), nil
}

// set overwrites a stored job's status, bypassing the state machine
func (m *memoryJobStore) set(jobID string, status domain.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID].Status = status
}

func (m *memoryJobStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

type fakeCatalog struct {
	features map[string]*domain.Feature
	members  map[string]bool // userID + "/" + orgID
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		features: map[string]*domain.Feature{
			"image.resize":   {ID: "feat-resize", Slug: "image.resize", MediaType: domain.MediaTypeImage, IsEnabled: true},
			"image.compress": {ID: "feat-compress", Slug: "image.compress", MediaType: domain.MediaTypeImage, IsEnabled: true},
			"audio.trim":     {ID: "feat-trim", Slug: "audio.trim", MediaType: domain.MediaTypeAudio, IsEnabled: true},
			"video.legacy":   {ID: "feat-legacy", Slug: "video.legacy", MediaType: domain.MediaTypeVideo, IsEnabled: false},
		},
		members: map[string]bool{
			"user-1/org-1": true,
			"user-2/org-2": true,
		},
	}
}

func (c *fakeCatalog) EnsureMember(_ context.Context, userID, orgID string) error {
	if !c.members[userID+"/"+orgID] {
		return domain.AccessDenied("Organization not found or access denied")
	}
	return nil
}

func (c *fakeCatalog) FeatureBySlug(_ context.Context, slug string) (*domain.Feature, error) {
	f, ok := c.features[slug]
	if !ok {
		return nil, domain.NotFound("Feature not found: " + slug)
	}
	return f, nil
}

type fakeDispatcher struct {
	mu        sync.Mutex
	envelopes []*domain.Envelope
	err       error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, env *domain.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.envelopes = append(d.envelopes, env)
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.envelopes)
}

type fakeSigner struct {
	bucket  string
	key     string
	expires time.Duration
	err     error
}

func (s *fakeSigner) PresignGet(_ context.Context, bucket, key string, expires time.Duration) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.bucket, s.key, s.expires = bucket, key, expires
	return fmt.Sprintf("https://r2.example/%s/%s?exp=%d", bucket, key, int(expires.Seconds())), nil
}

// failingRefunds wraps a quota store and fails refunds until cleared
type failingRefunds struct {
	*quotatest.MemoryStore
	fail atomic.Bool
}

func (f *failingRefunds) Refund(ctx context.Context, userID, jobID string, sizeMb int) (int, error) {
	if f.fail.Load() {
		return 0, errors.New("ledger unavailable")
	}
	return f.MemoryStore.Refund(ctx, userID, jobID, sizeMb)
}

type harness struct {
	svc        *Service
	store      *memoryJobStore
	quota      *quotatest.MemoryStore
	ledger     *quota.Ledger
	catalog    *fakeCatalog
	dispatcher *fakeDispatcher
	signer     *fakeSigner
}

func newHarness(limitMb int) *harness {
	return newHarnessWithStore(limitMb, nil)
}

func newHarnessWithStore(limitMb int, qs quota.Store) *harness {
	mem := quotatest.NewMemoryStore()
	if qs == nil {
		qs = mem
	} else if f, ok := qs.(*failingRefunds); ok {
		mem = f.MemoryStore
	}

	h := &harness{
		store:      newMemoryJobStore(),
		quota:      mem,
		catalog:    newFakeCatalog(),
		dispatcher: &fakeDispatcher{},
		signer:     &fakeSigner{},
	}
	h.ledger = quota.NewLedger(&quota.Config{
		Store:  qs,
		Plans:  quotatest.StaticPlans{LimitMb: limitMb, Found: true},
		Logger: testLogger,
		Now:    func() time.Time { return fixedNow },
	})

	var seq atomic.Int64
	h.svc = New(&Config{
		Store:      h.store,
		Ledger:     h.ledger,
		Catalog:    h.catalog,
		Dispatcher: h.dispatcher,
		Signer:     h.signer,
		Bucket:     "media",
		Logger:     testLogger,
		Now:        func() time.Time { return fixedNow },
		NewID: func() string {
			return fmt.Sprintf("id-%04d", seq.Add(1))
		},
	})
	return h
}

// usedMb returns used minus refunded for the user's current day
func (h *harness) usedMb(userID string) int {
	return h.quota.Usage(userID, fixedNow).Charged()
}
