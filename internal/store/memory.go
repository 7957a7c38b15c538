package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/framecast/api/internal/apperr"
	"github.com/framecast/api/internal/model"
)

var _ JobStore = (*MemoryStore)(nil)

// MemoryStore keeps jobs in process memory. Used for local development and tests.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*model.RenderJob
	seq  map[string]int
	next int
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		jobs: make(map[string]*model.RenderJob),
		seq:  make(map[string]int),
		now:  o.now,
	}
}

func (s *MemoryStore) Create(_ context.Context, job *model.RenderJob) error {
	if err := validateNew(job); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return apperr.Newf(apperr.CodeStateConflict, "render job already exists: %s", job.ID)
	}
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	s.jobs[job.ID] = cloneJob(job)
	s.next++
	s.seq[job.ID] = s.next
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string, limit int) ([]*model.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.filter(func(j *model.RenderJob) bool { return j.OwnerID == ownerID })
	sort.SliceStable(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return s.seq[out[a].ID] > s.seq[out[b].ID]
	})
	return head(out, ClampLimit(limit)), nil
}

func (s *MemoryStore) ListPending(_ context.Context, limit int) ([]*model.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.filter(func(j *model.RenderJob) bool { return j.Status == model.JobStatusPending })
	sort.SliceStable(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return s.seq[out[a].ID] < s.seq[out[b].ID]
	})
	return head(out, limit), nil
}

func (s *MemoryStore) ListStale(_ context.Context, cutoff time.Time, limit int) ([]*model.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.filter(func(j *model.RenderJob) bool {
		return j.Status == model.JobStatusProcessing && lastBeat(j).Before(cutoff)
	})
	sort.SliceStable(out, func(a, b int) bool { return lastBeat(out[a]).Before(lastBeat(out[b])) })
	return head(out, limit), nil
}

func (s *MemoryStore) Claim(_ context.Context, id string) (*model.RenderJob, error) {
	return s.transition(id, model.JobStatusPending, model.JobStatusProcessing, func(j *model.RenderJob, now time.Time) {
		j.HeartbeatAt = &now
	})
}

func (s *MemoryStore) SetBackendJobID(_ context.Context, id, backendJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return notFound(id)
	}
	if job.Status != model.JobStatusProcessing {
		return conflict(id, job.Status, model.JobStatusProcessing)
	}
	if job.HasBackendJob() {
		return apperr.Newf(apperr.CodeStateConflict, "job %s already has backend job %s", id, *job.BackendJobID).
			WithField("backend_job_id", *job.BackendJobID)
	}
	now := s.now().UTC()
	job.BackendJobID = model.StringPtr(backendJobID)
	job.HeartbeatAt = &now
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) SetArtifactURL(_ context.Context, id, url string) error {
	return s.update(id, func(j *model.RenderJob, _ time.Time) {
		j.ArtifactURL = model.StringPtr(url)
	})
}

func (s *MemoryStore) Heartbeat(_ context.Context, id string) error {
	return s.update(id, func(j *model.RenderJob, now time.Time) {
		j.HeartbeatAt = &now
	})
}

func (s *MemoryStore) Complete(_ context.Context, id, resultURL string) error {
	_, err := s.transition(id, model.JobStatusProcessing, model.JobStatusCompleted, func(j *model.RenderJob, _ time.Time) {
		j.ResultURL = model.StringPtr(resultURL)
	})
	return err
}

func (s *MemoryStore) Fail(_ context.Context, id, message string) error {
	_, err := s.transition(id, model.JobStatusProcessing, model.JobStatusFailed, func(j *model.RenderJob, _ time.Time) {
		j.ErrorMessage = model.StringPtr(message)
	})
	return err
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error              { return nil }

// transition applies mutate when the job is in from, then moves it to to.
func (s *MemoryStore) transition(id string, from, to model.JobStatus, mutate func(*model.RenderJob, time.Time)) (*model.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	if job.Status != from {
		return nil, conflict(id, job.Status, to)
	}
	now := s.now().UTC()
	mutate(job, now)
	job.Status = to
	job.UpdatedAt = now
	return cloneJob(job), nil
}

// update mutates a processing job without changing its status.
func (s *MemoryStore) update(id string, mutate func(*model.RenderJob, time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return notFound(id)
	}
	if job.Status != model.JobStatusProcessing {
		return conflict(id, job.Status, model.JobStatusProcessing)
	}
	now := s.now().UTC()
	mutate(job, now)
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) filter(keep func(*model.RenderJob) bool) []*model.RenderJob {
	var out []*model.RenderJob
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, cloneJob(j))
		}
	}
	return out
}

func lastBeat(j *model.RenderJob) time.Time {
	if j.HeartbeatAt != nil {
		return *j.HeartbeatAt
	}
	return j.UpdatedAt
}

func head(jobs []*model.RenderJob, limit int) []*model.RenderJob {
	if limit > 0 && len(jobs) > limit {
		return jobs[:limit]
	}
	return jobs
}

// cloneJob deep-copies a job so callers never share memory with the store.
func cloneJob(j *model.RenderJob) *model.RenderJob {
	return j.Clone()
}
