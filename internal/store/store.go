// Package store persists render jobs. Every state transition is guarded by the
// expected prior status so concurrent workers cannot both advance a job.
package store

import (
	"context"
	"time"

	"github.com/framecast/api/internal/apperr"
	"github.com/framecast/api/internal/model"
)

// JobStore is the durable record of render jobs.
//
// Transition methods return a NOT_FOUND error for unknown ids and a
// STATE_CONFLICT error when the job is not in the expected prior state.
type JobStore interface {
	// Create inserts a new job. The job must be pending.
	Create(ctx context.Context, job *model.RenderJob) error
	Get(ctx context.Context, id string) (*model.RenderJob, error)
	// ListByOwner returns the owner's jobs, newest first.
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*model.RenderJob, error)
	// ListPending returns pending jobs, oldest first.
	ListPending(ctx context.Context, limit int) ([]*model.RenderJob, error)
	// ListStale returns processing jobs whose heartbeat is older than cutoff, oldest first.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*model.RenderJob, error)

	// Claim moves a job pending -> processing and returns the claimed job.
	Claim(ctx context.Context, id string) (*model.RenderJob, error)
	// SetBackendJobID records the backend submission of a processing job.
	// It conflicts if a backend id is already recorded.
	SetBackendJobID(ctx context.Context, id, backendJobID string) error
	// SetArtifactURL records the uploaded timeline location of a processing job.
	SetArtifactURL(ctx context.Context, id, url string) error
	// Heartbeat refreshes the lease of a processing job.
	Heartbeat(ctx context.Context, id string) error
	// Complete moves processing -> completed with resultURL.
	Complete(ctx context.Context, id, resultURL string) error
	// Fail moves processing -> failed with message.
	Fail(ctx context.Context, id, message string) error

	Ping(ctx context.Context) error
	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ClampLimit bounds a listing limit to [1, MaxListLimit], defaulting to DefaultListLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func notFound(id string) error {
	return apperr.NotFound("render job", id)
}

func conflict(id string, current, target model.JobStatus) error {
	return apperr.StateConflict(id, string(current), string(target)).
		WithField("current", string(current))
}

func validateNew(job *model.RenderJob) error {
	if job.ID == "" {
		return apperr.New(apperr.CodeInternal, "render job id is required")
	}
	if job.Status != model.JobStatusPending {
		return apperr.Newf(apperr.CodeInternal, "new render job must be pending, got %s", job.Status)
	}
	return nil
}
