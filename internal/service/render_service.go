package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/framecast/api/internal/apperr"
	"github.com/framecast/api/internal/logger"
	"github.com/framecast/api/internal/model"
	"github.com/framecast/api/internal/store"
	"github.com/framecast/api/internal/timeline"
)

// EventHistory returns recorded progress events for a job.
type EventHistory interface {
	Since(jobID string, seq uint64) []model.JobEvent
}

// RenderService handles render job submission and queries. Rendering itself
// is picked up asynchronously by the scheduler.
type RenderService struct {
	store     store.JobStore
	validator *timeline.Validator
	events    EventHistory
	newID     func() string
	log       *logger.Logger
}

func NewRenderService(st store.JobStore, v *timeline.Validator, events EventHistory, log *logger.Logger) *RenderService {
	if v == nil {
		v = timeline.Default()
	}
	return &RenderService{
		store:     st,
		validator: v,
		events:    events,
		newID:     func() string { return uuid.New().String() },
		log:       log.WithComponent("render_service"),
	}
}

// Submit validates a timeline document and records a pending job for ownerID.
// Nothing is created when validation fails.
func (s *RenderService) Submit(ctx context.Context, ownerID string, body []byte) (*model.RenderSubmitResponse, error) {
	if ownerID == "" {
		return nil, apperr.New(apperr.CodeUnauthorized, "owner is required")
	}

	doc, err := s.validator.Parse(body)
	if err != nil {
		return nil, err
	}

	job := &model.RenderJob{
		ID:       s.newID(),
		OwnerID:  ownerID,
		Timeline: *doc,
		Status:   model.JobStatusPending,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, apperr.Wrap(err, "render.submit", "failed to create render job")
	}

	s.log.FromContext(ctx).Info("render job submitted",
		"job_id", job.ID,
		"owner_id", ownerID,
		"events", len(doc.Events),
		"duration_frames", timeline.Duration(doc),
	)

	return &model.RenderSubmitResponse{
		JobID:  job.ID,
		Status: job.Status,
	}, nil
}

// Get returns the status view of a job owned by ownerID. Jobs owned by
// someone else are reported as not found.
func (s *RenderService) Get(ctx context.Context, ownerID, jobID string) (*model.RenderStatusResponse, error) {
	job, err := s.owned(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	resp := model.NewRenderStatusResponse(job)
	return &resp, nil
}

// List returns ownerID's jobs, newest first.
func (s *RenderService) List(ctx context.Context, ownerID string, limit int) (*model.RenderListResponse, error) {
	jobs, err := s.store.ListByOwner(ctx, ownerID, store.ClampLimit(limit))
	if err != nil {
		return nil, apperr.Wrap(err, "render.list", "failed to list render jobs")
	}

	out := &model.RenderListResponse{Jobs: make([]model.RenderStatusResponse, 0, len(jobs))}
	for _, job := range jobs {
		out.Jobs = append(out.Jobs, model.NewRenderStatusResponse(job))
	}
	out.Count = len(out.Jobs)
	return out, nil
}

// Events returns progress events recorded after since.
func (s *RenderService) Events(ctx context.Context, ownerID, jobID string, since uint64) (*model.RenderEventsResponse, error) {
	if _, err := s.owned(ctx, ownerID, jobID); err != nil {
		return nil, err
	}

	resp := &model.RenderEventsResponse{JobID: jobID, Events: []model.JobEvent{}, Next: since}
	if s.events == nil {
		return resp, nil
	}
	for _, ev := range s.events.Since(jobID, since) {
		resp.Events = append(resp.Events, ev)
		resp.Next = ev.Seq
	}
	return resp, nil
}

// Preview validates a timeline without creating a job.
func (s *RenderService) Preview(body []byte) (*model.TimelinePreviewResponse, error) {
	doc, err := s.validator.Parse(body)
	if err != nil {
		return nil, err
	}
	return &model.TimelinePreviewResponse{
		Valid:           true,
		DurationFrames:  timeline.Duration(doc),
		DurationSeconds: timeline.DurationSeconds(doc),
		RenderOrder:     timeline.RenderOrderIDs(doc.Events),
	}, nil
}

func (s *RenderService) owned(ctx context.Context, ownerID, jobID string) (*model.RenderJob, error) {
	if jobID == "" {
		return nil, apperr.Validation(timeline.DocumentIndex, "jobId", "job id is required")
	}
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, apperr.NotFound("render job", jobID)
		}
		return nil, apperr.Wrap(err, "render.get", fmt.Sprintf("failed to load render job %s", jobID))
	}
	if job.OwnerID != ownerID {
		return nil, apperr.NotFound("render job", jobID)
	}
	return job, nil
}
