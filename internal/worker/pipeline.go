// Package worker runs render jobs: the per-job pipeline, the scheduler that
// discovers work, the failure handler and the dispatchers between them.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/framecast/api/internal/apperr"
	"github.com/framecast/api/internal/backoff"
	"github.com/framecast/api/internal/client"
	"github.com/framecast/api/internal/config"
	"github.com/framecast/api/internal/events"
	"github.com/framecast/api/internal/logger"
	"github.com/framecast/api/internal/model"
	"github.com/framecast/api/internal/store"
)

// Processor runs one job through the pipeline.
type Processor interface {
	Process(ctx context.Context, req ProcessRequest) error
}

var _ Processor = (*Pipeline)(nil)

// Options tunes the pipeline.
type Options struct {
	PollInterval     time.Duration
	MaxPolls         int
	StepAttempts     int
	RetryInitial     time.Duration
	RetryMax         time.Duration
	CompositionID    string
	CleanupArtifacts bool
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(p config.PipelineConfig, b config.BackendConfig) Options {
	return Options{
		PollInterval:     p.PollInterval,
		MaxPolls:         p.MaxPolls,
		StepAttempts:     p.StepAttempts,
		RetryInitial:     p.RetryInitial,
		RetryMax:         p.RetryMax,
		CompositionID:    b.CompositionID,
		CleanupArtifacts: p.CleanupArtifacts,
	}
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.MaxPolls <= 0 {
		o.MaxPolls = 60
	}
	if o.StepAttempts <= 0 {
		o.StepAttempts = 3
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = time.Second
	}
	if o.RetryMax < o.RetryInitial {
		o.RetryMax = 30 * time.Second
	}
	if o.CompositionID == "" {
		o.CompositionID = "JsonDrivenVideo"
	}
	return o
}

// Pipeline claims a job, uploads its timeline, submits it to the render
// backend, polls to a terminal state and records the outcome.
//
// Every outcome of the asynchronous work is written to the job record.
// Process returns an error only when that record could not be written, so the
// caller can retry or hand the job to the failure handler.
type Pipeline struct {
	store     store.JobStore
	backend   client.RenderBackend
	artifacts client.StorageClient
	events    events.Publisher
	opts      Options
	sleep     backoff.Sleeper
	log       *logger.Logger
}

// NewPipeline wires a pipeline. pub may be nil.
func NewPipeline(st store.JobStore, backend client.RenderBackend, artifacts client.StorageClient, pub events.Publisher, opts Options, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Pipeline{
		store:     st,
		backend:   backend,
		artifacts: artifacts,
		events:    pub,
		opts:      opts.withDefaults(),
		sleep:     backoff.Sleep,
		log:       log.WithComponent("pipeline"),
	}
}

// WithSleeper replaces the delay function used between polls and retries.
func (p *Pipeline) WithSleeper(s backoff.Sleeper) *Pipeline {
	p.sleep = s
	return p
}

// ProcessTask handles render:process tasks. A redelivered task resumes the job
// instead of claiming it again.
func (p *Pipeline) ProcessTask(ctx context.Context, t *asynq.Task) error {
	req, err := parseProcessRequest(t.Payload())
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if n, ok := asynq.GetRetryCount(ctx); ok && n > 0 && req.Mode == ModeFresh {
		req.Mode = ModeRetry
	}
	return p.Process(ctx, req)
}

// Process runs req.JobID through the pipeline.
func (p *Pipeline) Process(ctx context.Context, req ProcessRequest) error {
	log := p.log.WithJobID(req.JobID).With("mode", string(req.Mode))
	ctx = logger.ContextWithJobID(ctx, req.JobID)

	job, err := p.acquire(ctx, req, log)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	return p.run(ctx, job, req.Mode, log)
}

// acquire returns the job this run owns, or nil when there is nothing to do.
func (p *Pipeline) acquire(ctx context.Context, req ProcessRequest, log *logger.Logger) (*model.RenderJob, error) {
	if req.Mode == ModeFresh {
		return p.claim(ctx, req.JobID, log)
	}

	job, err := p.store.Get(ctx, req.JobID)
	if err != nil {
		if apperr.IsNotFound(err) {
			log.Warn("render job not found, dropping task")
			return nil, nil
		}
		return nil, fmt.Errorf("load job %s: %w", req.JobID, err)
	}

	switch job.Status {
	case model.JobStatusPending:
		// The earlier attempt never got as far as the claim.
		return p.claim(ctx, req.JobID, log)
	case model.JobStatusProcessing:
		if err := p.store.Heartbeat(ctx, job.ID); err != nil {
			if apperr.IsStateConflict(err) || apperr.IsNotFound(err) {
				log.Info("job left processing before resume", "error", err)
				return nil, nil
			}
			return nil, fmt.Errorf("refresh lease for %s: %w", job.ID, err)
		}
		log.Info("resuming render job", "backend_job_id", model.Deref(job.BackendJobID))
		return job, nil
	default:
		log.Info("render job already terminal, nothing to do", "status", string(job.Status))
		return nil, nil
	}
}

func (p *Pipeline) claim(ctx context.Context, id string, log *logger.Logger) (*model.RenderJob, error) {
	job, err := p.store.Claim(ctx, id)
	if err != nil {
		switch {
		case apperr.IsStateConflict(err):
			log.Info("render job not claimable, skipping", "current", apperr.GetFields(err)["current"])
			return nil, nil
		case apperr.IsNotFound(err):
			log.Warn("render job not found, dropping task")
			return nil, nil
		}
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	log.Info("claimed render job")
	p.publish(job.ID, model.EventClaimed, model.JobStatusProcessing, "render job claimed", nil)
	return job, nil
}

func (p *Pipeline) run(ctx context.Context, job *model.RenderJob, mode Mode, log *logger.Logger) error {
	backendJobID := model.Deref(job.BackendJobID)

	if backendJobID == "" {
		if mode == ModeReclaim {
			return p.fail(ctx, job, apperr.New(apperr.CodeInternal, "lease expired before submission"), log)
		}

		artifactURL, err := p.upload(ctx, job, log)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return p.fail(ctx, job, err, log)
		}

		backendJobID, err = p.submit(ctx, job, artifactURL, log)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return p.fail(ctx, job, err, log)
		}
	}

	log = log.With("backend_job_id", backendJobID)
	st, err := p.poll(ctx, job, backendJobID, log)
	if err != nil {
		switch {
		case errors.Is(err, errJobLost):
			log.Info("render job finished elsewhere, stopping")
			return nil
		case apperr.IsCode(err, apperr.CodeBackendTimeout):
			return p.fail(ctx, job, err, log)
		}
		// Cancelled: the job stays processing with its backend id and is resumed later.
		return err
	}

	switch st.Status {
	case client.BackendCompleted:
		videoURL := st.VideoURL()
		if videoURL == "" {
			return p.fail(ctx, job, apperr.New(apperr.CodeBackendFailed, "render backend completed without a video url"), log)
		}
		return p.complete(ctx, job, videoURL, log)
	default:
		return p.fail(ctx, job, apperr.Newf(apperr.CodeBackendFailed, "render backend reported %s: %s", st.Status, st.ErrorText()), log)
	}
}

// upload stores the timeline document and returns its URL. A URL recorded by
// an earlier attempt is reused.
func (p *Pipeline) upload(ctx context.Context, job *model.RenderJob, log *logger.Logger) (string, error) {
	if job.ArtifactURL != nil && *job.ArtifactURL != "" {
		return *job.ArtifactURL, nil
	}

	data, err := json.Marshal(job.Timeline)
	if err != nil {
		return "", apperr.WrapWithCode(err, apperr.CodeArtifactUpload, "pipeline.upload", "encode timeline")
	}

	key := client.TimelineKey(job.ID)
	var url string
	err = p.retrier(log, "upload").Do(ctx, func(ctx context.Context, _ int) error {
		u, err := p.artifacts.Upload(ctx, key, bytes.NewReader(data), "application/json")
		if err != nil {
			return err
		}
		url = u
		return nil
	})
	if err != nil {
		return "", apperr.WrapWithCode(err, apperr.CodeArtifactUpload, "pipeline.upload", "timeline upload failed")
	}

	if err := p.store.SetArtifactURL(ctx, job.ID, url); err != nil {
		log.Warn("failed to record artifact url", "error", err)
	}
	job.ArtifactURL = model.StringPtr(url)
	log.Info("timeline uploaded", "artifact_url", url)
	p.publish(job.ID, model.EventUploaded, model.JobStatusProcessing, "timeline uploaded", map[string]any{"artifact_url": url})
	return url, nil
}

// submit starts the backend render and persists its id before returning.
// Submission is only retried while no id has been obtained.
func (p *Pipeline) submit(ctx context.Context, job *model.RenderJob, artifactURL string, log *logger.Logger) (string, error) {
	req := &client.RenderRequest{
		TimelineURL:    artifactURL,
		OutputFilename: client.OutputFilename(job.ID),
		CompositionID:  p.opts.CompositionID,
	}

	var backendJobID string
	err := p.retrier(log, "submit").Do(ctx, func(ctx context.Context, _ int) error {
		id, err := p.backend.Submit(ctx, req)
		if err != nil {
			return err
		}
		backendJobID = id
		return nil
	})
	if err != nil {
		return "", apperr.WrapWithCode(err, apperr.CodeBackendSubmission, "pipeline.submit", "render backend submission failed")
	}

	err = p.retrier(log, "record backend job").Do(ctx, func(ctx context.Context, _ int) error {
		err := p.store.SetBackendJobID(ctx, job.ID, backendJobID)
		if apperr.IsStateConflict(err) && p.recorded(ctx, job.ID, backendJobID) {
			// An earlier attempt wrote the id but lost the reply.
			return nil
		}
		if apperr.IsStateConflict(err) || apperr.IsNotFound(err) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		log.Error("backend job submitted but not recorded", "backend_job_id", backendJobID, "error", err)
		return "", apperr.WrapWithCode(err, apperr.CodeBackendSubmission, "pipeline.submit",
			fmt.Sprintf("could not record backend job %s", backendJobID))
	}

	job.BackendJobID = model.StringPtr(backendJobID)
	log.Info("submitted to render backend", "backend_job_id", backendJobID)
	p.publish(job.ID, model.EventSubmitted, model.JobStatusProcessing, "submitted to render backend",
		map[string]any{"backend_job_id": backendJobID})
	return backendJobID, nil
}

// recorded reports whether the stored job already carries backendJobID.
func (p *Pipeline) recorded(ctx context.Context, jobID, backendJobID string) bool {
	current, err := p.store.Get(ctx, jobID)
	return err == nil && model.Deref(current.BackendJobID) == backendJobID
}

var errJobLost = errors.New("job is no longer processing")

// poll asks the backend for status until it reports a terminal state or the
// attempt budget runs out. Failed status calls count against the budget but
// do not stop the loop.
func (p *Pipeline) poll(ctx context.Context, job *model.RenderJob, backendJobID string, log *logger.Logger) (*client.BackendStatus, error) {
	for attempt := 1; attempt <= p.opts.MaxPolls; attempt++ {
		if attempt > 1 {
			if err := p.sleep(ctx, p.opts.PollInterval); err != nil {
				return nil, err
			}
		}

		if err := p.store.Heartbeat(ctx, job.ID); err != nil {
			if apperr.IsStateConflict(err) || apperr.IsNotFound(err) {
				return nil, errJobLost
			}
			log.Warn("heartbeat failed", "attempt", attempt, "error", err)
		}

		st, err := p.backend.Status(ctx, backendJobID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("status poll failed", "attempt", attempt, "error", err)
			continue
		}

		log.Debug("polled render backend", "attempt", attempt, "status", string(st.Status))
		p.publish(job.ID, model.EventPolling, model.JobStatusProcessing, string(st.Status),
			map[string]any{"attempt": attempt, "backend_status": string(st.Status)})

		if st.Status.IsTerminal() {
			return st, nil
		}
	}

	return nil, apperr.Newf(apperr.CodeBackendTimeout, "render backend job %s did not finish after %d polls (%s)",
		backendJobID, p.opts.MaxPolls, p.opts.PollInterval*time.Duration(p.opts.MaxPolls)).
		WithField("backend_job_id", backendJobID)
}

func (p *Pipeline) complete(ctx context.Context, job *model.RenderJob, resultURL string, log *logger.Logger) error {
	if err := p.store.Complete(ctx, job.ID, resultURL); err != nil {
		if apperr.IsStateConflict(err) || apperr.IsNotFound(err) {
			log.Info("render job already terminal, completion ignored", "error", err)
			return nil
		}
		return fmt.Errorf("record completion of %s: %w", job.ID, err)
	}

	log.Info("render job completed", "result_url", resultURL)
	p.publish(job.ID, model.EventCompleted, model.JobStatusCompleted, "render completed", map[string]any{"result_url": resultURL})
	p.cleanup(job, log)
	return nil
}

// fail records cause on the job. It returns nil once the job is terminal.
func (p *Pipeline) fail(ctx context.Context, job *model.RenderJob, cause error, log *logger.Logger) error {
	msg := apperr.Truncate(cause)
	if err := p.store.Fail(ctx, job.ID, msg); err != nil {
		if apperr.IsStateConflict(err) || apperr.IsNotFound(err) {
			log.Info("render job already terminal, failure ignored", "error", err)
			return nil
		}
		return fmt.Errorf("record failure of %s (%s): %w", job.ID, msg, err)
	}

	log.Warn("render job failed", "code", string(apperr.GetCode(cause)), "error", msg)
	p.publish(job.ID, model.EventFailed, model.JobStatusFailed, msg, map[string]any{"code": string(apperr.GetCode(cause))})
	p.cleanup(job, log)
	return nil
}

func (p *Pipeline) cleanup(job *model.RenderJob, log *logger.Logger) {
	if !p.opts.CleanupArtifacts || job.ArtifactURL == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.artifacts.Delete(ctx, client.TimelineKey(job.ID)); err != nil {
		log.Warn("failed to delete timeline artifact", "error", err)
	}
}

func (p *Pipeline) retrier(log *logger.Logger, step string) backoff.Retrier {
	return backoff.Retrier{
		Attempts: p.opts.StepAttempts,
		Strategy: backoff.Jitter{Base: backoff.Exponential{Initial: p.opts.RetryInitial, Max: p.opts.RetryMax}},
		Sleep:    p.sleep,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			log.Warn("step failed, retrying", "step", step, "attempt", attempt, "delay", delay, "error", err)
		},
	}
}

func (p *Pipeline) publish(jobID string, kind model.EventKind, status model.JobStatus, msg string, data map[string]any) {
	if p.events == nil {
		return
	}
	p.events.Publish(model.JobEvent{
		JobID:   jobID,
		Kind:    kind,
		Status:  status,
		Message: msg,
		Data:    data,
	})
}
