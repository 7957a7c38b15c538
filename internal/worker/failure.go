package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/framecast/api/internal/apperr"
	"github.com/framecast/api/internal/events"
	"github.com/framecast/api/internal/logger"
	"github.com/framecast/api/internal/model"
	"github.com/framecast/api/internal/store"
)

const defaultFailureMessage = "render pipeline aborted"

// FailureHandler moves a job to failed when the pipeline gave up on it
// without recording an outcome.
type FailureHandler struct {
	store  store.JobStore
	events events.Publisher
	log    *logger.Logger
}

func NewFailureHandler(st store.JobStore, pub events.Publisher, log *logger.Logger) *FailureHandler {
	if log == nil {
		log = logger.NewDefault()
	}
	return &FailureHandler{store: st, events: pub, log: log.WithComponent("failure_handler")}
}

// Handle fails sig.JobID if it is still processing. Pending jobs are left for
// the scheduler and terminal jobs are never touched.
func (h *FailureHandler) Handle(ctx context.Context, sig FailureSignal) error {
	log := h.log.WithJobID(sig.JobID)

	job, err := h.store.Get(ctx, sig.JobID)
	if err != nil {
		if apperr.IsNotFound(err) {
			log.Warn("failure signal for unknown job")
			return nil
		}
		return fmt.Errorf("load job %s: %w", sig.JobID, err)
	}
	if job.Status != model.JobStatusProcessing {
		log.Info("failure signal ignored", "status", string(job.Status), "error", sig.Error)
		return nil
	}

	msg := sig.Error
	if msg == "" {
		msg = defaultFailureMessage
	}
	msg = apperr.Truncate(errors.New(msg))

	if err := h.store.Fail(ctx, job.ID, msg); err != nil {
		if apperr.IsStateConflict(err) || apperr.IsNotFound(err) {
			log.Info("job reached a terminal state first", "error", err)
			return nil
		}
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}

	log.Warn("render job failed by failure handler", "error", msg)
	if h.events != nil {
		h.events.Publish(model.JobEvent{
			JobID:   job.ID,
			Kind:    model.EventFailed,
			Status:  model.JobStatusFailed,
			Message: msg,
		})
	}
	return nil
}

// ProcessTask handles render:failure tasks.
func (h *FailureHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	sig, err := parseFailureSignal(t.Payload())
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return h.Handle(ctx, sig)
}

// NewErrorHandler returns an asynq.ErrorHandler that turns the last failed
// attempt of a render:process task into a render:failure task.
func NewErrorHandler(enqueuer *asynq.Client, log *logger.Logger) asynq.ErrorHandler {
	log = log.WithComponent("failure_router")
	return asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
		if task.Type() != TaskTypeRender {
			return
		}
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried < maxRetry && !errors.Is(err, asynq.SkipRetry) {
			return
		}

		req, perr := parseProcessRequest(task.Payload())
		if perr != nil {
			log.Error("cannot route failure of malformed task", "error", perr)
			return
		}
		ft, ferr := NewFailureTask(FailureSignal{JobID: req.JobID, Error: apperr.Truncate(err)})
		if ferr != nil {
			log.Error("failed to build failure task", "job_id", req.JobID, "error", ferr)
			return
		}
		if _, ferr := enqueuer.EnqueueContext(ctx, ft, asynq.Queue(QueueFailures), asynq.MaxRetry(10)); ferr != nil {
			log.Error("failed to enqueue failure task", "job_id", req.JobID, "error", ferr)
			return
		}
		log.Warn("render task exhausted retries, failure signalled", "job_id", req.JobID, "error", err)
	})
}
