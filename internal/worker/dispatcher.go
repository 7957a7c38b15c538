package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/framecast/api/internal/backoff"
	"github.com/framecast/api/internal/logger"
)

// Dispatcher hands a job to the pipeline without waiting for it to finish.
type Dispatcher interface {
	Dispatch(ctx context.Context, req ProcessRequest) error
}

// AsynqDispatcher enqueues render:process tasks on Redis.
type AsynqDispatcher struct {
	client   *asynq.Client
	maxRetry int
	timeout  time.Duration
	log      *logger.Logger
}

// NewAsynqDispatcher creates a dispatcher. timeout bounds a single task
// attempt and should exceed the poll budget.
func NewAsynqDispatcher(c *asynq.Client, maxRetry int, timeout time.Duration, log *logger.Logger) *AsynqDispatcher {
	return &AsynqDispatcher{
		client:   c,
		maxRetry: maxRetry,
		timeout:  timeout,
		log:      log.WithComponent("dispatcher"),
	}
}

// Dispatch enqueues req. A task already queued for the same job and mode is
// treated as dispatched.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, req ProcessRequest) error {
	task, err := NewProcessTask(req)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueRender),
		asynq.MaxRetry(d.maxRetry),
		asynq.Timeout(d.timeout),
		asynq.Unique(d.timeout),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
			d.log.Debug("render task already queued", "job_id", req.JobID, "mode", string(req.Mode))
			return nil
		}
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// LocalDispatcher runs each job in its own goroutine in this process. Failed
// attempts are retried in ModeRetry and the last failure goes to the failure
// handler.
type LocalDispatcher struct {
	proc     Processor
	failures *FailureHandler
	maxRetry int
	strategy backoff.Strategy
	sleep    backoff.Sleeper
	log      *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLocalDispatcher(proc Processor, failures *FailureHandler, maxRetry int, log *logger.Logger) *LocalDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		proc:     proc,
		failures: failures,
		maxRetry: maxRetry,
		strategy: backoff.Exponential{Initial: 5 * time.Second, Max: time.Minute},
		sleep:    backoff.Sleep,
		log:      log.WithComponent("dispatcher"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// WithSleeper replaces the delay between attempts.
func (d *LocalDispatcher) WithSleeper(s backoff.Sleeper) *LocalDispatcher {
	d.sleep = s
	return d
}

// Dispatch starts req in the background. The work outlives ctx.
func (d *LocalDispatcher) Dispatch(_ context.Context, req ProcessRequest) error {
	if req.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	if err := d.ctx.Err(); err != nil {
		return fmt.Errorf("dispatcher closed: %w", err)
	}
	if req.Mode == "" {
		req.Mode = ModeFresh
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(req)
	}()
	return nil
}

func (d *LocalDispatcher) run(req ProcessRequest) {
	log := d.log.WithJobID(req.JobID)

	var err error
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if attempt > 0 {
			if serr := d.sleep(d.ctx, d.strategy.Delay(attempt)); serr != nil {
				log.Info("dispatcher stopping, job left for reclaim", "error", err)
				return
			}
			if req.Mode == ModeFresh {
				req.Mode = ModeRetry
			}
		}

		if err = d.process(req); err == nil {
			return
		}
		if d.ctx.Err() != nil {
			log.Info("dispatcher stopping, job left for reclaim", "error", err)
			return
		}
		log.Warn("render attempt failed", "attempt", attempt+1, "error", err)
	}

	if d.failures == nil {
		log.Error("render job abandoned", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if ferr := d.failures.Handle(ctx, FailureSignal{JobID: req.JobID, Error: err.Error()}); ferr != nil {
		log.Error("failure handler could not fail job", "error", ferr, "cause", err)
	}
}

// process runs one attempt, converting a panic into an error.
func (d *LocalDispatcher) process(req ProcessRequest) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("render pipeline panicked",
				"job_id", req.JobID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			retErr = fmt.Errorf("panic in render job %s: %v", req.JobID, r)
		}
	}()
	return d.proc.Process(d.ctx, req)
}

// Close cancels in-flight jobs and waits for them to return or ctx to end.
func (d *LocalDispatcher) Close(ctx context.Context) error {
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every dispatched job has returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
