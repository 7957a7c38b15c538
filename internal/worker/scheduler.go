package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/framecast/api/internal/logger"
	"github.com/framecast/api/internal/model"
	"github.com/framecast/api/internal/store"
)

// Scheduler discovers pending jobs and jobs whose lease expired, and
// dispatches one task per job. A tick never waits for the jobs themselves.
type Scheduler struct {
	store      store.JobStore
	dispatcher Dispatcher
	batchSize  int
	lease      time.Duration
	now        func() time.Time
	log        *logger.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func NewScheduler(st store.JobStore, d Dispatcher, batchSize int, lease time.Duration, log *logger.Logger) *Scheduler {
	if batchSize <= 0 {
		batchSize = 5
	}
	return &Scheduler{
		store:      st,
		dispatcher: d,
		batchSize:  batchSize,
		lease:      lease,
		now:        time.Now,
		log:        log.WithComponent("scheduler"),
	}
}

// WithClock overrides the time source used for lease expiry.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Tick runs one discovery pass. Overlapping ticks are safe: a job is only
// advanced by whichever task wins its claim.
func (s *Scheduler) Tick(ctx context.Context) (*model.SchedulerTickResponse, error) {
	res := &model.SchedulerTickResponse{}

	pending, err := s.store.ListPending(ctx, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range pending {
		if err := s.dispatcher.Dispatch(ctx, ProcessRequest{JobID: job.ID, Mode: ModeFresh}); err != nil {
			s.log.Error("failed to dispatch render job", "job_id", job.ID, "error", err)
			res.Failed++
			continue
		}
		res.Pending++
	}

	if s.lease > 0 {
		stale, err := s.store.ListStale(ctx, s.now().Add(-s.lease), s.batchSize)
		if err != nil {
			return res, fmt.Errorf("list stale jobs: %w", err)
		}
		for _, job := range stale {
			if err := s.dispatcher.Dispatch(ctx, ProcessRequest{JobID: job.ID, Mode: ModeReclaim}); err != nil {
				s.log.Error("failed to dispatch reclaim", "job_id", job.ID, "error", err)
				res.Failed++
				continue
			}
			s.log.Warn("reclaiming stalled render job", "job_id", job.ID, "backend_job_id", model.Deref(job.BackendJobID))
			res.Reclaimed++
		}
	}

	if res.Pending+res.Reclaimed+res.Failed > 0 {
		s.log.Info("scheduler tick", "pending", res.Pending, "reclaimed", res.Reclaimed, "failed", res.Failed)
	}
	return res, nil
}

// Start runs Tick every interval until Stop. A tick still running when the
// next one is due causes that one to be skipped.
func (s *Scheduler) Start(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}
	if interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive")
	}

	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	_, err := c.AddFunc("@every "+interval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		if _, err := s.Tick(ctx); err != nil {
			s.log.Error("scheduler tick failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}

	c.Start()
	s.cron = c
	s.log.Info("scheduler started", "interval", interval.String(), "batch_size", s.batchSize, "lease", s.lease.String())
	return nil
}

// Stop halts the cadence and waits for a running tick to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts Logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.With(keysAndValues...).Error(msg, "error", err)
}
