package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/framecast/api/internal/backoff"
	"github.com/framecast/api/internal/client"
	"github.com/framecast/api/internal/events"
	"github.com/framecast/api/internal/logger"
	"github.com/framecast/api/internal/model"
	"github.com/framecast/api/internal/store"
)

// scriptedBackend replays a fixed status sequence; the last entry repeats.
type scriptedBackend struct {
	mu        sync.Mutex
	script    []scriptStep
	submitErr []error
	submits   []*client.RenderRequest
	polls     int
}

type scriptStep struct {
	status *client.BackendStatus
	err    error
}

func step(state client.BackendState) scriptStep {
	return scriptStep{status: &client.BackendStatus{Status: state}}
}

func completed(url string) scriptStep {
	return scriptStep{status: &client.BackendStatus{Status: client.BackendCompleted, Output: &client.BackendOutput{VideoURL: url}}}
}

func failedWith(state client.BackendState, msg string) scriptStep {
	return scriptStep{status: &client.BackendStatus{Status: state, Output: &client.BackendOutput{Error: msg}}}
}

func pollErr(err error) scriptStep {
	return scriptStep{err: err}
}

func newScriptedBackend(steps ...scriptStep) *scriptedBackend {
	return &scriptedBackend{script: steps}
}

func (b *scriptedBackend) Submit(_ context.Context, req *client.RenderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.submitErr) > 0 {
		err := b.submitErr[0]
		b.submitErr = b.submitErr[1:]
		if err != nil {
			return "", err
		}
	}
	cp := *req
	b.submits = append(b.submits, &cp)
	return "rp-" + uuid.NewString()[:8], nil
}

func (b *scriptedBackend) Status(_ context.Context, id string) (*client.BackendStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.polls
	if i >= len(b.script) {
		i = len(b.script) - 1
	}
	b.polls++
	s := b.script[i]
	if s.err != nil {
		return nil, s.err
	}
	st := *s.status
	st.ID = id
	return &st, nil
}

func (b *scriptedBackend) submitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.submits)
}

func (b *scriptedBackend) pollCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls
}

// memArtifacts records uploads; failures are consumed one per call.
type memArtifacts struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failures int
	uploads  int
	deleted  []string
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{objects: make(map[string][]byte)}
}

func (a *memArtifacts) Upload(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.uploads++
	if a.failures > 0 {
		a.failures--
		return "", errors.New("bucket unavailable")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	a.objects[key] = data
	return a.GetPublicURL(key), nil
}

func (a *memArtifacts) Delete(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.objects, key)
	a.deleted = append(a.deleted, key)
	return nil
}

func (a *memArtifacts) GetSignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return a.GetPublicURL(key), nil
}

func (a *memArtifacts) GetPublicURL(key string) string {
	return "https://artifacts.test/" + key
}

type harness struct {
	store     *store.MemoryStore
	backend   *scriptedBackend
	artifacts *memArtifacts
	bus       *events.Bus
	pipeline  *Pipeline
}

func newHarness(t *testing.T, backend *scriptedBackend, opts Options) *harness {
	t.Helper()
	if opts.MaxPolls == 0 {
		opts.MaxPolls = 10
	}
	if opts.StepAttempts == 0 {
		opts.StepAttempts = 3
	}
	h := &harness{
		store:     store.NewMemoryStore(),
		backend:   backend,
		artifacts: newMemArtifacts(),
		bus:       events.NewBus(0),
	}
	h.pipeline = NewPipeline(h.store, h.backend, h.artifacts, h.bus, opts, logger.Discard()).
		WithSleeper(backoff.NoSleep)
	return h
}

func (h *harness) createJob(t *testing.T) *model.RenderJob {
	t.Helper()
	job := &model.RenderJob{
		ID:      uuid.NewString(),
		OwnerID: "owner-1",
		Status:  model.JobStatusPending,
		Timeline: model.TimelineDocument{
			FPS: 30, Width: 1280, Height: 720,
			Events: []model.TimelineEvent{{
				ID: "clip", Type: model.EventTypeVideo, Start: model.IntPtr(0), End: model.IntPtr(90),
				Src: "https://cdn.test/clip.mp4",
			}},
		},
	}
	if err := h.store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return job
}

func (h *harness) get(t *testing.T, id string) *model.RenderJob {
	t.Helper()
	job, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return job
}

func (h *harness) eventKinds(jobID string) []model.EventKind {
	var kinds []model.EventKind
	for _, ev := range h.bus.Since(jobID, 0) {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}
