package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/framecast/api/internal/apperr"
	"github.com/framecast/api/internal/model"
)

var _ JobStore = (*RedisStore)(nil)

const (
	redisKeyPrefix  = "framecast:"
	pendingIndexKey = redisKeyPrefix + "jobs:pending"
	activeIndexKey  = redisKeyPrefix + "jobs:processing"
	maxCASAttempts  = 5
)

func redisJobKey(id string) string { return redisKeyPrefix + "job:" + id }
func redisOwnerKey(owner string) string { return redisKeyPrefix + "owner:" + owner }
func scoreOf(t time.Time) float64 { return float64(t.UnixMilli()) }

// createScript inserts a job once and indexes it as pending and under its owner.
var createScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
return 1
`)

// casScript replaces a job record only if it still equals the value read by
// the caller, then moves the id between the status indexes.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return -1
end
if cur ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('ZREM', KEYS[3], ARGV[3])
if ARGV[4] == 'pending' then
  redis.call('ZADD', KEYS[2], ARGV[5], ARGV[3])
elseif ARGV[4] == 'processing' then
  redis.call('ZADD', KEYS[3], ARGV[5], ARGV[3])
end
return 1
`)

// RedisStore keeps each job as a JSON string with sorted-set indexes for
// pending jobs (by creation), processing jobs (by heartbeat) and owners.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStore creates a store on client. The caller owns the client lifecycle.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	return &RedisStore{client: client, now: o.now}
}

func (s *RedisStore) Create(ctx context.Context, job *model.RenderJob) error {
	if err := validateNew(job); err != nil {
		return err
	}
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("store/redis: encode job: %w", err)
	}

	keys := []string{redisJobKey(job.ID), pendingIndexKey, redisOwnerKey(job.OwnerID)}
	res, err := createScript.Run(ctx, s.client, keys, data, scoreOf(job.CreatedAt), job.ID).Int()
	if err != nil {
		return fmt.Errorf("store/redis: create job: %w", err)
	}
	if res == 0 {
		return apperr.Newf(apperr.CodeStateConflict, "render job already exists: %s", job.ID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.RenderJob, error) {
	job, _, err := s.read(ctx, id)
	return job, err
}

func (s *RedisStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*model.RenderJob, error) {
	ids, err := s.client.ZRevRange(ctx, redisOwnerKey(ownerID), 0, int64(ClampLimit(limit))-1).Result()
	if err != nil {
		return nil, fmt.Errorf("store/redis: list by owner: %w", err)
	}
	return s.load(ctx, ids)
}

func (s *RedisStore) ListPending(ctx context.Context, limit int) ([]*model.RenderJob, error) {
	ids, err := s.client.ZRange(ctx, pendingIndexKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("store/redis: list pending: %w", err)
	}
	return s.load(ctx, ids)
}

func (s *RedisStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*model.RenderJob, error) {
	ids, err := s.client.ZRangeByScore(ctx, activeIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("store/redis: list stale: %w", err)
	}
	return s.load(ctx, ids)
}

func (s *RedisStore) Claim(ctx context.Context, id string) (*model.RenderJob, error) {
	return s.mutate(ctx, id, func(job *model.RenderJob, now time.Time) error {
		if job.Status != model.JobStatusPending {
			return conflict(id, job.Status, model.JobStatusProcessing)
		}
		job.Status = model.JobStatusProcessing
		job.HeartbeatAt = &now
		return nil
	})
}

func (s *RedisStore) SetBackendJobID(ctx context.Context, id, backendJobID string) error {
	_, err := s.mutate(ctx, id, func(job *model.RenderJob, now time.Time) error {
		if job.Status != model.JobStatusProcessing {
			return conflict(id, job.Status, model.JobStatusProcessing)
		}
		if job.HasBackendJob() {
			return apperr.Newf(apperr.CodeStateConflict, "job %s already has backend job %s", id, *job.BackendJobID).
				WithField("backend_job_id", *job.BackendJobID)
		}
		job.BackendJobID = model.StringPtr(backendJobID)
		job.HeartbeatAt = &now
		return nil
	})
	return err
}

func (s *RedisStore) SetArtifactURL(ctx context.Context, id, url string) error {
	_, err := s.mutate(ctx, id, func(job *model.RenderJob, _ time.Time) error {
		if job.Status != model.JobStatusProcessing {
			return conflict(id, job.Status, model.JobStatusProcessing)
		}
		job.ArtifactURL = model.StringPtr(url)
		return nil
	})
	return err
}

func (s *RedisStore) Heartbeat(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, id, func(job *model.RenderJob, now time.Time) error {
		if job.Status != model.JobStatusProcessing {
			return conflict(id, job.Status, model.JobStatusProcessing)
		}
		job.HeartbeatAt = &now
		return nil
	})
	return err
}

func (s *RedisStore) Complete(ctx context.Context, id, resultURL string) error {
	_, err := s.mutate(ctx, id, func(job *model.RenderJob, _ time.Time) error {
		if job.Status != model.JobStatusProcessing {
			return conflict(id, job.Status, model.JobStatusCompleted)
		}
		job.Status = model.JobStatusCompleted
		job.ResultURL = model.StringPtr(resultURL)
		return nil
	})
	return err
}

func (s *RedisStore) Fail(ctx context.Context, id, message string) error {
	_, err := s.mutate(ctx, id, func(job *model.RenderJob, _ time.Time) error {
		if job.Status != model.JobStatusProcessing {
			return conflict(id, job.Status, model.JobStatusFailed)
		}
		job.Status = model.JobStatusFailed
		job.ErrorMessage = model.StringPtr(message)
		return nil
	})
	return err
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the client.
func (s *RedisStore) Close() error { return nil }

// mutate applies fn to the current record and writes it back with casScript,
// re-reading when another writer got there first.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*model.RenderJob, time.Time) error) (*model.RenderJob, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		job, raw, err := s.read(ctx, id)
		if err != nil {
			return nil, err
		}

		now := s.now().UTC()
		if err := fn(job, now); err != nil {
			return nil, err
		}
		job.UpdatedAt = now

		next, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("store/redis: encode job: %w", err)
		}

		score := scoreOf(job.CreatedAt)
		if job.Status == model.JobStatusProcessing && job.HeartbeatAt != nil {
			score = scoreOf(*job.HeartbeatAt)
		}

		keys := []string{redisJobKey(id), pendingIndexKey, activeIndexKey}
		res, err := casScript.Run(ctx, s.client, keys, raw, next, id, string(job.Status), score).Int()
		if err != nil {
			return nil, fmt.Errorf("store/redis: update job: %w", err)
		}
		switch res {
		case 1:
			return job, nil
		case -1:
			return nil, notFound(id)
		}
	}
	return nil, apperr.Newf(apperr.CodeUnavailable, "job %s: too much write contention", id)
}

func (s *RedisStore) read(ctx context.Context, id string) (*model.RenderJob, string, error) {
	raw, err := s.client.Get(ctx, redisJobKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", notFound(id)
		}
		return nil, "", fmt.Errorf("store/redis: get job: %w", err)
	}

	var job model.RenderJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, "", fmt.Errorf("store/redis: decode job %s: %w", id, err)
	}
	return &job, raw, nil
}

func (s *RedisStore) load(ctx context.Context, ids []string) ([]*model.RenderJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisJobKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("store/redis: load jobs: %w", err)
	}

	jobs := make([]*model.RenderJob, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // index entry without a record
		}
		var job model.RenderJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("store/redis: decode job %s: %w", ids[i], err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}
