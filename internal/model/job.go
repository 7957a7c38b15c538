package model

import "time"

// JobStatus is the externally observable state of a render job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

var ValidJobStatuses = []JobStatus{
	JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed,
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed},
}

// IsTerminal reports whether no transition leaves s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo reports whether s -> next is a defined transition.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	for _, v := range ValidJobStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// RenderJob maps one TimelineDocument to one output video.
type RenderJob struct {
	ID           string           `json:"id"`
	OwnerID      string           `json:"owner_id"`
	Timeline     TimelineDocument `json:"timeline"`
	Status       JobStatus        `json:"status"`
	BackendJobID *string          `json:"backend_job_id,omitempty"`
	ArtifactURL  *string          `json:"artifact_url,omitempty"`
	ResultURL    *string          `json:"result_url,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
	// HeartbeatAt is refreshed by the worker owning a processing job.
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// HasBackendJob reports whether a backend submission was persisted.
func (j *RenderJob) HasBackendJob() bool {
	return j.BackendJobID != nil && *j.BackendJobID != ""
}

// Stale reports whether a processing job has missed its lease.
func (j *RenderJob) Stale(now time.Time, lease time.Duration) bool {
	if j.Status != JobStatusProcessing {
		return false
	}
	last := j.UpdatedAt
	if j.HeartbeatAt != nil {
		last = *j.HeartbeatAt
	}
	return now.Sub(last) > lease
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// IntPtr returns a pointer to i.
func IntPtr(i int) *int {
	return &i
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Clone returns a deep copy of j.
func (j *RenderJob) Clone() *RenderJob {
	cp := *j
	cp.Timeline = j.Timeline.Clone()
	cp.BackendJobID = clonePtr(j.BackendJobID)
	cp.ArtifactURL = clonePtr(j.ArtifactURL)
	cp.ResultURL = clonePtr(j.ResultURL)
	cp.ErrorMessage = clonePtr(j.ErrorMessage)
	cp.HeartbeatAt = clonePtr(j.HeartbeatAt)
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
