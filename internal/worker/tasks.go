package worker

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	TaskTypeRender        = "render:process"
	TaskTypeRenderFailure = "render:failure"

	QueueRender   = "render"
	QueueFailures = "render_failures"
)

// Mode tells the pipeline how it came to see a job.
type Mode string

const (
	// ModeFresh is a first dispatch of a pending job. Only a successful claim proceeds.
	ModeFresh Mode = "fresh"
	// ModeRetry re-runs a job this pipeline already claimed, resuming from the
	// last persisted step.
	ModeRetry Mode = "retry"
	// ModeReclaim picks up a processing job whose worker stopped heartbeating.
	ModeReclaim Mode = "reclaim"
)

// ProcessRequest is the payload of a render:process task.
type ProcessRequest struct {
	JobID string `json:"job_id"`
	Mode  Mode   `json:"mode"`
}

// FailureSignal is the payload of a render:failure task.
type FailureSignal struct {
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

func NewProcessTask(req ProcessRequest) (*asynq.Task, error) {
	if req.JobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	if req.Mode == "" {
		req.Mode = ModeFresh
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRender, data), nil
}

func NewFailureTask(sig FailureSignal) (*asynq.Task, error) {
	if sig.JobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRenderFailure, data), nil
}

func parseProcessRequest(payload []byte) (ProcessRequest, error) {
	var req ProcessRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	if req.JobID == "" {
		return req, fmt.Errorf("task payload has no job id")
	}
	if req.Mode == "" {
		req.Mode = ModeFresh
	}
	return req, nil
}

func parseFailureSignal(payload []byte) (FailureSignal, error) {
	var sig FailureSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return sig, fmt.Errorf("failed to unmarshal failure payload: %w", err)
	}
	if sig.JobID == "" {
		return sig, fmt.Errorf("failure payload has no job id")
	}
	return sig, nil
}
