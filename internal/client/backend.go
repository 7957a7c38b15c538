package client

import (
	"context"
	"strings"
)

// BackendState is the job status reported by the render backend.
type BackendState string

const (
	BackendInQueue    BackendState = "IN_QUEUE"
	BackendInProgress BackendState = "IN_PROGRESS"
	BackendCompleted  BackendState = "COMPLETED"
	BackendFailed     BackendState = "FAILED"
	BackendCancelled  BackendState = "CANCELLED"
)

// IsTerminal reports whether the backend will not change the state again.
func (s BackendState) IsTerminal() bool {
	switch s {
	case BackendCompleted, BackendFailed, BackendCancelled:
		return true
	}
	return false
}

// RenderBackend submits timelines to an external renderer and reports progress.
type RenderBackend interface {
	// Submit starts a render and returns the backend's job id.
	Submit(ctx context.Context, req *RenderRequest) (string, error)
	// Status returns the current state of a submitted render.
	Status(ctx context.Context, backendJobID string) (*BackendStatus, error)
}

// RenderRequest is the input of one backend render.
type RenderRequest struct {
	TimelineURL    string `json:"timeline_url"`
	OutputFilename string `json:"output_filename"`
	CompositionID  string `json:"composition_id"`
}

// BackendStatus is the body of a status response.
type BackendStatus struct {
	ID     string         `json:"id"`
	Status BackendState   `json:"status"`
	Output *BackendOutput `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// BackendOutput is the worker output attached to a status response.
type BackendOutput struct {
	VideoURL string `json:"video_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// VideoURL returns the rendered video location, or "" if none was reported.
func (s *BackendStatus) VideoURL() string {
	if s.Output == nil {
		return ""
	}
	return strings.TrimSpace(s.Output.VideoURL)
}

// ErrorText returns the backend's failure description, falling back to a
// generic message naming the state.
func (s *BackendStatus) ErrorText() string {
	if s.Output != nil && s.Output.Error != "" {
		return s.Output.Error
	}
	if s.Error != "" {
		return s.Error
	}
	return "job " + strings.ToLower(string(s.Status))
}
