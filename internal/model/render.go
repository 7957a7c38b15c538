package model

import "time"

// RenderSubmitResponse is returned when a timeline is accepted for rendering
type RenderSubmitResponse struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}

// RenderStatusResponse is the externally visible view of a render job
type RenderStatusResponse struct {
	ID           string    `json:"id"`
	Status       JobStatus `json:"status"`
	ResultURL    *string   `json:"result_url"`
	ErrorMessage *string   `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewRenderStatusResponse builds the status view of job
func NewRenderStatusResponse(job *RenderJob) RenderStatusResponse {
	return RenderStatusResponse{
		ID:           job.ID,
		Status:       job.Status,
		ResultURL:    job.ResultURL,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
}

// RenderListResponse lists an owner's jobs, newest first
type RenderListResponse struct {
	Jobs  []RenderStatusResponse `json:"jobs"`
	Count int                    `json:"count"`
}

// TimelinePreviewResponse describes a validated timeline without creating a job
type TimelinePreviewResponse struct {
	Valid           bool     `json:"valid"`
	DurationFrames  int      `json:"duration_frames"`
	DurationSeconds float64  `json:"duration_seconds"`
	RenderOrder     []string `json:"render_order"`
}

// RenderEventsResponse carries progress events after a sequence number
type RenderEventsResponse struct {
	JobID  string     `json:"job_id"`
	Events []JobEvent `json:"events"`
	Next   uint64     `json:"next"`
}

// SchedulerTickResponse summarizes one scheduler invocation
type SchedulerTickResponse struct {
	Pending   int `json:"pending"`
	Reclaimed int `json:"reclaimed"`
	Failed    int `json:"failed"`
}
