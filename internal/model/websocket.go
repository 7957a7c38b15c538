package model

import "time"

// WebSocket message types
const (
	WSMessageTypeEvent    = "event"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// Progress event kinds published by the pipeline
type EventKind string

const (
	EventClaimed   EventKind = "claimed"
	EventUploaded  EventKind = "uploaded"
	EventSubmitted EventKind = "submitted"
	EventPolling   EventKind = "polling"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// JobEvent is a single progress notification for a render job
type JobEvent struct {
	Seq       uint64         `json:"seq"`
	JobID     string         `json:"job_id"`
	Kind      EventKind      `json:"kind"`
	Status    JobStatus      `json:"status"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSEventMessage forwards a JobEvent
type WSEventMessage struct {
	Type  string   `json:"type"`
	Event JobEvent `json:"event"`
}

// WSCompleteMessage represents job completion
type WSCompleteMessage struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	ResultURL string `json:"result_url"`
}

// WSErrorMessage represents a failed job
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"job_id"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
