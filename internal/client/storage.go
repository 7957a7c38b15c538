package client

import (
	"context"
	"io"
	"time"
)

// StorageClient defines the interface for object storage operations
type StorageClient interface {
	// Upload stores body under key and returns a URL the render backend can fetch.
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
	GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	GetPublicURL(key string) string
}

// TimelineKey is the object key of a job's uploaded timeline.
func TimelineKey(jobID string) string {
	return "timeline-" + jobID + ".json"
}

// OutputFilename is the name the backend writes the rendered video under.
func OutputFilename(jobID string) string {
	return "video-" + jobID + ".mp4"
}
