package client

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"

	"github.com/framecast/api/internal/config"
)

var _ StorageClient = (*GCSClient)(nil)

// GCSClient implements StorageClient for Google Cloud Storage over the JSON API.
type GCSClient struct {
	srv       *storage.Service
	bucket    string
	publicURL string
}

// NewGCSClient builds a client from service-account credentials (inline JSON
// or a file) and falls back to application default credentials.
func NewGCSClient(ctx context.Context, cfg *config.GCSConfig) (*GCSClient, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("GCS bucket is required")
	}

	credJSON := []byte(cfg.CredentialsJSON)
	if len(credJSON) == 0 && cfg.CredentialsFile != "" {
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read GCS credentials: %w", err)
		}
		credJSON = data
	}

	var ts oauth2.TokenSource
	if len(credJSON) > 0 {
		creds, err := google.CredentialsFromJSON(ctx, credJSON, storage.DevstorageReadWriteScope)
		if err != nil {
			return nil, fmt.Errorf("failed to parse GCS credentials: %w", err)
		}
		ts = creds.TokenSource
	} else {
		defaultTS, err := google.DefaultTokenSource(ctx, storage.DevstorageReadWriteScope)
		if err != nil {
			return nil, fmt.Errorf("failed to find default GCS credentials: %w", err)
		}
		ts = defaultTS
	}

	srv, err := storage.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS service: %w", err)
	}
	return NewGCSClientFromService(srv, cfg.Bucket, cfg.PublicURL), nil
}

// NewGCSClientFromService wraps an existing storage service.
func NewGCSClientFromService(srv *storage.Service, bucket, publicURL string) *GCSClient {
	return &GCSClient{
		srv:       srv,
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// Upload writes the object and returns its public URL.
func (c *GCSClient) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}

	obj := &storage.Object{Name: key, ContentType: contentType}
	call := c.srv.Objects.Insert(c.bucket, obj)
	if contentType != "" {
		call = call.Media(body, googleapi.ContentType(contentType))
	} else {
		call = call.Media(body)
	}

	if _, err := call.Context(ctx).Do(); err != nil {
		return "", fmt.Errorf("failed to upload to GCS: %w", err)
	}
	return c.GetPublicURL(key), nil
}

func (c *GCSClient) Delete(ctx context.Context, key string) error {
	if err := c.srv.Objects.Delete(c.bucket, key).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// GetSignedURL is not available without a signing key; the public URL is
// returned instead, as with the objects uploaded for the backend.
func (c *GCSClient) GetSignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return c.GetPublicURL(key), nil
}

func (c *GCSClient) GetPublicURL(key string) string {
	if c.publicURL != "" {
		return fmt.Sprintf("%s/%s", c.publicURL, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", c.bucket, url.PathEscape(key))
}
