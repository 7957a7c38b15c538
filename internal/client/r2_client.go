package client

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/framecast/api/internal/config"
)

var _ StorageClient = (*R2Client)(nil)

// timelineCacheControl marks uploaded timelines immutable; a key is never
// rewritten with different content.
const timelineCacheControl = "public, max-age=86400, immutable"

// R2Client stores artifacts in a Cloudflare R2 bucket through its S3 API.
type R2Client struct {
	api        *s3.Client
	presign    *s3.PresignClient
	endpoint   string
	bucket     string
	publicBase string
	signExpiry time.Duration
}

func r2Endpoint(accountID string) string {
	return "https://" + accountID + ".r2.cloudflarestorage.com"
}

// NewR2Client creates an R2 client from static credentials.
func NewR2Client(cfg *config.R2Config) (*R2Client, error) {
	switch {
	case cfg.AccountID == "", cfg.AccessKeyID == "", cfg.SecretAccessKey == "":
		return nil, fmt.Errorf("r2: account id and access keys are required")
	case cfg.BucketName == "":
		return nil, fmt.Errorf("r2: bucket name is required")
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(creds),
		awsconfig.WithRegion("auto"),
		awsconfig.WithRetryMaxAttempts(3),
	)
	if err != nil {
		return nil, fmt.Errorf("r2: load sdk config: %w", err)
	}

	endpoint := r2Endpoint(cfg.AccountID)
	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &R2Client{
		api:        api,
		presign:    s3.NewPresignClient(api),
		endpoint:   endpoint,
		bucket:     cfg.BucketName,
		publicBase: strings.TrimRight(cfg.PublicURL, "/"),
		signExpiry: cfg.SignedURLExpiry,
	}, nil
}

// Upload writes body under key. The returned URL is presigned when a signing
// expiry is configured and public otherwise.
func (c *R2Client) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(c.bucket),
		Key:          aws.String(key),
		Body:         body,
		ContentType:  aws.String(contentType),
		CacheControl: aws.String(timelineCacheControl),
	})
	if err != nil {
		return "", fmt.Errorf("r2: put %s: %w", key, err)
	}

	if c.signExpiry <= 0 {
		return c.GetPublicURL(key), nil
	}
	return c.GetSignedURL(ctx, key, c.signExpiry)
}

func (c *R2Client) Delete(ctx context.Context, key string) error {
	if _, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("r2: delete %s: %w", key, err)
	}
	return nil
}

// GetSignedURL presigns a GET for key valid for expiry.
func (c *R2Client) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("r2: presign %s: %w", key, err)
	}
	return req.URL, nil
}

// GetPublicURL returns the key under the bucket's public domain, or the
// path-style API URL when none is configured.
func (c *R2Client) GetPublicURL(key string) string {
	escaped := escapeKey(key)
	if c.publicBase != "" {
		return c.publicBase + "/" + escaped
	}
	return c.endpoint + "/" + url.PathEscape(c.bucket) + "/" + escaped
}

// escapeKey escapes each path segment of key, keeping the separators.
func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
