package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/framecast/api/internal/config"
	"github.com/framecast/api/internal/logger"
)

var _ RenderBackend = (*RunPodClient)(nil)

// RunPodClient implements RenderBackend for a RunPod serverless endpoint.
type RunPodClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        *logger.Logger
}

type runPodRunRequest struct {
	Input *RenderRequest `json:"input"`
}

type runPodRunResponse struct {
	ID     string       `json:"id"`
	Status BackendState `json:"status"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("runpod API error (status %d): %s", e.StatusCode, e.Body)
}

// NewRunPodClient creates a client for cfg.Endpoint. The endpoint may be given
// with or without its trailing /run segment.
func NewRunPodClient(cfg *config.BackendConfig, log *logger.Logger) *RunPodClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &RunPodClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimSuffix(strings.TrimRight(cfg.Endpoint, "/"), "/run"),
		apiKey:  cfg.APIKey,
		log:     log.WithComponent("runpod"),
	}
}

// Submit posts a render request and returns the RunPod job id.
func (c *RunPodClient) Submit(ctx context.Context, req *RenderRequest) (string, error) {
	var result runPodRunResponse
	if err := c.post(ctx, "/run", &runPodRunRequest{Input: req}, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", fmt.Errorf("runpod API returned no job id")
	}
	return result.ID, nil
}

// Status fetches the state of a RunPod job.
func (c *RunPodClient) Status(ctx context.Context, backendJobID string) (*BackendStatus, error) {
	var result BackendStatus
	if err := c.get(ctx, "/status/"+url.PathEscape(backendJobID), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *RunPodClient) IsConfigured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

// post sends a POST request with JSON body
func (c *RunPodClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *RunPodClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response
func (c *RunPodClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log := c.log.With("method", req.Method, "url", req.URL.String())
	log.Debug("runpod request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn("runpod request failed", "error", err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		log.Warn("runpod response unreadable", "error", err)
		return fmt.Errorf("failed to read response: %w", err)
	}

	log.Debug("runpod response", "status", resp.StatusCode, "body", string(respBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		log.Warn("runpod response not JSON", "error", err, "body", string(respBody))
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}
