package client

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var _ RenderBackend = (*MockBackend)(nil)

// MockBackend stands in for the render backend when none is configured.
// Each job reports IN_QUEUE, then IN_PROGRESS, then COMPLETED with a
// deterministic video URL.
type MockBackend struct {
	mu      sync.Mutex
	polls   map[string]int
	baseURL string
}

// NewMockBackend creates a mock backend whose results live under baseURL.
func NewMockBackend(baseURL string) *MockBackend {
	if baseURL == "" {
		baseURL = "https://mock.framecast.local/renders"
	}
	return &MockBackend{
		polls:   make(map[string]int),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (m *MockBackend) Submit(_ context.Context, req *RenderRequest) (string, error) {
	if req == nil || req.TimelineURL == "" {
		return "", fmt.Errorf("mock backend: timeline url is required")
	}
	id := "mock-" + uuid.NewString()

	m.mu.Lock()
	m.polls[id] = 0
	m.mu.Unlock()
	return id, nil
}

func (m *MockBackend) Status(_ context.Context, backendJobID string) (*BackendStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.polls[backendJobID]
	if !ok {
		return nil, &StatusError{StatusCode: 404, Body: "job not found"}
	}
	m.polls[backendJobID] = n + 1

	st := &BackendStatus{ID: backendJobID}
	switch n {
	case 0:
		st.Status = BackendInQueue
	case 1:
		st.Status = BackendInProgress
	default:
		st.Status = BackendCompleted
		st.Output = &BackendOutput{VideoURL: m.VideoURL(backendJobID)}
	}
	return st, nil
}

// VideoURL is the result URL reported for backendJobID.
func (m *MockBackend) VideoURL(backendJobID string) string {
	return fmt.Sprintf("%s/%s.mp4", m.baseURL, backendJobID)
}
