package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/framecast/api/internal/config"
	"github.com/framecast/api/internal/logger"
)

func newTestRunPod(t *testing.T, handler http.HandlerFunc, endpointSuffix string) *RunPodClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRunPodClient(&config.BackendConfig{
		Endpoint: srv.URL + "/v2/abc" + endpointSuffix,
		APIKey:   "secret",
		Timeout:  5,
	}, logger.Discard())
}

func TestRunPodSubmit(t *testing.T) {
	var got map[string]map[string]string
	c := newTestRunPod(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/abc/run" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"id":"rp-1","status":"IN_QUEUE"}`))
	}, "/run")

	id, err := c.Submit(context.Background(), &RenderRequest{
		TimelineURL:    "https://cdn.example.com/timeline-j1.json",
		OutputFilename: OutputFilename("j1"),
		CompositionID:  "JsonDrivenVideo",
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != "rp-1" {
		t.Errorf("id = %q, want rp-1", id)
	}

	input := got["input"]
	if input["timeline_url"] != "https://cdn.example.com/timeline-j1.json" {
		t.Errorf("timeline_url = %q", input["timeline_url"])
	}
	if input["output_filename"] != "video-j1.mp4" {
		t.Errorf("output_filename = %q", input["output_filename"])
	}
	if input["composition_id"] != "JsonDrivenVideo" {
		t.Errorf("composition_id = %q", input["composition_id"])
	}
}

func TestRunPodSubmitMissingID(t *testing.T) {
	c := newTestRunPod(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"IN_QUEUE"}`))
	}, "")

	if _, err := c.Submit(context.Background(), &RenderRequest{TimelineURL: "x"}); err == nil {
		t.Fatal("Submit() with no id in response succeeded")
	}
}

func TestRunPodStatus(t *testing.T) {
	c := newTestRunPod(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/abc/status/rp-1" {
			t.Errorf("path = %s, want /v2/abc/status/rp-1", r.URL.Path)
		}
		w.Write([]byte(`{"id":"rp-1","status":"COMPLETED","output":{"video_url":"https://cdn.example.com/v.mp4"}}`))
	}, "/run")

	st, err := c.Status(context.Background(), "rp-1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Status != BackendCompleted || !st.Status.IsTerminal() {
		t.Errorf("Status = %s", st.Status)
	}
	if st.VideoURL() != "https://cdn.example.com/v.mp4" {
		t.Errorf("VideoURL() = %q", st.VideoURL())
	}
}

func TestRunPodStatusHTTPError(t *testing.T) {
	c := newTestRunPod(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("busy"))
	}, "/run")

	_, err := c.Status(context.Background(), "rp-1")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable || se.Body != "busy" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestBackendStatusErrorText(t *testing.T) {
	tests := []struct {
		name string
		st   BackendStatus
		want string
	}{
		{"output error", BackendStatus{Status: BackendFailed, Output: &BackendOutput{Error: "out of memory"}}, "out of memory"},
		{"top level error", BackendStatus{Status: BackendFailed, Error: "worker crashed"}, "worker crashed"},
		{"generic", BackendStatus{Status: BackendCancelled}, "job cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.st.ErrorText(); got != tt.want {
				t.Errorf("ErrorText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMockBackendSequence(t *testing.T) {
	m := NewMockBackend("https://renders.example.com/")
	ctx := context.Background()

	id, err := m.Submit(ctx, &RenderRequest{TimelineURL: "https://cdn.example.com/t.json"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	want := []BackendState{BackendInQueue, BackendInProgress, BackendCompleted}
	var last *BackendStatus
	for i, w := range want {
		st, err := m.Status(ctx, id)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if st.Status != w {
			t.Fatalf("poll %d: status = %s, want %s", i, st.Status, w)
		}
		last = st
	}
	if last.VideoURL() != "https://renders.example.com/"+id+".mp4" {
		t.Errorf("VideoURL() = %q", last.VideoURL())
	}

	if _, err := m.Status(ctx, "unknown"); err == nil {
		t.Error("Status() of unknown id succeeded")
	}
}
