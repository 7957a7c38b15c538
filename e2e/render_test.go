package e2e

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/framecast/api/internal/client"
	"github.com/framecast/api/internal/model"
)

func validTimelineBody() string {
	return `{
		"fps": 30,
		"width": 1920,
		"height": 1080,
		"background": "#000000",
		"events": [
			{"id": "intro", "type": "video", "start": 0, "end": 150, "src": "https://cdn.example.com/intro.mp4", "trimIn": 0, "trimOut": 150},
			{"id": "music", "type": "audio", "start": 0, "end": 300, "src": "https://cdn.example.com/music.mp3", "volume": 0.8},
			{"id": "fade", "type": "transition", "start": 135, "end": 165, "layer": 1, "style": "crossfade", "duration": 30},
			{"id": "title", "type": "caption", "start": 10, "end": 90, "layer": 2, "text": "Hello", "style": {"color": "#fff"}}
		]
	}`
}

func submitRender(t *testing.T, ta *testApp, body string) string {
	t.Helper()
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/render", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	result := parseJSON(t, resp)
	jobID, ok := result["job_id"].(string)
	if !ok || jobID == "" {
		t.Fatalf("expected 'job_id' in response, got %v", result)
	}
	if result["status"] != string(model.JobStatusPending) {
		t.Errorf("expected status 'pending', got %v", result["status"])
	}
	return jobID
}

func getStatus(t *testing.T, ta *testApp, jobID string) map[string]interface{} {
	t.Helper()
	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/render/"+jobID, "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	return parseJSON(t, resp)
}

func TestRenderSubmit_Success(t *testing.T) {
	ta := setupApp(t)

	jobID := submitRender(t, ta, validTimelineBody())

	status := getStatus(t, ta, jobID)
	if status["id"] != jobID {
		t.Errorf("expected id %s, got %v", jobID, status["id"])
	}
	if status["status"] != "pending" {
		t.Errorf("expected status 'pending', got %v", status["status"])
	}
	if status["result_url"] != nil || status["error_message"] != nil {
		t.Errorf("expected no result or error yet, got %v", status)
	}
}

func TestRenderSubmit_NoAuth(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/render", validTimelineBody(), nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestRenderSubmit_InvalidTimeline(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		index float64
		field string
	}{
		{
			name:  "not an object",
			body:  `[1, 2, 3]`,
			index: -1,
		},
		{
			name:  "zero fps",
			body:  `{"fps": 0, "width": 640, "height": 360, "events": []}`,
			index: -1,
			field: "fps",
		},
		{
			name:  "end before start",
			body:  `{"fps": 30, "width": 640, "height": 360, "events": [{"id": "a", "type": "image", "start": 30, "end": 10, "src": "https://cdn.example.com/a.png"}]}`,
			index: 0,
			field: "end",
		},
		{
			name: "trimIn after trimOut",
			body: `{"fps": 30, "width": 640, "height": 360, "events": [
				{"id": "a", "type": "image", "start": 0, "end": 10, "src": "https://cdn.example.com/a.png"},
				{"id": "b", "type": "video", "start": 0, "end": 10, "src": "https://cdn.example.com/b.mp4", "trimIn": 50, "trimOut": 20}
			]}`,
			index: 1,
			field: "trimIn",
		},
		{
			name: "duplicate id",
			body: `{"fps": 30, "width": 640, "height": 360, "events": [
				{"id": "a", "type": "image", "start": 0, "end": 10, "src": "https://cdn.example.com/a.png"},
				{"id": "a", "type": "image", "start": 10, "end": 20, "src": "https://cdn.example.com/b.png"}
			]}`,
			index: 1,
			field: "id",
		},
		{
			name:  "unknown transition style",
			body:  `{"fps": 30, "width": 640, "height": 360, "events": [{"id": "t", "type": "transition", "start": 0, "end": 10, "style": "spin", "duration": 10}]}`,
			index: 0,
			field: "style",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ta := setupApp(t)

			resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/render", tt.body)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			assertStatus(t, resp, http.StatusBadRequest)

			result := parseJSON(t, resp)
			errObj, _ := result["error"].(map[string]interface{})
			if errObj["code"] != "VALIDATION_ERROR" {
				t.Errorf("expected VALIDATION_ERROR, got %v", result)
			}
			details, _ := errObj["details"].(map[string]interface{})
			if details["index"] != tt.index {
				t.Errorf("expected index %v, got %v", tt.index, details["index"])
			}
			if tt.field != "" && details["field"] != tt.field {
				t.Errorf("expected field %q, got %v", tt.field, details["field"])
			}

			if got := ta.tick(t); got["pending"] != float64(0) {
				t.Errorf("expected no job to be created, tick = %v", got)
			}
		})
	}
}

func TestRenderPipeline_Completes(t *testing.T) {
	ta := setupApp(t)

	jobID := submitRender(t, ta, validTimelineBody())

	tick := ta.tick(t)
	if tick["pending"] != float64(1) || tick["failed"] != float64(0) {
		t.Fatalf("unexpected tick result %v", tick)
	}

	status := getStatus(t, ta, jobID)
	if status["status"] != "completed" {
		t.Fatalf("expected status 'completed', got %v (error: %v)", status["status"], status["error_message"])
	}
	resultURL, _ := status["result_url"].(string)
	if !strings.HasPrefix(resultURL, "https://mock.framecast.test/renders/mock-") || !strings.HasSuffix(resultURL, ".mp4") {
		t.Errorf("unexpected result_url %q", resultURL)
	}

	// The uploaded timeline is the submitted document and is served under /artifacts.
	key := client.TimelineKey(jobID)
	data, err := os.ReadFile(filepath.Join(ta.artifacts.Root(), key))
	if err != nil {
		t.Fatalf("timeline artifact missing: %v", err)
	}
	var doc model.TimelineDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("artifact is not a timeline: %v", err)
	}
	if doc.FPS != 30 || len(doc.Events) != 4 {
		t.Errorf("unexpected artifact %+v", doc)
	}

	resp, err := doRequest(ta.app, http.MethodGet, "/artifacts/"+key, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// A second tick finds nothing to do.
	if again := ta.tick(t); again["pending"] != float64(0) || again["reclaimed"] != float64(0) {
		t.Errorf("expected an idle tick, got %v", again)
	}
}

func TestRenderEvents_History(t *testing.T) {
	ta := setupApp(t)

	jobID := submitRender(t, ta, validTimelineBody())
	ta.tick(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/render/"+jobID+"/events", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	result := parseJSON(t, resp)
	evs, _ := result["events"].([]interface{})
	if len(evs) == 0 {
		t.Fatal("expected recorded events")
	}

	var kinds []string
	for _, e := range evs {
		kinds = append(kinds, e.(map[string]interface{})["kind"].(string))
	}
	if kinds[0] != string(model.EventClaimed) || kinds[len(kinds)-1] != string(model.EventCompleted) {
		t.Errorf("unexpected event sequence %v", kinds)
	}

	// Nothing after the last sequence number.
	next := int(result["next"].(float64))
	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/render/"+jobID+"/events?since="+strconv.Itoa(next), "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	if rest := parseJSON(t, resp)["events"].([]interface{}); len(rest) != 0 {
		t.Errorf("expected no events after %d, got %d", next, len(rest))
	}
}

func TestRenderStatus_OtherOwner(t *testing.T) {
	ta := setupApp(t)

	jobID := submitRender(t, ta, validTimelineBody())

	resp, err := doRequest(ta.app, http.MethodGet, "/api/render/"+jobID, "", map[string]string{
		"Authorization": "Bearer " + generateTokenFor(t, "someone-else"),
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}

func TestRenderStatus_NotFound(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/render/does-not-exist", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusNotFound)
}

func TestRenderList(t *testing.T) {
	ta := setupApp(t)

	first := submitRender(t, ta, validTimelineBody())
	second := submitRender(t, ta, validTimelineBody())

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/render?limit=1", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	result := parseJSON(t, resp)
	jobs, _ := result["jobs"].([]interface{})
	if len(jobs) != 1 || jobs[0].(map[string]interface{})["id"] != second {
		t.Errorf("expected newest job %s only, got %v (first was %s)", second, jobs, first)
	}
}

func TestTimelineValidate(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/timeline/validate", validTimelineBody())
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	result := parseJSON(t, resp)
	if result["valid"] != true {
		t.Errorf("expected valid timeline, got %v", result)
	}
	if result["duration_frames"] != float64(300) || result["duration_seconds"] != float64(10) {
		t.Errorf("unexpected duration %v / %v", result["duration_frames"], result["duration_seconds"])
	}

	order, _ := result["render_order"].([]interface{})
	want := []string{"intro", "music", "fade", "title"}
	if len(order) != len(want) {
		t.Fatalf("expected %d events in render order, got %v", len(want), order)
	}
	for i, id := range want {
		if order[i] != id {
			t.Errorf("render_order[%d] = %v, want %s", i, order[i], id)
		}
	}

	if got := ta.tick(t); got["pending"] != float64(0) {
		t.Errorf("validate must not create jobs, tick = %v", got)
	}
}

func TestSchedulerTick_RequiresToken(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/internal/scheduler/tick", "", map[string]string{
		"X-Trigger-Token": "wrong",
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)
}
