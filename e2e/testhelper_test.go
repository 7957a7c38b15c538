package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/framecast/api/internal/auth"
	"github.com/framecast/api/internal/backoff"
	"github.com/framecast/api/internal/client"
	"github.com/framecast/api/internal/events"
	"github.com/framecast/api/internal/handler"
	"github.com/framecast/api/internal/logger"
	"github.com/framecast/api/internal/middleware"
	"github.com/framecast/api/internal/service"
	"github.com/framecast/api/internal/store"
	"github.com/framecast/api/internal/timeline"
	"github.com/framecast/api/internal/worker"
)

const (
	testJWTSecret    = "test-secret-for-e2e"
	testTriggerToken = "test-trigger-token"
	testUserID       = "test-user-123"
)

// testApp holds all components needed for testing
type testApp struct {
	app        *fiber.App
	store      *store.MemoryStore
	bus        *events.Bus
	artifacts  *client.LocalStore
	dispatcher *worker.LocalDispatcher
}

// setupApp wires the same components as main.go with in-process
// replacements: memory store, local artifact storage, the mock render
// backend and the local dispatcher. Retries and polls do not sleep.
func setupApp(t *testing.T) *testApp {
	t.Helper()
	log := logger.Discard()

	st := store.NewMemoryStore()
	bus := events.NewBus(0)

	artifacts, err := client.NewLocalStore(t.TempDir(), "http://localhost/artifacts")
	if err != nil {
		t.Fatalf("failed to create local store: %v", err)
	}
	backend := client.NewMockBackend("https://mock.framecast.test/renders")

	pipeline := worker.NewPipeline(st, backend, artifacts, bus, worker.Options{
		PollInterval: time.Millisecond,
		MaxPolls:     10,
		StepAttempts: 2,
	}, log).WithSleeper(backoff.NoSleep)
	failures := worker.NewFailureHandler(st, bus, log)
	dispatcher := worker.NewLocalDispatcher(pipeline, failures, 1, log).WithSleeper(backoff.NoSleep)
	t.Cleanup(func() { dispatcher.Close(context.Background()) })

	scheduler := worker.NewScheduler(st, dispatcher, 10, 15*time.Minute, log)
	renderService := service.NewRenderService(st, timeline.Default(), bus, log)

	app := handler.NewApp(handler.Router{
		Render:       handler.NewRenderHandler(renderService),
		Auth:         handler.NewAuthHandler(auth.NewResolver(nil, testJWTSecret)),
		Scheduler:    handler.NewSchedulerHandler(scheduler),
		Health:       handler.NewHealthHandler(st, nil, fiber.Map{"backend": "mock", "storage": "local"}),
		APIAuth:      middleware.NewLegacyAuthMiddleware(testJWTSecret).Authenticate(),
		RenderLimit:  middleware.NewRateLimiter(nil, log).RenderLimit(10000),
		TriggerToken: testTriggerToken,
		ArtifactsDir: artifacts.Root(),
		Log:          log,
	})

	return &testApp{
		app:        app,
		store:      st,
		bus:        bus,
		artifacts:  artifacts,
		dispatcher: dispatcher,
	}
}

// tick runs one scheduler pass over HTTP and waits for the dispatched jobs.
func (ta *testApp) tick(t *testing.T) map[string]interface{} {
	t.Helper()
	resp, err := doRequest(ta.app, http.MethodPost, "/internal/scheduler/tick", "", map[string]string{
		"X-Trigger-Token": testTriggerToken,
	})
	if err != nil {
		t.Fatalf("tick request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	result := parseJSON(t, resp)
	ta.dispatcher.Wait()
	return result
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	return generateTokenFor(t, testUserID)
}

func generateTokenFor(t *testing.T, userID string) string {
	t.Helper()
	signed, err := auth.GenerateLegacyToken(userID, userID+"@example.com", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
