package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != "8000" {
		t.Errorf("Server.Port = %q, want 8000", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Backend.CompositionID != "JsonDrivenVideo" {
		t.Errorf("Backend.CompositionID = %q", cfg.Backend.CompositionID)
	}
	p := cfg.Pipeline
	if p.BatchSize != 5 || p.MaxPolls != 60 || p.StepAttempts != 3 {
		t.Errorf("pipeline counts = %d/%d/%d, want 5/60/3", p.BatchSize, p.MaxPolls, p.StepAttempts)
	}
	if p.PollInterval != 10*time.Second || p.ScanInterval != time.Minute || p.Lease != 15*time.Minute {
		t.Errorf("pipeline durations = %v/%v/%v", p.PollInterval, p.ScanInterval, p.Lease)
	}
	if p.PollBudget() != 10*time.Minute {
		t.Errorf("PollBudget() = %v, want 10m", p.PollBudget())
	}
	if p.Dispatcher != "asynq" {
		t.Errorf("Dispatcher = %q, want asynq", p.Dispatcher)
	}
}

func TestLoadFromEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("STORE_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/framecast")
	t.Setenv("BACKEND_ENDPOINT", "https://api.runpod.ai/v2/abc/run/")
	t.Setenv("BACKEND_API_KEY", "key")
	t.Setenv("PIPELINE_POLL_INTERVAL", "2s")
	t.Setenv("PIPELINE_MAX_POLLS", "3")
	t.Setenv("PIPELINE_DISPATCHER", "local")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("Store.Driver = %q, want postgres", cfg.Store.Driver)
	}
	if cfg.Backend.Endpoint != "https://api.runpod.ai/v2/abc/run" {
		t.Errorf("Backend.Endpoint = %q", cfg.Backend.Endpoint)
	}
	if !cfg.Backend.IsConfigured() {
		t.Error("Backend.IsConfigured() = false, want true")
	}
	if cfg.Pipeline.PollBudget() != 6*time.Second {
		t.Errorf("PollBudget() = %v, want 6s", cfg.Pipeline.PollBudget())
	}
	if cfg.Pipeline.Dispatcher != "local" {
		t.Errorf("Dispatcher = %q, want local", cfg.Pipeline.Dispatcher)
	}
}

func TestLoadSecretFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := filepath.Join(dir, "api_key")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BACKEND_API_KEY", "")
	t.Setenv("BACKEND_API_KEY_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.APIKey != "from-file" {
		t.Errorf("Backend.APIKey = %q, want from-file", cfg.Backend.APIKey)
	}
}

func TestLoadRejectsBadPipeline(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"zero batch", "PIPELINE_BATCH_SIZE", "0", "batch_size"},
		{"zero polls", "PIPELINE_MAX_POLLS", "0", "max_polls"},
		{"negative interval", "PIPELINE_POLL_INTERVAL", "-1s", "poll_interval"},
		{"unknown dispatcher", "PIPELINE_DISPATCHER", "kafka", "dispatcher"},
		{"unknown store", "STORE_DRIVER", "mongo", "store.driver"},
		{"postgres without url", "STORE_DRIVER", "postgres", "database.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t, t.TempDir())
			t.Setenv("DATABASE_URL", "")
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			if err == nil {
				t.Fatalf("Load() with %s=%s succeeded, want error", tt.key, tt.val)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

// chdir changes the working directory for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() error = %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir(%q) error = %v", dir, err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("Chdir(%q) error = %v", prev, err)
		}
	})
}
