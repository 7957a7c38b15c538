package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

var secretEnvKeys = []string{
	"REDIS_PASSWORD",
	"DATABASE_URL",
	"JWT_SECRET",
	"OIDC_CLIENT_ID",
	"BACKEND_API_KEY",
	"R2_ACCOUNT_ID",
	"R2_ACCESS_KEY_ID",
	"R2_SECRET_ACCESS_KEY",
	"GCS_CREDENTIALS_JSON",
	"SCHEDULER_TRIGGER_TOKEN",
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Store     StoreConfig
	JWT       JWTConfig
	OIDC      OIDCConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
	Backend   BackendConfig
	Storage   StorageConfig
	Pipeline  PipelineConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	URL      string
	MaxConns int32
}

// StoreConfig selects the JobStore implementation: postgres, redis or memory.
type StoreConfig struct {
	Driver string
}

type JWTConfig struct {
	Secret string
}

type OIDCConfig struct {
	Issuer   string
	ClientID string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	RenderPerHour int
}

// BackendConfig points at a RunPod-style serverless render endpoint.
// Endpoint is the submit URL, e.g. https://api.runpod.ai/v2/<id>/run.
type BackendConfig struct {
	Endpoint      string
	APIKey        string
	CompositionID string
	Timeout       int // seconds, per HTTP request
}

// IsConfigured reports whether a real backend is available.
func (c BackendConfig) IsConfigured() bool {
	return c.Endpoint != "" && c.APIKey != ""
}

// StorageConfig selects where timeline artifacts are uploaded: r2, gcs or local.
type StorageConfig struct {
	Provider string
	R2       R2Config
	GCS      GCSConfig
	Local    LocalStorageConfig
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	// SignedURLExpiry > 0 hands the backend presigned URLs instead of public ones.
	SignedURLExpiry time.Duration
}

type GCSConfig struct {
	Bucket          string
	CredentialsJSON string
	CredentialsFile string
	PublicURL       string
}

type LocalStorageConfig struct {
	Dir     string
	BaseURL string
}

type PipelineConfig struct {
	BatchSize        int
	ScanInterval     time.Duration
	PollInterval     time.Duration
	MaxPolls         int
	StepAttempts     int
	RetryInitial     time.Duration
	RetryMax         time.Duration
	Lease            time.Duration
	CleanupArtifacts bool
	Dispatcher       string // asynq or local
	Concurrency      int
	MaxTaskRetry     int
	TriggerToken     string
}

// PollBudget is the longest a job can spend polling the backend.
func (p PipelineConfig) PollBudget() time.Duration {
	return p.PollInterval * time.Duration(p.MaxPolls)
}

func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	for _, key := range secretEnvKeys {
		readSecret(key)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()
	bindEnv(v)
	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			LogFormat: v.GetString("server.log_format"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			URL:      v.GetString("database.url"),
			MaxConns: v.GetInt32("database.max_conns"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(v.GetString("store.driver")),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		OIDC: OIDCConfig{
			Issuer:   v.GetString("oidc.issuer"),
			ClientID: v.GetString("oidc.client_id"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			RenderPerHour: v.GetInt("ratelimit.render_per_hour"),
		},
		Backend: BackendConfig{
			Endpoint:      strings.TrimRight(v.GetString("backend.endpoint"), "/"),
			APIKey:        v.GetString("backend.api_key"),
			CompositionID: v.GetString("backend.composition_id"),
			Timeout:       v.GetInt("backend.timeout"),
		},
		Storage: StorageConfig{
			Provider: strings.ToLower(v.GetString("storage.provider")),
			R2: R2Config{
				AccountID:       v.GetString("storage.r2.account_id"),
				AccessKeyID:     v.GetString("storage.r2.access_key_id"),
				SecretAccessKey: v.GetString("storage.r2.secret_access_key"),
				BucketName:      v.GetString("storage.r2.bucket_name"),
				PublicURL:       v.GetString("storage.r2.public_url"),
				SignedURLExpiry: v.GetDuration("storage.r2.signed_url_expiry"),
			},
			GCS: GCSConfig{
				Bucket:          v.GetString("storage.gcs.bucket"),
				CredentialsJSON: v.GetString("storage.gcs.credentials_json"),
				CredentialsFile: v.GetString("storage.gcs.credentials_file"),
				PublicURL:       v.GetString("storage.gcs.public_url"),
			},
			Local: LocalStorageConfig{
				Dir:     v.GetString("storage.local.dir"),
				BaseURL: v.GetString("storage.local.base_url"),
			},
		},
		Pipeline: PipelineConfig{
			BatchSize:        v.GetInt("pipeline.batch_size"),
			ScanInterval:     v.GetDuration("pipeline.scan_interval"),
			PollInterval:     v.GetDuration("pipeline.poll_interval"),
			MaxPolls:         v.GetInt("pipeline.max_polls"),
			StepAttempts:     v.GetInt("pipeline.step_attempts"),
			RetryInitial:     v.GetDuration("pipeline.retry_initial"),
			RetryMax:         v.GetDuration("pipeline.retry_max"),
			Lease:            v.GetDuration("pipeline.lease"),
			CleanupArtifacts: v.GetBool("pipeline.cleanup_artifacts"),
			Dispatcher:       strings.ToLower(v.GetString("pipeline.dispatcher")),
			Concurrency:      v.GetInt("pipeline.concurrency"),
			MaxTaskRetry:     v.GetInt("pipeline.max_task_retry"),
			TriggerToken:     v.GetString("pipeline.trigger_token"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Bind environment variables with underscores to nested config keys
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.log_format", "LOG_FORMAT")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("database.max_conns", "DATABASE_MAX_CONNS")
	_ = v.BindEnv("store.driver", "STORE_DRIVER")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = v.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("ratelimit.render_per_hour", "RATELIMIT_RENDER_PER_HOUR")
	_ = v.BindEnv("backend.endpoint", "BACKEND_ENDPOINT")
	_ = v.BindEnv("backend.api_key", "BACKEND_API_KEY")
	_ = v.BindEnv("backend.composition_id", "BACKEND_COMPOSITION_ID")
	_ = v.BindEnv("backend.timeout", "BACKEND_TIMEOUT")
	_ = v.BindEnv("storage.provider", "STORAGE_PROVIDER")
	_ = v.BindEnv("storage.r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("storage.r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("storage.r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("storage.r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("storage.r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("storage.r2.signed_url_expiry", "R2_SIGNED_URL_EXPIRY")
	_ = v.BindEnv("storage.gcs.bucket", "GCS_BUCKET")
	_ = v.BindEnv("storage.gcs.credentials_json", "GCS_CREDENTIALS_JSON")
	_ = v.BindEnv("storage.gcs.credentials_file", "GCS_CREDENTIALS_FILE")
	_ = v.BindEnv("storage.gcs.public_url", "GCS_PUBLIC_URL")
	_ = v.BindEnv("storage.local.dir", "LOCAL_STORAGE_DIR")
	_ = v.BindEnv("storage.local.base_url", "LOCAL_STORAGE_BASE_URL")
	_ = v.BindEnv("pipeline.batch_size", "PIPELINE_BATCH_SIZE")
	_ = v.BindEnv("pipeline.scan_interval", "PIPELINE_SCAN_INTERVAL")
	_ = v.BindEnv("pipeline.poll_interval", "PIPELINE_POLL_INTERVAL")
	_ = v.BindEnv("pipeline.max_polls", "PIPELINE_MAX_POLLS")
	_ = v.BindEnv("pipeline.step_attempts", "PIPELINE_STEP_ATTEMPTS")
	_ = v.BindEnv("pipeline.retry_initial", "PIPELINE_RETRY_INITIAL")
	_ = v.BindEnv("pipeline.retry_max", "PIPELINE_RETRY_MAX")
	_ = v.BindEnv("pipeline.lease", "PIPELINE_LEASE")
	_ = v.BindEnv("pipeline.cleanup_artifacts", "PIPELINE_CLEANUP_ARTIFACTS")
	_ = v.BindEnv("pipeline.dispatcher", "PIPELINE_DISPATCHER")
	_ = v.BindEnv("pipeline.concurrency", "PIPELINE_CONCURRENCY")
	_ = v.BindEnv("pipeline.max_task_retry", "PIPELINE_MAX_TASK_RETRY")
	_ = v.BindEnv("pipeline.trigger_token", "SCHEDULER_TRIGGER_TOKEN")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.render_per_hour", 20)

	// Backend defaults
	v.SetDefault("backend.composition_id", "JsonDrivenVideo")
	v.SetDefault("backend.timeout", 30)

	// Storage defaults
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.local.dir", "./data/artifacts")
	v.SetDefault("storage.local.base_url", "http://localhost:8000/artifacts")

	// Pipeline defaults
	v.SetDefault("pipeline.batch_size", 5)
	v.SetDefault("pipeline.scan_interval", time.Minute)
	v.SetDefault("pipeline.poll_interval", 10*time.Second)
	v.SetDefault("pipeline.max_polls", 60)
	v.SetDefault("pipeline.step_attempts", 3)
	v.SetDefault("pipeline.retry_initial", time.Second)
	v.SetDefault("pipeline.retry_max", 30*time.Second)
	v.SetDefault("pipeline.lease", 15*time.Minute)
	v.SetDefault("pipeline.cleanup_artifacts", false)
	v.SetDefault("pipeline.dispatcher", "asynq")
	v.SetDefault("pipeline.concurrency", 10)
	v.SetDefault("pipeline.max_task_retry", 3)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "memory", "redis":
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Storage.Provider {
	case "local":
		if c.Storage.Local.Dir == "" {
			errs = append(errs, errors.New("storage.local.dir is required"))
		}
	case "r2":
		if c.Storage.R2.BucketName == "" {
			errs = append(errs, errors.New("storage.r2.bucket_name is required"))
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			errs = append(errs, errors.New("storage.gcs.bucket is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.provider %q", c.Storage.Provider))
	}

	p := c.Pipeline
	if p.BatchSize <= 0 {
		errs = append(errs, errors.New("pipeline.batch_size must be positive"))
	}
	if p.ScanInterval <= 0 {
		errs = append(errs, errors.New("pipeline.scan_interval must be positive"))
	}
	if p.PollInterval <= 0 {
		errs = append(errs, errors.New("pipeline.poll_interval must be positive"))
	}
	if p.MaxPolls <= 0 {
		errs = append(errs, errors.New("pipeline.max_polls must be positive"))
	}
	if p.StepAttempts <= 0 {
		errs = append(errs, errors.New("pipeline.step_attempts must be positive"))
	}
	if p.RetryInitial <= 0 || p.RetryMax < p.RetryInitial {
		errs = append(errs, errors.New("pipeline.retry_initial must be positive and not above pipeline.retry_max"))
	}
	if p.Lease <= 0 {
		errs = append(errs, errors.New("pipeline.lease must be positive"))
	}
	if p.Concurrency <= 0 {
		errs = append(errs, errors.New("pipeline.concurrency must be positive"))
	}
	if p.MaxTaskRetry < 0 {
		errs = append(errs, errors.New("pipeline.max_task_retry must not be negative"))
	}
	switch p.Dispatcher {
	case "asynq", "local":
	default:
		errs = append(errs, fmt.Errorf("unknown pipeline.dispatcher %q", p.Dispatcher))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
