package config

import (
	"fmt"
	"image/color"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/dunamismax/photobatch/internal/pipeline"
	"github.com/hibiken/asynq"
)

type Config struct {
	API       APIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Batch     BatchConfig
	Composite CompositeConfig
	Webhook   WebhookConfig
	Tracing   TracingConfig
	Lock      LockConfig
}

// APIConfig throttles batch creation per client. A RateLimit of zero turns
// throttling off.
type APIConfig struct {
	Addr            string
	ClientIDHeader  string
	RateLimit       int
	RateLimitWindow time.Duration
	RateLimitPrefix string
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

// WorkerConfig.LocalRoot confines local_dir batches to paths strictly below
// it; empty disables local_dir batches.
type WorkerConfig struct {
	Concurrency      int
	MaxActiveBatches int
	ScratchDir       string
	MetricsAddr      string
	LocalRoot        string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// DatabaseConfig selects the batch store. An empty DSN keeps batch state in
// memory.
type DatabaseConfig struct {
	DSN string
}

type BatchConfig struct {
	Bound       int
	Background  string
	CropPattern string
	Workers     int
	JPEGQuality int
	StagingDir  string
	AutoOrient  bool
}

// Options converts the env settings into pipeline options.
func (b BatchConfig) Options() (pipeline.Options, error) {
	bg, err := ParseBackground(b.Background)
	if err != nil {
		return pipeline.Options{}, err
	}
	return pipeline.Options{
		Bound:       b.Bound,
		Background:  bg,
		CropPattern: b.CropPattern,
		JPEGQuality: b.JPEGQuality,
		AutoOrient:  b.AutoOrient,
		Workers:     b.Workers,
		StagingDir:  b.StagingDir,
	}, nil
}

type CompositeConfig struct {
	TemplatePath string
	TextLayer    string
	TextContent  string
	ScalePercent float64
	Format       string
	MaxAttempts  int
	InitialDelay time.Duration
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type TracingConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

type LockConfig struct {
	TTL    time.Duration
	Prefix string
}

func Load() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr:            env("PHOTOBATCH_API_ADDR", ":8080"),
			ClientIDHeader:  env("API_CLIENT_ID_HEADER", "X-Client-ID"),
			RateLimit:       envInt("API_RATE_LIMIT", 30),
			RateLimitWindow: envDuration("API_RATE_LIMIT_WINDOW", time.Minute),
			RateLimitPrefix: env("API_RATE_LIMIT_PREFIX", "photobatch:ratelimit"),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency:      envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveBatches: envInt("WORKER_MAX_ACTIVE_BATCHES", defaultWorkerSlots),
			ScratchDir:       env("WORKER_SCRATCH_DIR", os.TempDir()),
			MetricsAddr:      env("WORKER_METRICS_ADDR", ":9091"),
			LocalRoot:        env("WORKER_LOCAL_ROOT", ""),
		},
		Storage: StorageConfig{
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "photobatch"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Batch: BatchConfig{
			Bound:       envInt("PHOTOBATCH_BOUND", pipeline.DefaultBound),
			Background:  env("PHOTOBATCH_BACKGROUND", "255,255,255"),
			CropPattern: envRaw("PHOTOBATCH_CROP_PATTERN", pipeline.DefaultCropPattern),
			Workers:     envInt("PHOTOBATCH_WORKERS", runtime.NumCPU()),
			JPEGQuality: envInt("PHOTOBATCH_JPEG_QUALITY", pipeline.DefaultJPEGQuality),
			StagingDir:  env("PHOTOBATCH_STAGING_DIR", ""),
			AutoOrient:  envBool("PHOTOBATCH_AUTO_ORIENT", false),
		},
		Composite: CompositeConfig{
			TemplatePath: env("PHOTOBATCH_TEMPLATE", ""),
			TextLayer:    env("PHOTOBATCH_TEXT_LAYER", "Facts"),
			TextContent:  env("PHOTOBATCH_TEXT", ""),
			ScalePercent: envFloat("PHOTOBATCH_SCALE_PERCENT", 100),
			Format:       env("PHOTOBATCH_FORMAT", "jpg"),
			MaxAttempts:  envInt("PHOTOBATCH_EDITOR_MAX_ATTEMPTS", 5),
			InitialDelay: envDuration("PHOTOBATCH_EDITOR_BACKOFF", 500*time.Millisecond),
		},
		Webhook: WebhookConfig{
			SigningSecret:  env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:        envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:    envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("WEBHOOK_MAX_BACKOFF", 10*time.Second),
		},
		Tracing: TracingConfig{
			Exporter:     env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
		Lock: LockConfig{
			TTL:    envDuration("BATCH_LOCK_TTL", 30*time.Minute),
			Prefix: env("BATCH_LOCK_PREFIX", "photobatch:lock:"),
		},
	}
}

// ParseBackground accepts "r,g,b" or "#rrggbb".
func ParseBackground(in string) (color.RGBA, error) {
	c, err := pipeline.ParseColor(in)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("parse background: %w", err)
	}
	return c, nil
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

// envRaw keeps an explicitly empty value, so a setting can be switched off.
func envRaw(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
