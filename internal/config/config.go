package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Config is loaded once at process start from the environment.
type Config struct {
	DBURL      string `envconfig:"DB_URL" default:"host=localhost user=user password=pass dbname=lapser port=5432 sslmode=disable"`
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	SessionKey string `envconfig:"SESSION_KEY" default:"change-me-in-production"`

	DataDir  string `envconfig:"DATA_DIR" default:"./data"`
	Timezone string `envconfig:"TIMEZONE" default:"UTC"`

	// Artifact storage backend: "fs" or "s3".
	StorageBackend string `envconfig:"STORAGE_BACKEND" default:"fs" validate:"oneof=fs s3"`
	S3Bucket       string `envconfig:"S3_BUCKET"`
	S3Region       string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Endpoint     string `envconfig:"S3_ENDPOINT"`
	S3AccessKey    string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey    string `envconfig:"S3_SECRET_KEY"`

	ThumbnailWorkers  int           `envconfig:"THUMBNAIL_WORKERS" default:"3" validate:"min=1,max=16"`
	MaxConcurrentJobs int           `envconfig:"MAX_CONCURRENT_VIDEO_JOBS" default:"3" validate:"min=1,max=16"`
	PollInterval      time.Duration `envconfig:"JOB_POLL_INTERVAL" default:"2s"`
	AutomationCycle   time.Duration `envconfig:"AUTOMATION_CYCLE" default:"60s"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"6h"`
	JobRetentionHours int           `envconfig:"JOB_RETENTION_HOURS" default:"72"`

	CaptureTimeout time.Duration `envconfig:"CAPTURE_TIMEOUT" default:"30s"`
	VideoTimeout   time.Duration `envconfig:"VIDEO_TIMEOUT" default:"10m"`
	FFmpegPath     string        `envconfig:"FFMPEG_PATH" default:"ffmpeg"`

	// When disabled every frame is kept unscored.
	DetectionEnabled bool `envconfig:"CORRUPTION_DETECTION_ENABLED" default:"true"`

	// Scheduler authority. When disabled the coordinator falls back to
	// direct queue insertion.
	UseRiverScheduler bool `envconfig:"USE_RIVER_SCHEDULER" default:"false"`
}

// Load reads and validates configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.StorageBackend == "s3" && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
	}
	return &cfg, nil
}

// Location resolves the configured timezone. Day boundaries for day numbers
// and schedule windows follow this location, never UTC dates.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}
