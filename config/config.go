// Package config loads service settings from the environment (and an optional .env file).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr       string `env:"HTTP_ADDR" envDefault:":5200"`
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"postgres"`
	DatabaseURL    string `env:"DATABASE_URL,required,notEmpty"`
	GatewayToken   string `env:"GAME_SERVICE_TOKEN,required,notEmpty"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS" envDefault:"*"`

	CampaignInterval time.Duration `env:"CAMPAIGN_INTERVAL" envDefault:"24h"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	SweepGrace       time.Duration `env:"SWEEP_GRACE" envDefault:"15s"`
	StallThreshold   time.Duration `env:"STALL_THRESHOLD" envDefault:"10m"`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"json"` // json | console
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"SERVICE_NAME" envDefault:"pathbound"`

	Story       StoryConfig       `envPrefix:"STORY_"`
	Archive     ArchiveConfig     `envPrefix:"ARCHIVE_"`
	ProfileSync ProfileSyncConfig `envPrefix:"PROFILE_SYNC_"`
}

type StoryConfig struct {
	APIKey   string        `env:"API_KEY"`
	BaseURL  string        `env:"BASE_URL"`
	Model    string        `env:"MODEL" envDefault:"gpt-4o-mini"`
	MaxTries uint          `env:"MAX_TRIES" envDefault:"3"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"45s"`
}

// StoryRetryMaxWait caps the pause between generation attempts.
const StoryRetryMaxWait = 5 * time.Second

// Budget is the longest a generation call can take across all of its tries,
// randomized backoff included. Zero when tries have no timeout.
func (c StoryConfig) Budget() time.Duration {
	if c.Timeout <= 0 {
		return 0
	}
	tries := time.Duration(max(c.MaxTries, 1))
	return tries*c.Timeout + (tries-1)*StoryRetryMaxWait*3/2
}

// ArchiveConfig points at an S3-compatible bucket (Cloudflare R2 in production).
type ArchiveConfig struct {
	Endpoint        string `env:"ENDPOINT"`
	Bucket          string `env:"BUCKET"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
	Region          string `env:"REGION" envDefault:"auto"`
	PublicBaseURL   string `env:"PUBLIC_BASE_URL"`
}

func (a ArchiveConfig) Enabled() bool { return a.Bucket != "" }

type ProfileSyncConfig struct {
	BaseURL  string        `env:"BASE_URL"`
	Token    string        `env:"TOKEN"`
	Interval time.Duration `env:"INTERVAL" envDefault:"5m"`
}

func (p ProfileSyncConfig) Enabled() bool { return p.BaseURL != "" }

// Load reads .env (if present) and parses the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.DatabaseDriver = strings.ToLower(cfg.DatabaseDriver)
	switch cfg.DatabaseDriver {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
	if cfg.Story.MaxTries == 0 {
		cfg.Story.MaxTries = 1
	}
	return &cfg, nil
}
