package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"EnrollDispatch/internal/dispatcherr"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	// ----------------------------
	// AI API credentials
	// ----------------------------
	APIKeys  []string `envconfig:"AI_API_KEYS" required:"true"`
	AIAPIURL string   `envconfig:"AI_API_URL" default:"http://localhost:8000/v1/quizzes"`
	Cooldown int      `envconfig:"COOLDOWN_SECONDS" default:"60"`

	// ----------------------------
	// Delivery
	// ----------------------------
	MaxConcurrency int           `envconfig:"MAX_CONCURRENCY" default:"10"`
	MaxAttempts    int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	CallTimeout    time.Duration `envconfig:"CALL_TIMEOUT" default:"15s"`
	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`
	SweepBatch     int           `envconfig:"SWEEP_BATCH" default:"50"`
	RetryInitial   time.Duration `envconfig:"RETRY_INITIAL" default:"1m"`
	RetryMax       time.Duration `envconfig:"RETRY_MAX" default:"1h"`
	RateLimit      int           `envconfig:"RATE_LIMIT" default:"0"`

	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@enrolldispatch.local"`

	// ----------------------------
	// Storage
	// ----------------------------
	StoreBackend string        `envconfig:"STORE_BACKEND" default:"memory"`
	DatabaseURL  string        `envconfig:"DATABASE_URL" default:""`
	DBWait       time.Duration `envconfig:"DB_WAIT" default:"30s"`
	RedisAddr    string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	TrackingTTL  time.Duration `envconfig:"TRACKING_TTL" default:"720h"`

	// ----------------------------
	// Events
	// ----------------------------
	AMQPURL   string `envconfig:"AMQP_URL" default:""`
	AMQPQueue string `envconfig:"AMQP_QUEUE" default:"enrollment.events"`

	// ----------------------------
	// Campaigns
	// ----------------------------
	CampaignsFile string `envconfig:"CAMPAIGNS_FILE" default:"campaigns.toml"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", dispatcherr.ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values envconfig cannot.
func (c *Config) Validate() error {
	keys := 0
	for _, k := range c.APIKeys {
		if strings.TrimSpace(k) != "" {
			keys++
		}
	}
	if keys == 0 {
		return fmt.Errorf("%w: AI_API_KEYS has no usable key", dispatcherr.ErrConfiguration)
	}

	switch {
	case c.MaxConcurrency <= 0:
		return fmt.Errorf("%w: MAX_CONCURRENCY must be > 0", dispatcherr.ErrConfiguration)
	case c.MaxAttempts <= 0:
		return fmt.Errorf("%w: MAX_ATTEMPTS must be > 0", dispatcherr.ErrConfiguration)
	case c.Cooldown <= 0:
		return fmt.Errorf("%w: COOLDOWN_SECONDS must be > 0", dispatcherr.ErrConfiguration)
	case c.SweepInterval <= 0:
		return fmt.Errorf("%w: SWEEP_INTERVAL must be > 0", dispatcherr.ErrConfiguration)
	case c.RetryMax < c.RetryInitial:
		return fmt.Errorf("%w: RETRY_MAX must not be below RETRY_INITIAL", dispatcherr.ErrConfiguration)
	case c.RateLimit < 0:
		return fmt.Errorf("%w: RATE_LIMIT must be >= 0", dispatcherr.ErrConfiguration)
	}

	switch c.StoreBackend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres backend", dispatcherr.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown STORE_BACKEND %q", dispatcherr.ErrConfiguration, c.StoreBackend)
	}
	return nil
}

func (c *Config) CooldownDuration() time.Duration {
	return time.Duration(c.Cooldown) * time.Second
}
