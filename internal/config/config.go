package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by the server, worker and
// tracking binaries. Each binary reads only the sections it needs.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Tracking TrackingConfig `yaml:"tracking"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Queue    QueueConfig    `yaml:"queue"`
	PMTA     PMTAConfig     `yaml:"pmta"`
	SQS      SQSConfig      `yaml:"sqs"`
	Geo      GeoConfig      `yaml:"geo"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port         int      `yaml:"port"`
	Host         string   `yaml:"host"`
	TrackingPort int      `yaml:"tracking_port"`
	CORSOrigins  []string `yaml:"cors_origins"`
}

// Addr returns host:port for the API listener.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// TrackingAddr returns host:port for the tracking redirector listener.
func (s ServerConfig) TrackingAddr() string { return fmt.Sprintf("%s:%d", s.Host, s.TrackingPort) }

type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// TrackingConfig controls link and open tracking.
type TrackingConfig struct {
	Secret       string `yaml:"secret"`
	Host         string `yaml:"host"`
	OptOutAttr   string `yaml:"opt_out_attribute"`
	FallbackURL  string `yaml:"fallback_url"`
	LinkTTLHours int    `yaml:"link_ttl_hours"`
}

// LinkTTL is zero when links never expire.
func (t TrackingConfig) LinkTTL() time.Duration { return time.Duration(t.LinkTTLHours) * time.Hour }

// DeliveryConfig tunes the scheduler.
type DeliveryConfig struct {
	BatchSize          int   `yaml:"batch_size"`
	TaskMaxAttempts    int   `yaml:"task_max_attempts"`
	SnapshotAudience   *bool `yaml:"snapshot_audience"`
	WinnerBufferMins   int   `yaml:"winner_buffer_minutes"`
	DefaultWinnerHours int   `yaml:"default_winner_wait_hours"`
	LockTTLSeconds     int   `yaml:"lock_ttl_seconds"`
}

// Snapshot defaults to true when unset.
func (d DeliveryConfig) Snapshot() bool { return d.SnapshotAudience == nil || *d.SnapshotAudience }

func (d DeliveryConfig) WinnerBuffer() time.Duration {
	return time.Duration(d.WinnerBufferMins) * time.Minute
}

func (d DeliveryConfig) DefaultWinnerWait() time.Duration {
	return time.Duration(d.DefaultWinnerHours) * time.Hour
}

func (d DeliveryConfig) LockTTL() time.Duration {
	return time.Duration(d.LockTTLSeconds) * time.Second
}

// QueueConfig tunes the Redis task queue workers.
type QueueConfig struct {
	Name           string `yaml:"name"`
	Concurrency    int    `yaml:"concurrency"`
	PollMillis     int    `yaml:"poll_interval_ms"`
	RetryBaseSecs  int    `yaml:"retry_base_seconds"`
	DedupTTLHours  int    `yaml:"dedup_ttl_hours"`
	VisibilitySecs int    `yaml:"visibility_timeout_seconds"`
}

type PMTAConfig struct {
	InjectorURL    string `yaml:"injector_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxAttempts    int    `yaml:"max_attempts"`
	Concurrency    int    `yaml:"concurrency"`
	AcctDir        string `yaml:"acct_dir"`
}

type SQSConfig struct {
	Region      string `yaml:"region"`
	LogQueueURL string `yaml:"log_queue_url"`
	WaitSeconds int32  `yaml:"wait_seconds"`
	MaxMessages int32  `yaml:"max_messages"`
}

type GeoConfig struct {
	CityDBPath string `yaml:"city_db_path"`
}

type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact defaults to true when unset.
func (l LogConfig) Redact() bool { return l.RedactPII == nil || *l.RedactPII }

// Load reads a YAML config file and applies defaults. A missing file is not
// an error; defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.TrackingPort == 0 {
		cfg.Server.TrackingPort = 8081
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}
	if cfg.Tracking.OptOutAttr == "" {
		cfg.Tracking.OptOutAttr = "data-notrack"
	}
	if cfg.Delivery.BatchSize == 0 {
		cfg.Delivery.BatchSize = 500
	}
	if cfg.Delivery.TaskMaxAttempts == 0 {
		cfg.Delivery.TaskMaxAttempts = 3
	}
	if cfg.Delivery.WinnerBufferMins == 0 {
		cfg.Delivery.WinnerBufferMins = 30
	}
	if cfg.Delivery.DefaultWinnerHours == 0 {
		cfg.Delivery.DefaultWinnerHours = 4
	}
	if cfg.Delivery.LockTTLSeconds == 0 {
		cfg.Delivery.LockTTLSeconds = 300
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "broadcast"
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 16
	}
	if cfg.Queue.PollMillis == 0 {
		cfg.Queue.PollMillis = 500
	}
	if cfg.Queue.RetryBaseSecs == 0 {
		cfg.Queue.RetryBaseSecs = 30
	}
	if cfg.Queue.DedupTTLHours == 0 {
		cfg.Queue.DedupTTLHours = 72
	}
	if cfg.Queue.VisibilitySecs == 0 {
		cfg.Queue.VisibilitySecs = 300
	}
	if cfg.PMTA.TimeoutSeconds == 0 {
		cfg.PMTA.TimeoutSeconds = 30
	}
	if cfg.PMTA.MaxAttempts == 0 {
		cfg.PMTA.MaxAttempts = 2
	}
	if cfg.PMTA.Concurrency == 0 {
		cfg.PMTA.Concurrency = 10
	}
	if cfg.SQS.Region == "" {
		cfg.SQS.Region = "us-east-1"
	}
	if cfg.SQS.WaitSeconds == 0 {
		cfg.SQS.WaitSeconds = 20
	}
	if cfg.SQS.MaxMessages == 0 {
		cfg.SQS.MaxMessages = 10
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// LoadFromEnv loads a .env file (if present), the YAML file, then applies
// environment variable overrides. Secrets live in the environment in
// deployed environments.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	overrides := []struct {
		env string
		dst *string
	}{
		{"DATABASE_URL", &cfg.Database.URL},
		{"REDIS_URL", &cfg.Redis.URL},
		{"TRACKING_SECRET", &cfg.Tracking.Secret},
		{"TRACKING_HOST", &cfg.Tracking.Host},
		{"TRACKING_FALLBACK_URL", &cfg.Tracking.FallbackURL},
		{"PMTA_INJECTOR_URL", &cfg.PMTA.InjectorURL},
		{"PMTA_ACCT_DIR", &cfg.PMTA.AcctDir},
		{"SQS_LOG_QUEUE_URL", &cfg.SQS.LogQueueURL},
		{"AWS_REGION", &cfg.SQS.Region},
		{"GEOIP_CITY_DB", &cfg.Geo.CityDBPath},
		{"LOG_LEVEL", &cfg.Log.Level},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SNAPSHOT_AUDIENCE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Delivery.SnapshotAudience = &b
		}
	}

	return cfg, nil
}

// Validate reports missing settings required by every binary.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: database url is required")
	}
	if c.Tracking.Secret == "" {
		return fmt.Errorf("config: tracking secret is required")
	}
	if c.Tracking.Host == "" {
		return fmt.Errorf("config: tracking host is required")
	}
	return nil
}
