package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Job and KV backend names.
const (
	JobsBackendRiver  = "river"
	JobsBackendSQLite = "sqlite"
	JobsBackendMemory = "memory"
	JobsBackendDummy  = "dummy"

	KVBackendMemory   = "memory"
	KVBackendPostgres = "postgres"
	KVBackendRedis    = "redis"
)

type Config struct {
	Environment     string        `env:"ENVIRONMENT" envDefault:"development" yaml:"environment" validate:"oneof=development test staging production"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s" yaml:"shutdown_timeout" validate:"gt=0"`

	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	KV        KVConfig        `yaml:"kv"`
	Access    AccessConfig    `yaml:"access"`
	EventBus  EventBusConfig  `yaml:"event_bus"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info" yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `env:"LOG_FORMAT" envDefault:"json" yaml:"format" validate:"oneof=json console"`
}

type TracingConfig struct {
	Enabled      bool    `env:"TRACING_ENABLED" envDefault:"false" yaml:"enabled"`
	Exporter     string  `env:"TRACING_EXPORTER" envDefault:"stdout" yaml:"exporter" validate:"oneof=stdout otlp none"`
	ServiceName  string  `env:"OTEL_SERVICE_NAME" envDefault:"oxide-admin" yaml:"service_name" validate:"required"`
	OTLPEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317" yaml:"otlp_endpoint"`
	SampleRate   float64 `env:"TRACING_SAMPLE_RATE" envDefault:"1.0" yaml:"sample_rate" validate:"gte=0,lte=1"`
}

type DatabaseConfig struct {
	URL            string `env:"DATABASE_URL" yaml:"url"`
	MaxConnections int    `env:"DATABASE_MAX_CONNECTIONS" envDefault:"25" yaml:"max_connections" validate:"gte=1"`
	MaxIdle        int    `env:"DATABASE_MAX_IDLE_CONNECTIONS" envDefault:"5" yaml:"max_idle_connections" validate:"gte=0"`
}

type RedisConfig struct {
	URL       string `env:"REDIS_URL" yaml:"url"`
	Namespace string `env:"REDIS_NAMESPACE" envDefault:"oxide" yaml:"namespace"`
}

type KVConfig struct {
	Backend string `env:"KV_BACKEND" envDefault:"memory" yaml:"backend" validate:"oneof=memory postgres redis"`
}

type AccessConfig struct {
	// File is a YAML role/user table served by the static snapshot source.
	File     string        `env:"ACCESS_FILE" yaml:"file"`
	CacheTTL time.Duration `env:"ACCESS_CACHE_TTL" envDefault:"30m" yaml:"cache_ttl" validate:"gt=0"`
}

type EventBusConfig struct {
	Capacity int `env:"EVENT_BUS_CAPACITY" envDefault:"64" yaml:"capacity" validate:"gte=1"`
}

type JobsConfig struct {
	Backend           string        `env:"JOBS_BACKEND" envDefault:"dummy" yaml:"backend" validate:"oneof=river sqlite memory dummy"`
	Workers           int           `env:"JOBS_WORKERS" envDefault:"4" yaml:"workers" validate:"gte=1"`
	VisibilityTimeout time.Duration `env:"JOBS_VISIBILITY_TIMEOUT" envDefault:"5m" yaml:"visibility_timeout" validate:"gt=0"`
	PollInterval      time.Duration `env:"JOBS_POLL_INTERVAL" envDefault:"1s" yaml:"poll_interval" validate:"gt=0"`
	SQLitePath        string        `env:"JOBS_SQLITE_PATH" yaml:"sqlite_path"`
}

type SchedulerConfig struct {
	Enabled  bool   `env:"SCHEDULER_ENABLED" envDefault:"true" yaml:"enabled"`
	Timezone string `env:"SCHEDULER_TIMEZONE" envDefault:"UTC" yaml:"timezone"`
	// DeleteExpiredKV is the schedule of the expired KV entry sweep.
	DeleteExpiredKV string `env:"SCHEDULER_DELETE_EXPIRED_KV" envDefault:"every 1 hour" yaml:"delete_expired_kv"`
	// PruneRecords is the schedule of the sched_records cleanup. It only runs with a database.
	PruneRecords    string        `env:"SCHEDULER_PRUNE_RECORDS" envDefault:"at 02:01" yaml:"prune_records"`
	RecordRetention time.Duration `env:"SCHEDULER_RECORD_RETENTION" envDefault:"168h" yaml:"record_retention" validate:"gt=0"`
}

type MetricsConfig struct {
	// Addr is the listen address of the Prometheus endpoint. Empty disables it.
	Addr string `env:"METRICS_ADDR" envDefault:":9090" yaml:"addr"`
}

// Location resolves the scheduler timezone.
func (c SchedulerConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("SCHEDULER_TIMEZONE: %w", err)
	}
	return loc, nil
}

// Load reads configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads configuration from the environment and overlays the YAML file at path.
// Keys present in the file take precedence over the environment.
func LoadFile(path string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the requirements of the selected backends.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if c.Jobs.Backend == JobsBackendRiver && c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required when JOBS_BACKEND=river"))
	}
	if c.Jobs.Backend == JobsBackendSQLite && c.Jobs.SQLitePath == "" {
		errs = append(errs, errors.New("JOBS_SQLITE_PATH is required when JOBS_BACKEND=sqlite"))
	}
	if c.KV.Backend == KVBackendPostgres && c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required when KV_BACKEND=postgres"))
	}
	if c.KV.Backend == KVBackendRedis && c.Redis.URL == "" {
		errs = append(errs, errors.New("REDIS_URL is required when KV_BACKEND=redis"))
	}
	if _, err := c.Scheduler.Location(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// IsProduction reports whether the server runs in production.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}
