// Package config loads waitpointd settings from YAML.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	apperrors "github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-waitpoint/debounce"
	"github.com/goliatone/go-waitpoint/eventlog"
	"github.com/goliatone/go-waitpoint/runner"
)

const ErrCodeInvalidConfig = "WAITPOINT_INVALID_CONFIG"

type Config struct {
	Version  int            `json:"version" yaml:"version"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Tokens   TokenConfig    `json:"tokens" yaml:"tokens"`
	Debounce DebounceConfig `json:"debounce" yaml:"debounce"`
	Events   EventsConfig   `json:"events" yaml:"events"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type ServerConfig struct {
	Address         string        `json:"address" yaml:"address"`
	PublicURL       string        `json:"public_url" yaml:"public_url"`
	CallbackSecret  string        `json:"callback_secret" yaml:"callback_secret"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StorageConfig picks the backend. Driver "memory" ignores DSN.
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type TokenConfig struct {
	DefaultIdempotencyTTL time.Duration `json:"default_idempotency_ttl" yaml:"default_idempotency_ttl"`
	SweepInterval         time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	// TimerHorizon bounds per-token timers; later deadlines wait for the sweep.
	TimerHorizon time.Duration `json:"timer_horizon" yaml:"timer_horizon"`
}

type RetryConfig struct {
	Base   time.Duration `json:"base" yaml:"base"`
	Factor float64       `json:"factor" yaml:"factor"`
	Max    time.Duration `json:"max" yaml:"max"`
}

type DebounceConfig struct {
	WorkerID      string                 `json:"worker_id" yaml:"worker_id"`
	PollInterval  time.Duration          `json:"poll_interval" yaml:"poll_interval"`
	LeaseDuration time.Duration          `json:"lease_duration" yaml:"lease_duration"`
	JobTimeout    time.Duration          `json:"job_timeout" yaml:"job_timeout"`
	MaxAttempts   int                    `json:"max_attempts" yaml:"max_attempts"`
	BatchLimit    int                    `json:"batch_limit" yaml:"batch_limit"`
	DefaultDelay  time.Duration          `json:"default_delay" yaml:"default_delay"`
	Refresh       debounce.RefreshPolicy `json:"refresh" yaml:"refresh"`
	Retry         RetryConfig            `json:"retry" yaml:"retry"`
}

type EventsConfig struct {
	PartitioningEnabled      bool          `json:"partitioning_enabled" yaml:"partitioning_enabled"`
	PartitionWindow          time.Duration `json:"partition_window" yaml:"partition_window"`
	MaxTraceSummaryViewCount int           `json:"max_trace_summary_view_count" yaml:"max_trace_summary_view_count"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
	Path      string `json:"path" yaml:"path"`
}

// Defaults returns a configuration that runs everything in memory on :8080.
func Defaults() Config {
	return Config{
		Version: 1,
		Server: ServerConfig{
			Address:         ":8080",
			PublicURL:       "http://localhost:8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Driver: "memory",
			DSN:    "file:waitpoint.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		},
		Tokens: TokenConfig{
			DefaultIdempotencyTTL: 30 * 24 * time.Hour,
			SweepInterval:         30 * time.Second,
			TimerHorizon:          time.Hour,
		},
		Debounce: DebounceConfig{
			WorkerID:      "waitpointd-1",
			PollInterval:  250 * time.Millisecond,
			LeaseDuration: 30 * time.Second,
			JobTimeout:    30 * time.Second,
			MaxAttempts:   5,
			BatchLimit:    100,
			DefaultDelay:  debounce.DefaultDelay,
			Refresh:       debounce.RefreshExtend,
			Retry: RetryConfig{
				Base:   time.Second,
				Factor: 2,
				Max:    time.Minute,
			},
		},
		Events: EventsConfig{
			PartitionWindow:          eventlog.DefaultPartitionWindow,
			MaxTraceSummaryViewCount: eventlog.DefaultMaxTraceSummaryViewCount,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Metrics: MetricsConfig{Enabled: true, Namespace: "waitpoint", Path: "/metrics"},
	}
}

// Load reads path over Defaults. An empty path returns Defaults.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg := Defaults()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, apperrors.Wrap(err, apperrors.CategoryBadInput, fmt.Sprintf("read config %s", path)).
			WithTextCode(ErrCodeInvalidConfig)
	}
	return Parse(data)
}

// Parse decodes YAML (or JSON) over Defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, apperrors.Wrap(err, apperrors.CategoryBadInput, "decode config").
			WithTextCode(ErrCodeInvalidConfig)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	return invalid(validation.ValidateStruct(&c,
		validation.Field(&c.Version, validation.In(1).Error("unsupported config version")),
		validation.Field(&c.Server),
		validation.Field(&c.Storage),
		validation.Field(&c.Tokens),
		validation.Field(&c.Debounce),
		validation.Field(&c.Events),
		validation.Field(&c.Logging),
		validation.Field(&c.Metrics),
	))
}

func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Address, validation.Required),
		validation.Field(&s.PublicURL, validation.Required, validation.By(absoluteURL)),
		validation.Field(&s.ReadTimeout, validation.Min(time.Duration(0))),
		validation.Field(&s.WriteTimeout, validation.Min(time.Duration(0))),
		validation.Field(&s.ShutdownTimeout, validation.Min(time.Duration(0))),
	)
}

func (s StorageConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Driver, validation.Required, validation.In("memory", "sqlite")),
		validation.Field(&s.DSN, validation.When(s.Driver == "sqlite", validation.Required)),
	)
}

func (t TokenConfig) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.DefaultIdempotencyTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&t.SweepInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&t.TimerHorizon, validation.Min(time.Duration(0))),
	)
}

func (d DebounceConfig) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.WorkerID, validation.Required),
		validation.Field(&d.PollInterval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&d.LeaseDuration, validation.Required, validation.Min(time.Second)),
		validation.Field(&d.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&d.BatchLimit, validation.Required, validation.Min(1)),
		validation.Field(&d.DefaultDelay, validation.Required),
		validation.Field(&d.Refresh, validation.In(debounce.RefreshExtend, debounce.RefreshKeep)),
	)
}

func (e EventsConfig) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.PartitionWindow, validation.Min(time.Duration(0))),
		validation.Field(&e.MaxTraceSummaryViewCount, validation.Required, validation.Min(1)),
	)
}

func (l LoggingConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("trace", "debug", "info", "warn", "error", "fatal")),
		validation.Field(&l.Format, validation.In("console", "json", "pretty")),
	)
}

func (m MetricsConfig) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Path, validation.When(m.Enabled, validation.Required, validation.By(absolutePath))),
	)
}

// RetryStrategy builds the debounce worker backoff.
func (d DebounceConfig) RetryStrategy() runner.RetryStrategy {
	return runner.ExponentialBackoffStrategy{Base: d.Retry.Base, Factor: d.Retry.Factor, Max: d.Retry.Max}
}

// EventLog converts the events section for eventlog.NewStore.
func (e EventsConfig) EventLog() eventlog.Config {
	return eventlog.Config{
		PartitioningEnabled:      e.PartitioningEnabled,
		PartitionWindow:          e.PartitionWindow,
		MaxTraceSummaryViewCount: e.MaxTraceSummaryViewCount,
	}
}

func absoluteURL(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("must be an absolute URL")
	}
	return nil
}

func absolutePath(value any) error {
	s, _ := value.(string)
	if s != "" && !strings.HasPrefix(s, "/") {
		return fmt.Errorf("must start with /")
	}
	return nil
}

func invalid(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.FromOzzoValidation(err, "invalid configuration").WithTextCode(ErrCodeInvalidConfig)
}
