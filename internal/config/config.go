// Package config defines the options surface for each subsystem
// (Outbox, Inbox, Scheduler, Lease, Fanout, ControlPlane), each with a
// Validate method so misconfiguration is rejected at wiring time rather
// than surfacing as a runtime OptionsValidation error deep in a
// background loop. Configuration is loaded from a YAML file, then
// overridden by RELAYD_-prefixed environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/oriys/relaydb/internal/coordinationerrors"
	"gopkg.in/yaml.v3"
)

// OutboxOptions configures one tenant's outbox store and background
// dispatcher.
type OutboxOptions struct {
	ConnectionSpec          string        `yaml:"connection_spec"`           // DSN or opaque connection string
	SchemaName              string        `yaml:"schema_name"`               // Postgres schema, default "public"
	TableName               string        `yaml:"table_name"`                // default "outbox_messages"
	MaxPollingInterval      time.Duration `yaml:"max_polling_interval"`       // dispatcher empty-claim backoff, default 5s
	EnableSchemaDeployment  bool          `yaml:"enable_schema_deployment"`   // run EnsureOutboxSchema at startup
	EnableBackgroundWorkers bool          `yaml:"enable_background_workers"` // start the dispatcher loop at all
}

func (o OutboxOptions) Validate() error {
	if o.ConnectionSpec == "" {
		return coordinationerrors.New(coordinationerrors.KindOptionsValidation, "outbox: ConnectionSpec is required", coordinationerrors.ErrOptionsValidation)
	}
	if o.MaxPollingInterval < 0 {
		return coordinationerrors.New(coordinationerrors.KindOptionsValidation, "outbox: MaxPollingInterval must not be negative", coordinationerrors.ErrOptionsValidation)
	}
	return nil
}

// InboxOptions configures one tenant's inbox store, additionally naming
// its dedupe-row retention sweep.
type InboxOptions struct {
	ConnectionSpec          string        `yaml:"connection_spec"`
	SchemaName              string        `yaml:"schema_name"`
	TableName               string        `yaml:"table_name"` // default "inbox_messages"
	MaxPollingInterval      time.Duration `yaml:"max_polling_interval"`
	CleanupInterval         time.Duration `yaml:"cleanup_interval"` // must be > 0
	EnableSchemaDeployment  bool          `yaml:"enable_schema_deployment"`
	EnableBackgroundWorkers bool          `yaml:"enable_background_workers"`
}

func (o InboxOptions) Validate() error {
	if o.ConnectionSpec == "" {
		return coordinationerrors.New(coordinationerrors.KindOptionsValidation, "inbox: ConnectionSpec is required", coordinationerrors.ErrOptionsValidation)
	}
	if o.CleanupInterval <= 0 {
		return coordinationerrors.New(coordinationerrors.KindOptionsValidation, "inbox: CleanupInterval must be > 0", coordinationerrors.ErrOptionsValidation)
	}
	return nil
}

// SchedulerOptions configures the Job/Timer scheduler loop.
type SchedulerOptions struct {
	ConnectionSpec         string        `yaml:"connection_spec"`
	SchemaName             string        `yaml:"schema_name"`
	JobsTable              string        `yaml:"jobs_table"`   // default "jobs"
	TimersTable            string        `yaml:"timers_table"` // default "timers"
	MaxPollingInterval     time.Duration `yaml:"max_polling_interval"`
	LeaseDuration          time.Duration `yaml:"lease_duration"` // "scheduler" lease hold time, default 30s
	BatchSize              int           `yaml:"batch_size"`     // default 100
	EnableSchemaDeployment bool          `yaml:"enable_schema_deployment"`
}

func (o SchedulerOptions) Validate() error {
	if o.ConnectionSpec == "" {
		return coordinationerrors.New(coordinationerrors.KindOptionsValidation, "scheduler: ConnectionSpec is required", coordinationerrors.ErrOptionsValidation)
	}
	if o.MaxPollingInterval < time.Second {
		return coordinationerrors.New(coordinationerrors.KindOptionsValidation, "scheduler: MaxPollingInterval must be >= 1s", coordinationerrors.ErrOptionsValidation)
	}
	return nil
}

// LeaseOptions configures the LeaseFactory shared across subsystems that
// acquire named leases ("scheduler", "fanout:<topic>:<workKey>", and any
// caller-defined resource names).
type LeaseOptions struct {
	ConnectionSpec       string        `yaml:"connection_spec"`
	SchemaName           string        `yaml:"schema_name"`
	TableName            string        `yaml:"table_name"`             // default "leases"
	DefaultLeaseDuration time.Duration `yaml:"default_lease_duration"` // default 30s
	RenewPercent         float64       `yaml:"renew_percent"`          // (0, 1], default 0.6
	// UseGate and GateTimeoutMs are checked by Validate (GateTimeoutMs
	// must be > 0 when UseGate is set); no lease or startup-latch code
	// reads them, so setting them does not change how a lease is acquired.
	UseGate       bool `yaml:"use_gate"`
	GateTimeoutMs int  `yaml:"gate_timeout_ms"`
}

func (o LeaseOptions) Validate() error {
	if o.ConnectionSpec == "" {
		return coordinationerrors.New(coordinationerrors.KindOptionsValidation, "lease: ConnectionSpec is required", coordinationerrors.ErrOptionsValidation)
	}
	if o.RenewPercent <= 0 || o.RenewPercent > 1 {
		return coordinationerrors.New(coordinationerrors.KindOptionsValidation, "lease: RenewPercent must be in (0, 1]", coordinationerrors.ErrOptionsValidation)
	}
	if o.UseGate && o.GateTimeoutMs <= 0 {
		return coordinationerrors.New(coordinationerrors.KindOptionsValidation, "lease: GateTimeoutMs must be > 0 when UseGate is set", coordinationerrors.ErrOptionsValidation)
	}
	return nil
}

// FanoutOptions configures the default cadence fanout policies fall back
// to when a given FanoutPolicy row leaves a field unset.
type FanoutOptions struct {
	Cron                string        `yaml:"cron"`
	DefaultEverySeconds int           `yaml:"default_every_seconds"`
	JitterSeconds       int           `yaml:"jitter_seconds"`
	LeaseDuration       time.Duration `yaml:"lease_duration"`
}

func (o FanoutOptions) Validate() error {
	if o.Cron == "" && o.DefaultEverySeconds <= 0 {
		return coordinationerrors.New(coordinationerrors.KindOptionsValidation, "fanout: one of Cron or DefaultEverySeconds is required", coordinationerrors.ErrOptionsValidation)
	}
	if o.JitterSeconds < 0 {
		return coordinationerrors.New(coordinationerrors.KindOptionsValidation, "fanout: JitterSeconds must not be negative", coordinationerrors.ErrOptionsValidation)
	}
	return nil
}

// ControlPlaneOptions configures the optional shared database hosting
// semaphores and the central metrics rollup. Leaving ConnectionSpec
// empty is valid: it means no control plane is configured and
// cross-tenant semaphores/rollup are unavailable.
type ControlPlaneOptions struct {
	ConnectionSpec         string `yaml:"connection_spec"`
	SchemaName             string `yaml:"schema_name"` // default "dbo"
	EnableSchemaDeployment bool   `yaml:"enable_schema_deployment"`
}

func (o ControlPlaneOptions) Validate() error {
	// No required fields: an empty ConnectionSpec just means "no shared
	// control plane", which callers are free to skip wiring.
	return nil
}

// TenantOptions names one statically-configured tenant store binding for
// the Configured router strategy. When Tenants is empty, cmd/relayd
// builds a single "default" tenant from the top-level Outbox/Inbox
// options. cmd/relayd only wires router.NewConfigured; dynamic discovery
// (router.NewDynamic with an internal/router.Discovery implementation) is
// available to code that embeds the library, not through this file.
type TenantOptions struct {
	Name           string `yaml:"name"`
	ConnectionSpec string `yaml:"connection_spec"`
	SchemaName     string `yaml:"schema_name"`

	EnableOutbox    bool `yaml:"enable_outbox"`
	EnableInbox     bool `yaml:"enable_inbox"`
	EnableScheduler bool `yaml:"enable_scheduler"`
	EnableFanout    bool `yaml:"enable_fanout"`
}

func (o TenantOptions) Validate() error {
	if o.Name == "" {
		return coordinationerrors.New(coordinationerrors.KindOptionsValidation, "tenant: Name is required", coordinationerrors.ErrOptionsValidation)
	}
	if o.ConnectionSpec == "" {
		return coordinationerrors.New(coordinationerrors.KindOptionsValidation, "tenant: ConnectionSpec is required", coordinationerrors.ErrOptionsValidation)
	}
	return nil
}

// Config is the top-level daemon configuration tree for cmd/relayd.
type Config struct {
	Outbox       OutboxOptions       `yaml:"outbox"`
	Inbox        InboxOptions        `yaml:"inbox"`
	Scheduler    SchedulerOptions    `yaml:"scheduler"`
	Lease        LeaseOptions        `yaml:"lease"`
	Fanout       FanoutOptions       `yaml:"fanout"`
	ControlPlane ControlPlaneOptions `yaml:"control_plane"`
	Tenants      []TenantOptions     `yaml:"tenants"`

	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json

	Tracing TracingOptions `yaml:"tracing"`

	Metrics MetricsOptions `yaml:"metrics"`
}

// MetricsOptions configures the Prometheus exporter's namespace and HTTP
// listener.
type MetricsOptions struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"` // default "relayd"
	Addr      string `yaml:"addr"`      // default ":9090"
}

// TracingOptions mirrors internal/observability.Config, narrowed to the
// fields cmd/relayd actually wires into observability.Init.
type TracingOptions struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`     // otlp-http, stdout
	Endpoint    string  `yaml:"endpoint"`     // localhost:4318
	ServiceName string  `yaml:"service_name"` // relayd
	SampleRate  float64 `yaml:"sample_rate"`
}

// Validate runs every subsystem's Validate in turn, returning the first
// failure encountered.
func (c *Config) Validate() error {
	for _, v := range []interface{ Validate() error }{
		c.Outbox, c.Inbox, c.Scheduler, c.Lease, c.Fanout, c.ControlPlane,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	for _, t := range c.Tenants {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DefaultConfig returns a Config with every subsystem's documented
// defaults applied, leaving ConnectionSpec fields empty for the caller to
// fill in (or load from file/env).
func DefaultConfig() *Config {
	return &Config{
		Outbox: OutboxOptions{
			SchemaName:              "public",
			TableName:               "outbox_messages",
			MaxPollingInterval:      5 * time.Second,
			EnableSchemaDeployment:  true,
			EnableBackgroundWorkers: true,
		},
		Inbox: InboxOptions{
			SchemaName:              "public",
			TableName:               "inbox_messages",
			MaxPollingInterval:      5 * time.Second,
			CleanupInterval:         time.Hour,
			EnableSchemaDeployment:  true,
			EnableBackgroundWorkers: true,
		},
		Scheduler: SchedulerOptions{
			SchemaName:             "public",
			JobsTable:              "jobs",
			TimersTable:            "timers",
			MaxPollingInterval:     30 * time.Second,
			LeaseDuration:          30 * time.Second,
			BatchSize:              100,
			EnableSchemaDeployment: true,
		},
		Lease: LeaseOptions{
			SchemaName:           "public",
			TableName:            "leases",
			DefaultLeaseDuration: 30 * time.Second,
			RenewPercent:         0.6,
		},
		Fanout: FanoutOptions{
			DefaultEverySeconds: 60,
			JitterSeconds:       5,
			LeaseDuration:       30 * time.Second,
		},
		ControlPlane: ControlPlaneOptions{
			SchemaName: "dbo",
		},
		LogLevel:  "info",
		LogFormat: "text",
		Tracing: TracingOptions{
			Enabled:     false,
			Exporter:    "stdout",
			ServiceName: "relayd",
			SampleRate:  1.0,
		},
		Metrics: MetricsOptions{
			Enabled:   true,
			Namespace: "relayd",
			Addr:      ":9090",
		},
	}
}

// LoadFromFile loads configuration from a YAML file, starting from
// DefaultConfig so an operator's file only needs to set what differs
// from the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies RELAYD_-prefixed environment variable overrides
// to cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("RELAYD_OUTBOX_DSN"); v != "" {
		cfg.Outbox.ConnectionSpec = v
	}
	if v := os.Getenv("RELAYD_INBOX_DSN"); v != "" {
		cfg.Inbox.ConnectionSpec = v
	}
	if v := os.Getenv("RELAYD_SCHEDULER_DSN"); v != "" {
		cfg.Scheduler.ConnectionSpec = v
	}
	if v := os.Getenv("RELAYD_LEASE_DSN"); v != "" {
		cfg.Lease.ConnectionSpec = v
	}
	if v := os.Getenv("RELAYD_CONTROL_PLANE_DSN"); v != "" {
		cfg.ControlPlane.ConnectionSpec = v
	}
	if v := os.Getenv("RELAYD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RELAYD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("RELAYD_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("RELAYD_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("RELAYD_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SampleRate = f
		}
	}
}

func parseBool(s string) bool {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return v
}
