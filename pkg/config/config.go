package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tandem-ai/tandem/pkg/approaches"
	"github.com/tandem-ai/tandem/pkg/engine"
	"github.com/tandem-ai/tandem/pkg/stores"
	"github.com/tandem-ai/tandem/pkg/telemetry"
	"github.com/tandem-ai/tandem/pkg/transports/ssh"
	"github.com/tandem-ai/tandem/pkg/validate"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config is the complete tandem configuration.
type Config struct {
	Engine     EngineConfig      `yaml:"engine" json:"engine"`
	Pool       PoolConfig        `yaml:"pool" json:"pool"`
	Approaches approaches.Config `yaml:"approaches" json:"approaches"`
	Runner     RunnerConfig      `yaml:"runner" json:"runner"`
	Pipeline   PipelineConfig    `yaml:"pipeline" json:"pipeline"`
	Validation ValidationConfig  `yaml:"validation" json:"validation"`
	Remote     RemoteConfig      `yaml:"remote" json:"remote"`
	Storage    StorageConfig     `yaml:"storage" json:"storage"`
	Telemetry  telemetry.Config  `yaml:"telemetry" json:"telemetry"`
	API        APIConfig         `yaml:"api" json:"api"`
}

// EngineConfig bounds the engine's owned state.
type EngineConfig struct {
	// CacheMaxEntries caps the solution cache. Zero means unbounded.
	CacheMaxEntries int `yaml:"cache_max_entries" json:"cache_max_entries" validate:"gte=0"`

	// CacheFile is imported on start and exported on shutdown when set.
	CacheFile string `yaml:"cache_file" json:"cache_file,omitempty"`

	HistoryCapacity int `yaml:"history_capacity" json:"history_capacity" validate:"gt=0"`
}

// PoolConfig describes the backend pool and race timing.
type PoolConfig struct {
	Ports           []int         `yaml:"ports" json:"ports" validate:"min=1,unique,dive,min=1,max=65535"`
	TokenRetryDelay time.Duration `yaml:"token_retry_delay" json:"token_retry_delay" validate:"gt=0"`
	ApproachTimeout time.Duration `yaml:"approach_timeout" json:"approach_timeout" validate:"gt=0"`
}

// RunnerConfig configures the task runner.
type RunnerConfig struct {
	Workers      int           `yaml:"workers" json:"workers" validate:"min=1,max=64"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" validate:"gt=0"`

	// StrictTiers holds lower-priority tasks back while higher ones are pending.
	StrictTiers bool `yaml:"strict_tiers" json:"strict_tiers"`
}

// PipelineConfig configures the pipeline orchestrator.
type PipelineConfig struct {
	OutputDir          string        `yaml:"output_dir" json:"output_dir" validate:"required"`
	OutputExt          string        `yaml:"output_ext" json:"output_ext" validate:"required,startswith=."`
	IntegrationTimeout time.Duration `yaml:"integration_timeout" json:"integration_timeout" validate:"gt=0"`
	MaxConcurrentRuns  int           `yaml:"max_concurrent_runs" json:"max_concurrent_runs" validate:"min=1"`
}

// ValidationConfig configures payload validation.
type ValidationConfig struct {
	Probe        bool          `yaml:"probe" json:"probe"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout" validate:"gt=0"`

	// PolicyPaths are extra .rego files or directories for the logic check.
	PolicyPaths []string `yaml:"policy_paths" json:"policy_paths,omitempty"`

	// WatchPolicies reloads PolicyPaths when they change.
	WatchPolicies bool `yaml:"watch_policies" json:"watch_policies"`
}

// RemoteConfig holds the SSH settings used for sftp:// destinations. Host,
// port and user come from each destination URL.
type RemoteConfig struct {
	Enabled               bool          `yaml:"enabled" json:"enabled"`
	User                  string        `yaml:"user" json:"user,omitempty"`
	AuthMethod            string        `yaml:"auth_method" json:"auth_method" validate:"oneof=key password"`
	Password              string        `yaml:"password" json:"-"`
	PrivateKeyPath        string        `yaml:"private_key_path" json:"private_key_path,omitempty"`
	KnownHostsPath        string        `yaml:"known_hosts_path" json:"known_hosts_path,omitempty"`
	StrictHostKeyChecking bool          `yaml:"strict_host_key_checking" json:"strict_host_key_checking"`
	ConnectionTimeout     time.Duration `yaml:"connection_timeout" json:"connection_timeout" validate:"gt=0"`
}

// SSH returns the base SSH configuration for the remote writer.
func (r RemoteConfig) SSH() *ssh.Config {
	cfg := ssh.DefaultConfig("", r.User)
	cfg.AuthMethod = ssh.AuthMethod(r.AuthMethod)
	cfg.Password = r.Password
	cfg.PrivateKeyPath = r.PrivateKeyPath
	if r.KnownHostsPath != "" {
		cfg.KnownHostsPath = r.KnownHostsPath
	}
	cfg.StrictHostKeyChecking = r.StrictHostKeyChecking
	cfg.ConnectionTimeout = r.ConnectionTimeout
	return cfg
}

// StorageConfig selects where state is persisted.
type StorageConfig struct {
	// Driver persists tasks, runs and executions: memory or sqlite.
	Driver string         `yaml:"driver" json:"driver" validate:"oneof=memory sqlite"`
	SQLite *stores.Config `yaml:"sqlite" json:"sqlite,omitempty" validate:"required_if=Driver sqlite"`

	// CacheBackend holds solution cache entries: memory, sqlite or redis.
	CacheBackend string              `yaml:"cache_backend" json:"cache_backend" validate:"oneof=memory sqlite redis"`
	Redis        *stores.RedisConfig `yaml:"redis" json:"redis,omitempty" validate:"required_if=CacheBackend redis"`
}

// APIConfig configures the operational HTTP API.
type APIConfig struct {
	Addr         string        `yaml:"addr" json:"addr" validate:"required"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"gte=0"`
	BodyLimit    int           `yaml:"body_limit" json:"body_limit" validate:"gte=0"`
}

// DefaultPorts are the local backend ports of the default pool.
var DefaultPorts = []int{11434, 11435, 11436}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			CacheMaxEntries: 10000,
			HistoryCapacity: engine.DefaultHistoryCapacity,
		},
		Pool: PoolConfig{
			Ports:           append([]int(nil), DefaultPorts...),
			TokenRetryDelay: engine.DefaultTokenRetryDelay,
			ApproachTimeout: engine.DefaultApproachTimeout,
		},
		Approaches: approaches.DefaultConfig(),
		Runner: RunnerConfig{
			Workers:      2,
			PollInterval: engine.DefaultPollInterval,
		},
		Pipeline: PipelineConfig{
			OutputDir:          "output",
			OutputExt:          engine.DefaultOutputExt,
			IntegrationTimeout: engine.DefaultIntegrationTimeout,
			MaxConcurrentRuns:  engine.DefaultMaxConcurrentRuns,
		},
		Validation: ValidationConfig{
			Probe:        true,
			ProbeTimeout: validate.DefaultProbeTimeout,
		},
		Remote: RemoteConfig{
			AuthMethod:            string(ssh.AuthMethodKey),
			StrictHostKeyChecking: true,
			ConnectionTimeout:     30 * time.Second,
		},
		Storage: StorageConfig{
			Driver:       DriverMemory,
			CacheBackend: DriverMemory,
		},
		Telemetry: *telemetry.DefaultConfig(),
		API: APIConfig{
			Addr:         "127.0.0.1:8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			BodyLimit:    4 << 20,
		},
	}
}

var structValidator = validator.New()

// Validate checks struct constraints, the embedded CUE schema and the
// cross-section rules that neither can express.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := checkSchema(c); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	if c.Storage.CacheBackend == DriverSQLite && c.Storage.Driver != DriverSQLite {
		return fmt.Errorf("invalid configuration: sqlite cache backend requires the sqlite storage driver")
	}
	if c.Remote.Enabled && c.Remote.AuthMethod == string(ssh.AuthMethodKey) && c.Remote.PrivateKeyPath == "" {
		return fmt.Errorf("invalid configuration: remote key authentication requires private_key_path")
	}
	return nil
}

// Redacted returns a copy of c without passwords or API keys.
func (c *Config) Redacted() *Config {
	out := *c
	out.Approaches.OpenAICompat.APIKey = ""
	out.Approaches.Anthropic.APIKey = ""
	out.Remote.Password = ""
	if c.Storage.Redis != nil {
		redis := *c.Storage.Redis
		redis.Password = ""
		out.Storage.Redis = &redis
	}
	return &out
}
