// Package config provides the unified configuration surface for taskforge.
// It follows the same shape as a docker-compose file: one root Config struct
// that every component reads its own section from, loaded through a
// pluggable backend (local file, Consul, etcd, Zookeeper) via koanf.
package config

import "fmt"

// Config is the single entry point for all runtime configuration.
type Config struct {
	Version     string            `yaml:"version,omitempty"`
	Name        string            `yaml:"name,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`

	Global GlobalSettings `yaml:"global,omitempty"`

	CheckpointStore CheckpointStoreConfig `yaml:"checkpoint_store,omitempty"`
	ExecutionState  ExecutionStateConfig  `yaml:"execution_state_machine,omitempty"`
	WaveScheduler   WaveSchedulerConfig   `yaml:"wave_scheduler,omitempty"`
	PropertyTester  PropertyTesterConfig  `yaml:"property_tester,omitempty"`
	FailureIndex    FailureIndexConfig    `yaml:"failure_index,omitempty"`
	AuditLog        AuditLogConfig        `yaml:"audit_log,omitempty"`
	AgentRunner     AgentRunnerConfig     `yaml:"agent_runner,omitempty"`
}

// Validate checks every section and returns the first error encountered.
func (c *Config) Validate() error {
	if err := c.Global.Validate(); err != nil {
		return fmt.Errorf("global settings validation failed: %w", err)
	}
	if err := c.CheckpointStore.Validate(); err != nil {
		return fmt.Errorf("checkpoint_store validation failed: %w", err)
	}
	if err := c.ExecutionState.Validate(); err != nil {
		return fmt.Errorf("execution_state_machine validation failed: %w", err)
	}
	if err := c.WaveScheduler.Validate(); err != nil {
		return fmt.Errorf("wave_scheduler validation failed: %w", err)
	}
	if err := c.PropertyTester.Validate(); err != nil {
		return fmt.Errorf("property_tester validation failed: %w", err)
	}
	if err := c.FailureIndex.Validate(); err != nil {
		return fmt.Errorf("failure_index validation failed: %w", err)
	}
	if err := c.AuditLog.Validate(); err != nil {
		return fmt.Errorf("audit_log validation failed: %w", err)
	}
	if err := c.AgentRunner.Validate(); err != nil {
		return fmt.Errorf("agent_runner validation failed: %w", err)
	}
	return nil
}

// SetDefaults fills every unset field with its documented default.
func (c *Config) SetDefaults() {
	c.Global.SetDefaults()
	c.CheckpointStore.SetDefaults()
	c.ExecutionState.SetDefaults()
	c.WaveScheduler.SetDefaults()
	c.PropertyTester.SetDefaults()
	c.FailureIndex.SetDefaults()
	c.AuditLog.SetDefaults()
	c.AgentRunner.SetDefaults()
}

// GlobalSettings holds cross-cutting process settings.
type GlobalSettings struct {
	Logging LoggingConfig `yaml:"logging,omitempty"`
	Server  ServerConfig  `yaml:"server,omitempty"`
	Auth    AuthConfig    `yaml:"auth,omitempty"`
}

func (c *GlobalSettings) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	return nil
}

func (c *GlobalSettings) SetDefaults() {
	c.Logging.SetDefaults()
	c.Server.SetDefaults()
	c.Auth.SetDefaults()
}

// LoggingConfig configures the slog-based logger (see pkg/obslog).
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	File   string `yaml:"file,omitempty"`
	Format string `yaml:"format,omitempty"` // "text" or "json"
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validFormats = map[string]bool{"text": true, "json": true}

func (c *LoggingConfig) Validate() error {
	if !validLevels[c.Level] {
		return fmt.Errorf("invalid log level: %s", c.Level)
	}
	if !validFormats[c.Format] {
		return fmt.Errorf("invalid log format: %s", c.Format)
	}
	return nil
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

// ServerConfig configures the chi-based HTTP server exposing session RPCs.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

func (c *ServerConfig) Validate() error {
	if c.Enabled && (c.Port <= 0 || c.Port > 65535) {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8090
	}
}

// AuthConfig configures JWT bearer-token validation against an external
// identity provider's JWKS endpoint. taskforge never issues tokens itself.
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	JWKSURL  string `yaml:"jwks_url"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

func (c *AuthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.JWKSURL == "" {
		return fmt.Errorf("jwks_url is required when auth is enabled")
	}
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required when auth is enabled")
	}
	if c.Audience == "" {
		return fmt.Errorf("audience is required when auth is enabled")
	}
	return nil
}

func (c *AuthConfig) SetDefaults() {}

// CheckpointStoreConfig configures C1.
type CheckpointStoreConfig struct {
	CheckpointsDir string `yaml:"checkpoints_dir,omitempty"`
	RetentionDays  int    `yaml:"retention_days,omitempty"`
	MaxBytes       int64  `yaml:"max_bytes,omitempty"`
}

func (c *CheckpointStoreConfig) Validate() error {
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must be non-negative")
	}
	if c.MaxBytes < 0 {
		return fmt.Errorf("max_bytes must be non-negative")
	}
	return nil
}

func (c *CheckpointStoreConfig) SetDefaults() {
	if c.CheckpointsDir == "" {
		c.CheckpointsDir = ".checkpoints"
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 7
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 100 * 1024 * 1024
	}
}

// ExecutionStateConfig configures C2.
type ExecutionStateConfig struct {
	MaxRetries          int  `yaml:"max_retries"`
	AllowFailFromAny    bool `yaml:"allow_fail_from_any"`
	TransitionTimeoutMs int  `yaml:"transition_timeout_ms"`
}

func (c *ExecutionStateConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if c.TransitionTimeoutMs < 0 {
		return fmt.Errorf("transition_timeout_ms must be non-negative")
	}
	return nil
}

func (c *ExecutionStateConfig) SetDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	c.AllowFailFromAny = true
	if c.TransitionTimeoutMs == 0 {
		c.TransitionTimeoutMs = 30000
	}
}

// FailurePolicy controls what a WaveScheduler does when a story fails.
type FailurePolicy string

const (
	FailurePolicyStop     FailurePolicy = "stop"
	FailurePolicyContinue FailurePolicy = "continue"
)

// WaveSchedulerConfig configures C3.
type WaveSchedulerConfig struct {
	GlobalAgentBudget       int           `yaml:"global_agent_budget"`
	AdmissionPollIntervalMs int           `yaml:"admission_poll_interval_ms"`
	FailurePolicy           FailurePolicy `yaml:"failure_policy"`
}

func (c *WaveSchedulerConfig) Validate() error {
	if c.GlobalAgentBudget <= 0 {
		return fmt.Errorf("global_agent_budget must be positive")
	}
	if c.FailurePolicy != FailurePolicyStop && c.FailurePolicy != FailurePolicyContinue {
		return fmt.Errorf("invalid failure_policy: %s", c.FailurePolicy)
	}
	return nil
}

func (c *WaveSchedulerConfig) SetDefaults() {
	if c.GlobalAgentBudget == 0 {
		c.GlobalAgentBudget = 2
	}
	if c.AdmissionPollIntervalMs == 0 {
		c.AdmissionPollIntervalMs = 250
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = FailurePolicyStop
	}
}

// PropertyTesterConfig configures C5.
type PropertyTesterConfig struct {
	NumRuns    int   `yaml:"num_runs"`
	Seed       int64 `yaml:"seed,omitempty"`
	MaxShrinks int   `yaml:"max_shrinks"`
	CollectAll bool  `yaml:"collect_all"`
}

func (c *PropertyTesterConfig) Validate() error {
	if c.NumRuns <= 0 {
		return fmt.Errorf("num_runs must be positive")
	}
	if c.MaxShrinks < 0 {
		return fmt.Errorf("max_shrinks must be non-negative")
	}
	return nil
}

func (c *PropertyTesterConfig) SetDefaults() {
	if c.NumRuns == 0 {
		c.NumRuns = 100
	}
	if c.MaxShrinks == 0 {
		c.MaxShrinks = 100
	}
}

// FailureIndexConfig configures C6.
type FailureIndexConfig struct {
	MaxRecords           int     `yaml:"max_records"`
	SimilarityThreshold  float64 `yaml:"similarity_threshold"`
	VectorDim            int     `yaml:"vector_dim"`
	Provider             string  `yaml:"provider,omitempty"` // "chromem" (default) or "qdrant"
	ChromemPersistPath   string  `yaml:"chromem_persist_path,omitempty"`
	QdrantAddr           string  `yaml:"qdrant_addr,omitempty"`
	RedisAddr            string  `yaml:"redis_addr,omitempty"` // vote-count cache; empty disables
}

func (c *FailureIndexConfig) Validate() error {
	if c.MaxRecords <= 0 {
		return fmt.Errorf("max_records must be positive")
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in [0,1]")
	}
	if c.VectorDim <= 0 {
		return fmt.Errorf("vector_dim must be positive")
	}
	if c.Provider != "" && c.Provider != "chromem" && c.Provider != "qdrant" {
		return fmt.Errorf("invalid provider: %s", c.Provider)
	}
	return nil
}

func (c *FailureIndexConfig) SetDefaults() {
	if c.MaxRecords == 0 {
		c.MaxRecords = 10000
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.5
	}
	if c.VectorDim == 0 {
		c.VectorDim = 128
	}
	if c.Provider == "" {
		c.Provider = "chromem"
	}
	if c.ChromemPersistPath == "" {
		c.ChromemPersistPath = ".failure-index"
	}
}

// AuditLogConfig configures C8.
type AuditLogConfig struct {
	MaxFileSize       int64  `yaml:"max_file_size"`
	MaxFiles          int    `yaml:"max_files"`
	EnableMemoryStore bool   `yaml:"enable_memory_store"`
	MaxMemoryEntries  int    `yaml:"max_memory_entries"`
	Path              string `yaml:"path,omitempty"`
	SQLDialect        string `yaml:"sql_dialect,omitempty"` // "", "postgres", "mysql", "sqlite"
	SQLDSN            string `yaml:"sql_dsn,omitempty"`
}

func (c *AuditLogConfig) Validate() error {
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max_file_size must be positive")
	}
	if c.MaxFiles <= 0 {
		return fmt.Errorf("max_files must be positive")
	}
	if c.MaxMemoryEntries < 0 {
		return fmt.Errorf("max_memory_entries must be non-negative")
	}
	switch c.SQLDialect {
	case "", "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("invalid sql_dialect: %s", c.SQLDialect)
	}
	if c.SQLDialect != "" && c.SQLDSN == "" {
		return fmt.Errorf("sql_dsn is required when sql_dialect is set")
	}
	return nil
}

func (c *AuditLogConfig) SetDefaults() {
	if c.MaxFileSize == 0 {
		c.MaxFileSize = 10 * 1024 * 1024
	}
	if c.MaxFiles == 0 {
		c.MaxFiles = 5
	}
	c.EnableMemoryStore = true
	if c.MaxMemoryEntries == 0 {
		c.MaxMemoryEntries = 1000
	}
	if c.Path == "" {
		c.Path = "audit.log"
	}
}

// AgentRunnerConfig selects how the WaveScheduler reaches the external
// AgentRunner that actually executes a story's prompt.
type AgentRunnerConfig struct {
	// Mode is "plugin" (default, spawn a local go-plugin subprocess) or
	// "grpc" (dial a remote AgentRunner service).
	Mode string `yaml:"mode,omitempty"`

	// PluginPath is the executable to spawn when Mode is "plugin".
	PluginPath string `yaml:"plugin_path,omitempty"`

	// GRPCAddr is the remote service address when Mode is "grpc".
	GRPCAddr string `yaml:"grpc_addr,omitempty"`
}

func (c *AgentRunnerConfig) Validate() error {
	switch c.Mode {
	case "", "plugin":
		if c.Mode == "plugin" && c.PluginPath == "" {
			return fmt.Errorf("plugin_path is required when agent_runner.mode is plugin")
		}
	case "grpc":
		if c.GRPCAddr == "" {
			return fmt.Errorf("grpc_addr is required when agent_runner.mode is grpc")
		}
	default:
		return fmt.Errorf("invalid agent_runner mode: %s", c.Mode)
	}
	return nil
}

func (c *AgentRunnerConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = "plugin"
	}
}
