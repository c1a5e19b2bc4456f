// Package config provides YAML-based configuration loading for palletd.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level palletd configuration, loaded from a YAML file
// (palletd.yaml by default in cmd/palletd).
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Profile   ProfileConfig   `yaml:"profile"`
	Providers []ProviderConfig `yaml:"providers"`
	Skills    []SkillConfig   `yaml:"skills"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
	Retention RetentionConfig `yaml:"retention"`
	Tool      ToolConfig      `yaml:"tool"`
	Users     UsersConfig     `yaml:"users"`
}

// UsersConfig seeds the authorization gate on startup: admins are upserted
// with the admin role, allowlist entries as ordinary allow-listed users.
// Without at least one admin ID configured, a fresh store has no user able
// to pass queue.Submit's Allowed check.
type UsersConfig struct {
	Admins    []int64 `yaml:"admins"`
	Allowlist []int64 `yaml:"allowlist"`
}

// ServerConfig describes the HTTP bind surface.
type ServerConfig struct {
	Bind       string `yaml:"bind"`
	DebugBind  string `yaml:"debug_bind"`
}

// StoreConfig describes the embedded store file.
type StoreConfig struct {
	Path             string `yaml:"path"`
	BusyTimeoutMS    int    `yaml:"busy_timeout_ms"`
}

// ProfileConfig allows an explicit override of the auto-detected resource
// profile; empty Name means auto-detect from system RAM.
type ProfileConfig struct {
	Name string `yaml:"name"`

	WorkerCount        int `yaml:"worker_count"`
	LLMConcurrency     int `yaml:"llm_concurrency"`
	SkillConcurrency   int `yaml:"skill_concurrency"`
	CacheBudgetMB      int `yaml:"cache_budget_mb"`
	QueueLimit         int `yaml:"queue_limit"`
	UserRPM            int `yaml:"user_rpm"`
}

// ProviderConfig is one LLM vendor entry in the fallback chain.
type ProviderConfig struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"` // openai_compat | bedrock | gemini
	Priority   int    `yaml:"priority"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	APIKeyEnv  string `yaml:"api_key_env"`
	Region     string `yaml:"region"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

// SkillConfig registers one external skill executable.
type SkillConfig struct {
	Name             string `yaml:"name"`
	Path             string `yaml:"path"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
}

// SchedulerConfig holds scheduler tick defaults.
type SchedulerConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// LoggingConfig controls zap's level and encoding.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// RetentionConfig holds per-table retention windows, in days/rows.
type RetentionConfig struct {
	TaskMaxAgeDays    int `yaml:"task_max_age_days"`
	TaskMaxRows       int `yaml:"task_max_rows"`
	AuditMaxAgeDays   int `yaml:"audit_max_age_days"`
	AuditMaxRows      int `yaml:"audit_max_rows"`
	MemoryMaxAgeDays  int `yaml:"memory_max_age_days"`
	MemoryMaxRows     int `yaml:"memory_max_rows"`
}

// ToolConfig bounds the built-in tool sandbox.
type ToolConfig struct {
	WorkRoot          string `yaml:"work_root"`
	MaxReadBytes      int64  `yaml:"max_read_bytes"`
	MaxWriteBytes     int64  `yaml:"max_write_bytes"`
	MaxListDepth      int    `yaml:"max_list_depth"`
	MaxCmdLength      int    `yaml:"max_cmd_length"`
	CmdTimeoutSeconds int    `yaml:"cmd_timeout_seconds"`
	MaxOutputBytes    int64  `yaml:"max_output_bytes"`
	MCPEnabled        bool   `yaml:"mcp_enabled"`
	MCPBind           string `yaml:"mcp_bind"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Bind == "" {
		c.Server.Bind = "127.0.0.1:8080"
	}
	if c.Store.Path == "" {
		c.Store.Path = "palletd.db"
	}
	if c.Store.BusyTimeoutMS == 0 {
		c.Store.BusyTimeoutMS = 5000
	}
	if c.Scheduler.PollIntervalMS == 0 {
		c.Scheduler.PollIntervalMS = 1000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}
	if c.Retention.TaskMaxAgeDays == 0 {
		c.Retention.TaskMaxAgeDays = 30
	}
	if c.Retention.AuditMaxAgeDays == 0 {
		c.Retention.AuditMaxAgeDays = 30
	}
	if c.Retention.MemoryMaxAgeDays == 0 {
		c.Retention.MemoryMaxAgeDays = 14
	}
	if c.Tool.WorkRoot == "" {
		c.Tool.WorkRoot = "."
	}
	if c.Tool.MaxReadBytes == 0 {
		c.Tool.MaxReadBytes = 1 << 20
	}
	if c.Tool.MaxWriteBytes == 0 {
		c.Tool.MaxWriteBytes = 1 << 20
	}
	if c.Tool.MaxListDepth == 0 {
		c.Tool.MaxListDepth = 4
	}
	if c.Tool.MaxCmdLength == 0 {
		c.Tool.MaxCmdLength = 2000
	}
	if c.Tool.CmdTimeoutSeconds == 0 {
		c.Tool.CmdTimeoutSeconds = 30
	}
	if c.Tool.MaxOutputBytes == 0 {
		c.Tool.MaxOutputBytes = 64 * 1024
	}
	for i := range c.Providers {
		if c.Providers[i].TimeoutMS == 0 {
			c.Providers[i].TimeoutMS = 30000
		}
	}
	for i := range c.Skills {
		if c.Skills[i].TimeoutSeconds == 0 {
			c.Skills[i].TimeoutSeconds = 60
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.Bind == "" {
		errs = append(errs, "server.bind is required")
	}
	if c.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("providers[%d].name is required", i))
		}
		switch p.Kind {
		case "openai_compat", "bedrock", "gemini":
		default:
			errs = append(errs, fmt.Sprintf("providers[%d].kind %q is not one of openai_compat, bedrock, gemini", i, p.Kind))
		}
	}
	for i, s := range c.Skills {
		if s.Name == "" {
			errs = append(errs, fmt.Sprintf("skills[%d].name is required", i))
		}
		if s.Path == "" {
			errs = append(errs, fmt.Sprintf("skills[%d].path is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Sanitized returns a copy of the config with provider API-key environment
// variable names retained (never the key values themselves — those never
// enter Config in the first place) for exposure via /v1/config.
func (c *Config) Sanitized() *Config {
	cp := *c
	return &cp
}
