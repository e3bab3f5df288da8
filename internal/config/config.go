// Package config loads and validates the TOML configuration tree. Every
// value has a default, so an empty file (or none at all, via Default) yields
// a working single-host setup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/appdraft/appdraft/internal/generator"
	"github.com/appdraft/appdraft/internal/logger"
	"github.com/appdraft/appdraft/pkg/template"
	"github.com/spf13/viper"
)

// Config is the top-level TOML structure.
type Config struct {
	Server    ServerConfig     `toml:"server" mapstructure:"server"`
	Workspace WorkspaceConfig  `toml:"workspace" mapstructure:"workspace"`
	Templates []TemplateConfig `toml:"templates" mapstructure:"templates"`
	Generator GeneratorConfig  `toml:"generator" mapstructure:"generator"`
	Store     StoreConfig      `toml:"store" mapstructure:"store"`
	History   HistoryConfig    `toml:"history" mapstructure:"history"`
	Metrics   MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	Log       logger.Config    `toml:"log" mapstructure:"log"`
	Limits    LimitsConfig     `toml:"limits" mapstructure:"limits"`
}

// ServerConfig configures the HTTP API surface.
type ServerConfig struct {
	Listen    string `toml:"listen" mapstructure:"listen"`
	BasePath  string `toml:"base_path" mapstructure:"base_path"`
	AuthToken string `toml:"auth_token" mapstructure:"auth_token"` // optional bearer token
}

// WorkspaceConfig configures where session projects live and how their dev
// servers are spawned.
type WorkspaceConfig struct {
	Root      string   `toml:"root" mapstructure:"root"`
	PortStart int      `toml:"port_start" mapstructure:"port_start"`
	Env       []string `toml:"env" mapstructure:"env"`             // KEY=VALUE applied to every spawned process
	EnvFiles  []string `toml:"env_files" mapstructure:"env_files"` // .env files merged before Env
}

// TemplateConfig overrides or extends the builtin template catalog.
type TemplateConfig struct {
	Name     string   `toml:"name" mapstructure:"name"`
	Scaffold string   `toml:"scaffold" mapstructure:"scaffold"`
	Fallback string   `toml:"fallback" mapstructure:"fallback"`
	Dev      string   `toml:"dev" mapstructure:"dev"`
	Env      []string `toml:"env" mapstructure:"env"`
	Summary  string   `toml:"summary" mapstructure:"summary"`
}

// GeneratorConfig configures the code generator.
type GeneratorConfig struct {
	Provider     string `toml:"provider" mapstructure:"provider"` // anthropic or none
	APIKey       string `toml:"api_key" mapstructure:"api_key"`   // falls back to ANTHROPIC_API_KEY
	Model        string `toml:"model" mapstructure:"model"`
	MaxTokens    int64  `toml:"max_tokens" mapstructure:"max_tokens"`
	MaxFiles     int    `toml:"max_context_files" mapstructure:"max_context_files"`
	MaxFileBytes int    `toml:"max_file_bytes" mapstructure:"max_file_bytes"`
}

// StoreConfig configures the session archive store.
type StoreConfig struct {
	DSN       string        `toml:"dsn" mapstructure:"dsn"` // sqlite:// or postgres://; empty disables
	Retention time.Duration `toml:"retention" mapstructure:"retention"`
}

// HistoryConfig configures the build event history sinks.
type HistoryConfig struct {
	Enabled         bool   `toml:"enabled" mapstructure:"enabled"`
	ClickHouseURL   string `toml:"clickhouse_url" mapstructure:"clickhouse_url"`
	ClickHouseTable string `toml:"clickhouse_table" mapstructure:"clickhouse_table"`
	OpenSearchURL   string `toml:"opensearch_url" mapstructure:"opensearch_url"`
	OpenSearchIndex string `toml:"opensearch_index" mapstructure:"opensearch_index"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// LimitsConfig carries every sweep interval and timeout in one place.
type LimitsConfig struct {
	SessionTimeout time.Duration `toml:"session_timeout" mapstructure:"session_timeout"` // ledger record reclamation
	LedgerSweep    time.Duration `toml:"ledger_sweep" mapstructure:"ledger_sweep"`
	ProbeAfter     time.Duration `toml:"probe_after" mapstructure:"probe_after"` // hub idle probe
	EvictAfter     time.Duration `toml:"evict_after" mapstructure:"evict_after"` // hub idle eviction
	HubSweep       time.Duration `toml:"hub_sweep" mapstructure:"hub_sweep"`
	ProcessMaxAge  time.Duration `toml:"process_max_age" mapstructure:"process_max_age"` // dev server age ceiling
	ProcessSweep   time.Duration `toml:"process_sweep" mapstructure:"process_sweep"`
	KillGrace      time.Duration `toml:"kill_grace" mapstructure:"kill_grace"`           // SIGTERM to SIGKILL gap
	CommandTimeout time.Duration `toml:"command_timeout" mapstructure:"command_timeout"` // runner ceiling
}

// Load reads a TOML file, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the builtin configuration.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every unset value.
func (c *Config) ApplyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/api/v1"
	}
	if c.Workspace.Root == "" {
		c.Workspace.Root = filepath.Join(os.TempDir(), "appdraft", "sessions")
	}
	if c.Workspace.PortStart <= 0 {
		c.Workspace.PortStart = 8081
	}
	if c.Generator.Provider == "" {
		c.Generator.Provider = "anthropic"
	}
	if c.Generator.APIKey == "" {
		c.Generator.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Generator.Model == "" {
		c.Generator.Model = generator.DefaultModel
	}
	if c.Generator.MaxTokens <= 0 {
		c.Generator.MaxTokens = generator.DefaultMaxTokens
	}
	if c.Generator.MaxFiles <= 0 {
		c.Generator.MaxFiles = generator.DefaultMaxFiles
	}
	if c.Generator.MaxFileBytes <= 0 {
		c.Generator.MaxFileBytes = generator.DefaultMaxFileBytes
	}
	if c.Store.Retention <= 0 {
		c.Store.Retention = 30 * 24 * time.Hour
	}
	if c.History.ClickHouseTable == "" {
		c.History.ClickHouseTable = "appdraft_events"
	}
	if c.History.OpenSearchIndex == "" {
		c.History.OpenSearchIndex = "appdraft-events"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}

	l := &c.Limits
	if l.SessionTimeout <= 0 {
		l.SessionTimeout = 30 * time.Minute
	}
	if l.LedgerSweep <= 0 {
		l.LedgerSweep = 5 * time.Minute
	}
	if l.ProbeAfter <= 0 {
		l.ProbeAfter = 30 * time.Second
	}
	if l.EvictAfter <= 0 {
		l.EvictAfter = 90 * time.Second
	}
	if l.HubSweep <= 0 {
		l.HubSweep = 30 * time.Second
	}
	if l.ProcessMaxAge <= 0 {
		l.ProcessMaxAge = 30 * time.Minute
	}
	if l.ProcessSweep <= 0 {
		l.ProcessSweep = 2 * time.Minute
	}
	if l.KillGrace <= 0 {
		l.KillGrace = 5 * time.Second
	}
	if l.CommandTimeout <= 0 {
		l.CommandTimeout = 5 * time.Minute
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path %q must start with /", c.Server.BasePath)
	}
	if c.Workspace.PortStart < 1 || c.Workspace.PortStart > 65535 {
		return fmt.Errorf("workspace.port_start %d out of range", c.Workspace.PortStart)
	}
	switch c.Generator.Provider {
	case "anthropic", "none":
	default:
		return fmt.Errorf("generator.provider %q unknown (anthropic, none)", c.Generator.Provider)
	}
	for i, t := range c.Templates {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("templates[%d] requires name", i)
		}
	}
	if c.Limits.EvictAfter < c.Limits.ProbeAfter {
		return fmt.Errorf("limits.evict_after %s must be >= limits.probe_after %s", c.Limits.EvictAfter, c.Limits.ProbeAfter)
	}
	return nil
}

// TemplateOverrides converts the configured template entries for the catalog.
func (c *Config) TemplateOverrides() []template.Template {
	out := make([]template.Template, 0, len(c.Templates))
	for _, t := range c.Templates {
		out = append(out, template.Template{
			Name:     strings.ToLower(strings.TrimSpace(t.Name)),
			Scaffold: t.Scaffold,
			Fallback: t.Fallback,
			Dev:      t.Dev,
			Env:      t.Env,
			Summary:  t.Summary,
		})
	}
	return out
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries.
// Lines starting with # are ignored; no export keywords, no quoting.
func LoadEnvFile(path string) ([]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			out = append(out, k+"="+v)
		}
	}
	return out, nil
}

// SessionEnv flattens the workspace env sources in precedence order: env
// files first, then the inline env list.
func (c *Config) SessionEnv() ([]string, error) {
	var out []string
	for _, p := range c.Workspace.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		out = append(out, pairs...)
	}
	out = append(out, c.Workspace.Env...)
	return out, nil
}
