// Package config provides configuration loading and management for the
// machine client.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete machine-client configuration.
type Config struct {
	// ProjectBase is the root directory for cloned repositories.
	ProjectBase string `yaml:"project_base"`

	Dashboard DashboardConfig `yaml:"dashboard"`
	LLM       LLMConfig       `yaml:"llm"`
	Transport TransportConfig `yaml:"transport"`
	Personas  PersonasConfig  `yaml:"personas"`
	Git       GitConfig       `yaml:"git"`
	Plan      PlanConfig      `yaml:"plan"`
}

// DashboardConfig configures the task-service HTTP client.
type DashboardConfig struct {
	// BaseURL is the task-service API base URL.
	BaseURL string `yaml:"base_url"`
	// APIKey is sent as a bearer token on every call.
	APIKey string `yaml:"api_key"`
	// Timeout bounds each HTTP call (default: 5s).
	Timeout time.Duration `yaml:"timeout"`
}

// LLMConfig configures the inference endpoint.
type LLMConfig struct {
	// Endpoint is the inference API endpoint.
	Endpoint string `yaml:"endpoint"`
	// APIKey is optional; empty means no Authorization header.
	APIKey string `yaml:"api_key"`
	// DefaultModel is used when a persona has no model override.
	DefaultModel string `yaml:"default_model"`
	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `yaml:"temperature"`
}

// TransportConfig selects and configures the stream transport.
type TransportConfig struct {
	// Type selects the backend: "local" (in-process) or "stream" (Redis).
	Type string `yaml:"type"`
	// RedisURL is the Redis connection URL for the stream backend.
	RedisURL string `yaml:"redis_url"`
	// GroupPrefix prefixes per-persona consumer group names.
	GroupPrefix string `yaml:"group_prefix"`
	// RequestStream is the logical request stream key.
	RequestStream string `yaml:"request_stream"`
	// EventStream is the logical event stream key.
	EventStream string `yaml:"event_stream"`
	// BlockMs is the blocking-read timeout per dispatcher poll.
	BlockMs int `yaml:"block_ms"`
	// BatchSize is the max entries in flight per dispatcher loop.
	BatchSize int `yaml:"batch_size"`
}

// PersonasConfig configures persona dispatch and retry behavior.
type PersonasConfig struct {
	// Allowed lists the personas this process hosts.
	Allowed []string `yaml:"allowed"`
	// BaseTimeoutMs is the default per-attempt response deadline.
	BaseTimeoutMs int `yaml:"base_timeout_ms"`
	// BackoffIncrementMs is added to the timeout per retry attempt.
	BackoffIncrementMs int `yaml:"backoff_increment_ms"`
	// MaxRetries bounds attempts; negative means unlimited.
	MaxRetries int `yaml:"max_retries"`
	// MaxInformationIterations bounds the information-request loop.
	MaxInformationIterations int `yaml:"max_information_iterations"`
	// MaxUniqueSources caps distinct sources served per request.
	MaxUniqueSources int `yaml:"max_unique_sources"`
	// Overrides holds per-persona settings keyed by persona name.
	Overrides map[string]PersonaOverride `yaml:"overrides"`
}

// PersonaOverride adjusts settings for a single persona.
type PersonaOverride struct {
	// Model overrides the default inference model.
	Model string `yaml:"model"`
	// TimeoutMs overrides the base per-attempt deadline.
	TimeoutMs int `yaml:"timeout_ms"`
	// MaxRetries overrides the global retry bound; negative = unlimited.
	MaxRetries *int `yaml:"max_retries"`
}

// GitConfig configures repository handling.
type GitConfig struct {
	// AllowWorkspaceGit permits operating on the process working directory.
	AllowWorkspaceGit bool `yaml:"allow_workspace_git"`
}

// PlanConfig configures the plan-approval loop.
type PlanConfig struct {
	// MaxIterationsPerStage bounds planner/evaluator rounds.
	MaxIterationsPerStage int `yaml:"max_iterations_per_stage"`
	// RequireCitations instructs the evaluator to demand citations.
	RequireCitations bool `yaml:"require_citations"`
}

// DefaultPersonas are the roles hosted when ALLOWED_PERSONAS is unset.
var DefaultPersonas = []string{
	"context-scanner",
	"planner",
	"plan-evaluator",
	"lead-engineer",
	"tester-qa",
	"code-reviewer",
	"security-review",
	"devops",
	"project-manager",
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProjectBase: filepath.Join(os.TempDir(), "machine-client", "repos"),
		Dashboard: DashboardConfig{
			Timeout: 5 * time.Second,
		},
		LLM: LLMConfig{
			Endpoint:     "http://localhost:11434/v1",
			DefaultModel: "qwen2.5-coder:32b",
			Temperature:  0.2,
		},
		Transport: TransportConfig{
			Type:          "local",
			GroupPrefix:   "ma",
			RequestStream: "ma:requests",
			EventStream:   "ma:events",
			BlockMs:       5000,
			BatchSize:     1,
		},
		Personas: PersonasConfig{
			Allowed:                  append([]string(nil), DefaultPersonas...),
			BaseTimeoutMs:            120_000,
			BackoffIncrementMs:       15_000,
			MaxRetries:               2,
			MaxInformationIterations: 5,
			MaxUniqueSources:         10,
		},
		Plan: PlanConfig{
			MaxIterationsPerStage: 5,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Transport.Type {
	case "local", "stream":
	default:
		return fmt.Errorf("transport.type must be local or stream, got %q", c.Transport.Type)
	}
	if c.Transport.Type == "stream" && c.Transport.RedisURL == "" {
		return fmt.Errorf("transport.redis_url is required for the stream transport")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("llm.temperature must be between 0.0 and 1.0, got %f", c.LLM.Temperature)
	}
	if c.Personas.BaseTimeoutMs <= 0 {
		return fmt.Errorf("personas.base_timeout_ms must be positive, got %d", c.Personas.BaseTimeoutMs)
	}
	if c.Plan.MaxIterationsPerStage <= 0 {
		return fmt.Errorf("plan.max_iterations_per_stage must be positive, got %d", c.Plan.MaxIterationsPerStage)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &config, nil
}

// Merge overlays non-zero values from other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.ProjectBase != "" {
		c.ProjectBase = other.ProjectBase
	}
	if other.Dashboard.BaseURL != "" {
		c.Dashboard.BaseURL = other.Dashboard.BaseURL
	}
	if other.Dashboard.APIKey != "" {
		c.Dashboard.APIKey = other.Dashboard.APIKey
	}
	if other.Dashboard.Timeout != 0 {
		c.Dashboard.Timeout = other.Dashboard.Timeout
	}
	if other.LLM.Endpoint != "" {
		c.LLM.Endpoint = other.LLM.Endpoint
	}
	if other.LLM.APIKey != "" {
		c.LLM.APIKey = other.LLM.APIKey
	}
	if other.LLM.DefaultModel != "" {
		c.LLM.DefaultModel = other.LLM.DefaultModel
	}
	if other.LLM.Temperature != 0 {
		c.LLM.Temperature = other.LLM.Temperature
	}
	if other.Transport.Type != "" {
		c.Transport.Type = other.Transport.Type
	}
	if other.Transport.RedisURL != "" {
		c.Transport.RedisURL = other.Transport.RedisURL
	}
	if other.Transport.GroupPrefix != "" {
		c.Transport.GroupPrefix = other.Transport.GroupPrefix
	}
	if other.Transport.RequestStream != "" {
		c.Transport.RequestStream = other.Transport.RequestStream
	}
	if other.Transport.EventStream != "" {
		c.Transport.EventStream = other.Transport.EventStream
	}
	if other.Transport.BlockMs != 0 {
		c.Transport.BlockMs = other.Transport.BlockMs
	}
	if other.Transport.BatchSize != 0 {
		c.Transport.BatchSize = other.Transport.BatchSize
	}
	if len(other.Personas.Allowed) > 0 {
		c.Personas.Allowed = other.Personas.Allowed
	}
	if other.Personas.BaseTimeoutMs != 0 {
		c.Personas.BaseTimeoutMs = other.Personas.BaseTimeoutMs
	}
	if other.Personas.BackoffIncrementMs != 0 {
		c.Personas.BackoffIncrementMs = other.Personas.BackoffIncrementMs
	}
	if other.Personas.MaxRetries != 0 {
		c.Personas.MaxRetries = other.Personas.MaxRetries
	}
	if other.Personas.MaxInformationIterations != 0 {
		c.Personas.MaxInformationIterations = other.Personas.MaxInformationIterations
	}
	if other.Personas.MaxUniqueSources != 0 {
		c.Personas.MaxUniqueSources = other.Personas.MaxUniqueSources
	}
	if len(other.Personas.Overrides) > 0 {
		if c.Personas.Overrides == nil {
			c.Personas.Overrides = make(map[string]PersonaOverride, len(other.Personas.Overrides))
		}
		for name, ov := range other.Personas.Overrides {
			c.Personas.Overrides[name] = ov
		}
	}
	if other.Git.AllowWorkspaceGit {
		c.Git.AllowWorkspaceGit = true
	}
	if other.Plan.MaxIterationsPerStage != 0 {
		c.Plan.MaxIterationsPerStage = other.Plan.MaxIterationsPerStage
	}
	if other.Plan.RequireCitations {
		c.Plan.RequireCitations = true
	}
}

// PersonaTimeout returns the per-attempt deadline for a persona.
func (c *Config) PersonaTimeout(persona string) time.Duration {
	if ov, ok := c.Personas.Overrides[persona]; ok && ov.TimeoutMs > 0 {
		return time.Duration(ov.TimeoutMs) * time.Millisecond
	}
	return time.Duration(c.Personas.BaseTimeoutMs) * time.Millisecond
}

// PersonaMaxRetries returns the retry bound for a persona; negative means
// unlimited.
func (c *Config) PersonaMaxRetries(persona string) int {
	if ov, ok := c.Personas.Overrides[persona]; ok && ov.MaxRetries != nil {
		return *ov.MaxRetries
	}
	return c.Personas.MaxRetries
}

// PersonaModel returns the inference model for a persona.
func (c *Config) PersonaModel(persona string) string {
	if ov, ok := c.Personas.Overrides[persona]; ok && ov.Model != "" {
		return ov.Model
	}
	return c.LLM.DefaultModel
}
