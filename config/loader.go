package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	// ProjectConfigFile is the name of the project-level config file.
	ProjectConfigFile = "machine-client.yaml"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. Project config (machine-client.yaml in current or parent directories)
// 3. .env file (values only fill unset environment variables)
// 4. Environment variables
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("Failed to load .env", slog.String("error", err.Error()))
	}

	ApplyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overlays environment variables onto the config.
func ApplyEnv(c *Config) {
	if v := os.Getenv("PROJECT_BASE"); v != "" {
		c.ProjectBase = v
	}
	if v := firstEnv("DASHBOARD_API_URL", "DASHBOARD_API_BASE_URL"); v != "" {
		c.Dashboard.BaseURL = v
	}
	if v := os.Getenv("DASHBOARD_API_KEY"); v != "" {
		c.Dashboard.APIKey = v
	}
	if v := os.Getenv("LLM_ENDPOINT"); v != "" {
		c.LLM.Endpoint = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_DEFAULT_MODEL"); v != "" {
		c.LLM.DefaultModel = v
	}
	if v := os.Getenv("TRANSPORT_TYPE"); v != "" {
		c.Transport.Type = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Transport.RedisURL = v
	}
	if v := os.Getenv("ALLOWED_PERSONAS"); v != "" {
		c.Personas.Allowed = splitList(v)
	}
	if v := os.Getenv("MC_ALLOW_WORKSPACE_GIT"); v != "" {
		c.Git.AllowWorkspaceGit = isTruthy(v)
	}
	if n, ok := intEnv("MC_PERSONA_TIMEOUT_MS"); ok && n > 0 {
		c.Personas.BaseTimeoutMs = n
	}
	if n, ok := intEnv("MC_BACKOFF_INCREMENT_MS"); ok && n > 0 {
		c.Personas.BackoffIncrementMs = n
	}
	if n, ok := intEnv("MC_MAX_RETRIES"); ok {
		c.Personas.MaxRetries = n
	}
	if n, ok := intEnv("MC_MAX_INFO_ITERATIONS"); ok && n > 0 {
		c.Personas.MaxInformationIterations = n
	}
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func intEnv(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// findProjectConfig searches for machine-client.yaml in current and parent
// directories.
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
