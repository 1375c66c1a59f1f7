// Package config loads the agentsociety runtime configuration from a
// single YAML document plus environment variable overrides. Config is
// organized into per-concern sections (LLM, context limits, artifacts,
// HTTP, observability, audit) within one file, since the kernel's config
// surface is small enough that splitting across files would add
// indirection without clarity.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ContextLimitConfig governs when a conversation's context is flagged
// or forced into compaction.
type ContextLimitConfig struct {
	MaxTokens        int     `yaml:"maxTokens"`
	WarningThreshold float64 `yaml:"warningThreshold"`
	CriticalThreshold float64 `yaml:"criticalThreshold"`
	HardLimitThreshold float64 `yaml:"hardLimitThreshold"`
}

// LLMProviderConfig describes one named LLM service, resolved by
// Role.LLMServiceID.
type LLMProviderConfig struct {
	ID         string `yaml:"id"`
	Provider   string `yaml:"provider"` // "anthropic" | "openai"
	Model      string `yaml:"model"`
	APIKeyEnv  string `yaml:"apiKeyEnv"`
	BaseURL    string `yaml:"baseUrl,omitempty"`
	MaxRetries int    `yaml:"maxRetries"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ArtifactsConfig configures the artifact store backend.
type ArtifactsConfig struct {
	Backend      string `yaml:"backend"` // "file" | "s3"
	Dir          string `yaml:"dir"`
	S3Bucket     string `yaml:"s3Bucket,omitempty"`
	S3Region     string `yaml:"s3Region,omitempty"`
	S3Endpoint   string `yaml:"s3Endpoint,omitempty"`
	S3Prefix     string `yaml:"s3Prefix,omitempty"`
	S3UsePathStyle bool `yaml:"s3UsePathStyle,omitempty"`
}

// HTTPConfig configures the external wire surface.
type HTTPConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	AuthToken  string `yaml:"authToken"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ObservabilityConfig groups the ambient observability stack.
type ObservabilityConfig struct {
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// AuditConfig configures the optional SQLite tool-call audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"dbPath"`
}

// Config is the top-level runtime configuration.
type Config struct {
	MaxConcurrent       int                 `yaml:"maxConcurrent"`
	MaxToolRounds       int                 `yaml:"maxToolRounds"`
	ContextLimit        ContextLimitConfig  `yaml:"contextLimit"`
	PersistDebounceMs   int                 `yaml:"persistDebounceMs"`
	RuntimeDir          string              `yaml:"runtimeDir"`
	DefaultLLMServiceID string              `yaml:"defaultLlmServiceId"`
	LLMProviders        []LLMProviderConfig `yaml:"llmProviders"`
	LLMGlobalConcurrency int                `yaml:"llmGlobalConcurrency"`
	Artifacts           ArtifactsConfig     `yaml:"artifacts"`
	HTTP                HTTPConfig          `yaml:"http"`
	Observability       ObservabilityConfig `yaml:"observability"`
	Audit               AuditConfig         `yaml:"audit"`
}

// Default returns the baseline configuration (maxToolRounds=200,
// persistDebounceMs=500, context thresholds 0.7/0.9/0.95).
func Default() *Config {
	return &Config{
		MaxConcurrent: 4,
		MaxToolRounds: 200,
		ContextLimit: ContextLimitConfig{
			MaxTokens:          200_000,
			WarningThreshold:   0.7,
			CriticalThreshold:  0.9,
			HardLimitThreshold: 0.95,
		},
		PersistDebounceMs:    500,
		RuntimeDir:           "./runtime",
		LLMGlobalConcurrency: 8,
		Artifacts: ArtifactsConfig{
			Backend: "file",
			Dir:     "./runtime/artifacts",
		},
		HTTP: HTTPConfig{
			ListenAddr: ":8088",
		},
		Observability: ObservabilityConfig{
			Log:     LogConfig{Level: "info", Format: "json"},
			Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
			Tracing: TracingConfig{Enabled: false},
		},
		Audit: AuditConfig{
			Enabled: false,
			DBPath:  "./runtime/audit.db",
		},
	}
}

// Load reads a YAML config file and applies AGENTSOCIETY_* environment
// overrides on top of it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTSOCIETY_RUNTIME_DIR"); v != "" {
		cfg.RuntimeDir = v
	}
	if v := os.Getenv("AGENTSOCIETY_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrent = n
		}
	}
	if v := os.Getenv("AGENTSOCIETY_MAX_TOOL_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxToolRounds = n
		}
	}
	if v := os.Getenv("AGENTSOCIETY_HTTP_LISTEN_ADDR"); v != "" {
		cfg.HTTP.ListenAddr = v
	}
	if v := os.Getenv("AGENTSOCIETY_HTTP_AUTH_TOKEN"); v != "" {
		cfg.HTTP.AuthToken = v
	}
	if v := os.Getenv("AGENTSOCIETY_LOG_LEVEL"); v != "" {
		cfg.Observability.Log.Level = v
	}
}

// ProviderByID resolves a named LLM provider config, falling back to
// DefaultLLMServiceID when id is empty.
func (c *Config) ProviderByID(id string) (LLMProviderConfig, bool) {
	if id == "" {
		id = c.DefaultLLMServiceID
	}
	for _, p := range c.LLMProviders {
		if p.ID == id {
			return p, true
		}
	}
	return LLMProviderConfig{}, false
}

// ResolveAPIKey reads the provider's API key from its configured env var.
func (p LLMProviderConfig) ResolveAPIKey() (string, error) {
	if p.APIKeyEnv == "" {
		return "", nil
	}
	key := os.Getenv(p.APIKeyEnv)
	if key == "" {
		return "", fmt.Errorf("environment variable %s is not set for llm provider %q", p.APIKeyEnv, p.ID)
	}
	return key, nil
}

// Validate checks structural invariants on the loaded config.
func (c *Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("maxConcurrent must be >= 1")
	}
	if c.MaxToolRounds < 1 {
		return fmt.Errorf("maxToolRounds must be >= 1")
	}
	if c.ContextLimit.MaxTokens <= 0 {
		return fmt.Errorf("contextLimit.maxTokens must be > 0")
	}
	for _, th := range []float64{c.ContextLimit.WarningThreshold, c.ContextLimit.CriticalThreshold, c.ContextLimit.HardLimitThreshold} {
		if th <= 0 || th > 1 {
			return fmt.Errorf("contextLimit thresholds must be in (0,1]")
		}
	}
	backend := strings.ToLower(c.Artifacts.Backend)
	if backend != "file" && backend != "s3" {
		return fmt.Errorf("artifacts.backend must be \"file\" or \"s3\", got %q", c.Artifacts.Backend)
	}
	return nil
}
