package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider LLM credentials.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// Model is used when the provider serves as a summary fallback.
	Model string `yaml:"model"`
}

// knownProviders are the names accepted for llm.provider and
// summary.fallback_providers.
var knownProviders = map[string]bool{
	"google":            true,
	"anthropic":         true,
	"openai":            true,
	"openai_compatible": true,
	"openrouter":        true,
}

// LLMConfig selects the completion backend used by classifiers, extraction
// and summarization.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai",
	// "openai_compatible" or "openrouter". Empty disables LLM capabilities.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`
}

type SessionConfig struct {
	TimeoutMinutes int `yaml:"timeout_minutes"`

	// DriftEnabled turns on topic-drift detection. It needs an LLM provider.
	DriftEnabled   bool     `yaml:"drift_enabled"`
	DriftThreshold float64  `yaml:"drift_threshold"`
	ResetPhrases   []string `yaml:"reset_phrases"`
}

type ObjectiveConfig struct {
	HeuristicThreshold float64 `yaml:"heuristic_threshold"`
	// UseLLM enables the LLM follow-up classifier and objective extractor.
	UseLLM bool `yaml:"use_llm"`
}

type PolicyConfig struct {
	// File is the advisory policy table; defaults to <home>/policy.yaml.
	File              string `yaml:"file"`
	StrictAttenuation bool   `yaml:"strict_attenuation"`
	// Source selects the table consulted at evaluation time: "file" uses the
	// hot-reloaded YAML table, "db" uses the risk_policies table seeded from it.
	Source string `yaml:"source"`
}

type SummaryConfig struct {
	// UseLLM ranks the LLM summarizer ahead of the local fallback.
	UseLLM bool `yaml:"use_llm"`

	// FallbackProviders is an ordered list of provider names tried after
	// llm.provider when it fails. Each uses providers.<name> credentials.
	FallbackProviders []string `yaml:"fallback_providers"`

	// FailoverThreshold is the number of consecutive failures before a
	// provider's circuit breaker trips. Default 5.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is how long a tripped provider is skipped.
	// Default 300.
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`
}

type ReaperConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// RetentionAuditLogDays prunes audit rows older than this. 0 keeps forever.
	RetentionAuditLogDays int `yaml:"retention_audit_log_days"`

	Session   SessionConfig   `yaml:"session"`
	Objective ObjectiveConfig `yaml:"objective"`
	Policy    PolicyConfig    `yaml:"policy"`
	Summary   SummaryConfig   `yaml:"summary"`
	LLM       LLMConfig       `yaml:"llm"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Providers holds per-provider credentials and endpoints.
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// SessionTimeout returns the idle timeout as a duration.
func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.Session.TimeoutMinutes) * time.Minute
}

// FailoverCooldown returns the summary breaker cooldown as a duration.
func (c Config) FailoverCooldown() time.Duration {
	return time.Duration(c.Summary.FailoverCooldownSeconds) * time.Second
}

// LLMEnabled reports whether any component may call an LLM.
func (c Config) LLMEnabled() bool {
	return strings.TrimSpace(c.LLM.Provider) != ""
}

// ProviderAPIKey returns the API key for the given provider, checking env overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
		"openrouter":        "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if provider == "google" {
		if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// ProviderModel returns the model for provider: llm.model for the primary,
// providers.<name>.model otherwise. Empty means the provider default.
func (c Config) ProviderModel(provider string) string {
	if provider == c.LLM.Provider {
		return c.LLM.Model
	}
	return c.Providers[provider].Model
}

// SummaryProviders returns the summarization providers in rank order.
func (c Config) SummaryProviders() []string {
	if !c.LLMEnabled() || !c.Summary.UseLLM {
		return nil
	}
	return append([]string{c.LLM.Provider}, c.Summary.FallbackProviders...)
}

// ProviderBaseURL returns the configured endpoint override for provider.
func (c Config) ProviderBaseURL(provider string) string {
	if provider == "openai_compatible" && c.LLM.OpenAICompatibleBaseURL != "" {
		return c.LLM.OpenAICompatibleBaseURL
	}
	if c.Providers != nil {
		return c.Providers[provider].BaseURL
	}
	return ""
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the advisory policy file location.
func (c Config) PolicyPath() string {
	if c.Policy.File != "" {
		return c.Policy.File
	}
	return filepath.Join(c.HomeDir, "policy.yaml")
}

// Fingerprint returns a stable hash of the settings that change decisions.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "timeout=%d|drift=%t/%.2f|resets=%v|heuristic=%.2f/%t|strict=%t|source=%s|summary=%t/%v|llm=%s/%s",
		c.Session.TimeoutMinutes, c.Session.DriftEnabled, c.Session.DriftThreshold, c.Session.ResetPhrases,
		c.Objective.HeuristicThreshold, c.Objective.UseLLM,
		c.Policy.StrictAttenuation, c.Policy.Source,
		c.Summary.UseLLM, c.Summary.FallbackProviders, c.LLM.Provider, c.LLM.Model)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:              "info",
		RetentionAuditLogDays: 365,
		Session: SessionConfig{
			TimeoutMinutes: 30,
			DriftThreshold: 0.80,
		},
		Objective: ObjectiveConfig{HeuristicThreshold: 0.85},
		Policy:    PolicyConfig{Source: "file"},
		Summary: SummaryConfig{
			FailoverThreshold:       5,
			FailoverCooldownSeconds: 300,
		},
		Reaper: ReaperConfig{
			Enabled:  true,
			Schedule: "*/5 * * * *",
		},
		Telemetry: TelemetryConfig{Exporter: "none"},
	}
}

func HomeDir() string {
	if override := os.Getenv("CLAWKERNEL_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawkernel")
}

// Load reads config.yaml from HomeDir.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, applies CLAWKERNEL_* env overrides
// and validates the result. A missing file yields the defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawkernel home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "kernel.db")
	}
	if cfg.Session.TimeoutMinutes <= 0 {
		cfg.Session.TimeoutMinutes = 30
	}
	if cfg.Session.DriftThreshold <= 0 {
		cfg.Session.DriftThreshold = 0.80
	}
	if cfg.Objective.HeuristicThreshold <= 0 {
		cfg.Objective.HeuristicThreshold = 0.85
	}
	cfg.Policy.Source = strings.ToLower(strings.TrimSpace(cfg.Policy.Source))
	if cfg.Policy.Source == "" {
		cfg.Policy.Source = "file"
	}
	if cfg.Summary.FailoverThreshold <= 0 {
		cfg.Summary.FailoverThreshold = 5
	}
	if cfg.Summary.FailoverCooldownSeconds <= 0 {
		cfg.Summary.FailoverCooldownSeconds = 300
	}
	if strings.TrimSpace(cfg.Reaper.Schedule) == "" {
		cfg.Reaper.Schedule = "*/5 * * * *"
	}
	cfg.LLM.Provider = canonicalProvider(cfg.LLM.Provider)

	// Fallbacks are deduplicated and never repeat the primary.
	seen := map[string]bool{cfg.LLM.Provider: true}
	fallbacks := cfg.Summary.FallbackProviders[:0:0]
	for _, name := range cfg.Summary.FallbackProviders {
		name = canonicalProvider(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		fallbacks = append(fallbacks, name)
	}
	cfg.Summary.FallbackProviders = fallbacks
}

func canonicalProvider(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	// Legacy name.
	if name == "gemini" {
		return "google"
	}
	return name
}

func validate(cfg Config) error {
	if cfg.Session.DriftThreshold > 1 {
		return fmt.Errorf("session.drift_threshold must be in (0, 1], got %v", cfg.Session.DriftThreshold)
	}
	if cfg.Objective.HeuristicThreshold > 1 {
		return fmt.Errorf("objective.heuristic_threshold must be in (0, 1], got %v", cfg.Objective.HeuristicThreshold)
	}
	switch cfg.Policy.Source {
	case "file", "db":
	default:
		return fmt.Errorf("policy.source must be \"file\" or \"db\", got %q", cfg.Policy.Source)
	}
	if cfg.Session.DriftEnabled && !cfg.LLMEnabled() {
		return fmt.Errorf("session.drift_enabled requires llm.provider")
	}
	if cfg.LLMEnabled() && !knownProviders[cfg.LLM.Provider] {
		return fmt.Errorf("llm.provider %q is not supported", cfg.LLM.Provider)
	}
	if len(cfg.Summary.FallbackProviders) > 0 {
		if !cfg.LLMEnabled() || !cfg.Summary.UseLLM {
			return fmt.Errorf("summary.fallback_providers requires llm.provider and summary.use_llm")
		}
		for _, name := range cfg.Summary.FallbackProviders {
			if !knownProviders[name] {
				return fmt.Errorf("summary.fallback_providers: unknown provider %q", name)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWKERNEL_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWKERNEL_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CLAWKERNEL_SESSION_TIMEOUT_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Session.TimeoutMinutes = v
		}
	}
	if raw := os.Getenv("CLAWKERNEL_DRIFT_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Session.DriftEnabled = v
		}
	}
	if raw := os.Getenv("CLAWKERNEL_STRICT_ATTENUATION"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Policy.StrictAttenuation = v
		}
	}
	if raw := os.Getenv("CLAWKERNEL_POLICY_FILE"); raw != "" {
		cfg.Policy.File = raw
	}
	if raw := os.Getenv("CLAWKERNEL_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("CLAWKERNEL_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("CLAWKERNEL_REAPER_SCHEDULE"); raw != "" {
		cfg.Reaper.Schedule = raw
	}
	if raw := os.Getenv("CLAWKERNEL_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Telemetry.Enabled = v
		}
	}
	if raw := os.Getenv("CLAWKERNEL_OTEL_EXPORTER"); raw != "" {
		cfg.Telemetry.Exporter = raw
	}
}
