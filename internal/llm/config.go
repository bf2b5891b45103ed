package llm

import (
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CoursePipe/internal/util"
)

// Default per-provider settings.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultClaudeURL   = "https://api.anthropic.com"
	DefaultClaudeModel = "claude-3-5-sonnet-20241022"
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultGeminiModel = "gemini-1.5-pro"
	DefaultLocalURL    = "http://localhost:11434/v1"
	DefaultLocalModel  = "llama3"
)

// ProviderConfig holds the credentials and tunables of one provider.
type ProviderConfig struct {
	Enabled     bool
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	// Temperature is nil when not configured; zero is a valid setting.
	Temperature *float64
	Timeout     time.Duration
}

// Usable reports whether the provider is enabled and has credentials.
func (p ProviderConfig) Usable() bool {
	return p.Enabled && strings.TrimSpace(p.APIKey) != ""
}

// EffectiveTemperature returns the configured temperature or DefaultTemperature.
func (p ProviderConfig) EffectiveTemperature() float64 {
	if p.Temperature != nil {
		return *p.Temperature
	}
	return DefaultTemperature
}

// Config is the gateway configuration.
type Config struct {
	DefaultProvider ProviderType
	Retry           RetryPolicy
	Providers       map[ProviderType]ProviderConfig
}

// DefaultConfig returns a configuration with every provider disabled.
func DefaultConfig() Config {
	return Config{
		DefaultProvider: ProviderClaude,
		Retry:           DefaultRetryPolicy(),
		Providers: map[ProviderType]ProviderConfig{
			ProviderClaude: {BaseURL: DefaultClaudeURL, Model: DefaultClaudeModel, MaxTokens: DefaultMaxTokens, Timeout: DefaultTimeout},
			ProviderOpenAI: {Model: DefaultOpenAIModel, MaxTokens: DefaultMaxTokens, Timeout: DefaultTimeout},
			ProviderGemini: {Model: DefaultGeminiModel, MaxTokens: DefaultMaxTokens, Timeout: DefaultTimeout},
			ProviderLocal:  {BaseURL: DefaultLocalURL, Model: DefaultLocalModel, MaxTokens: DefaultMaxTokens, Timeout: DefaultTimeout},
		},
	}
}

// ConfigFromEnv reads LLM_* and <PROVIDER>_* environment variables on top of DefaultConfig.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if raw := util.GetEnvDefault("LLM_DEFAULT_PROVIDER", ""); raw != "" {
		if p, err := ParseProviderType(raw); err == nil {
			cfg.DefaultProvider = p
		} else {
			slog.Warn("llm.ConfigFromEnv: unknown default provider, keeping default", "value", raw, "default", cfg.DefaultProvider)
		}
	}
	cfg.Retry.MaxAttempts = util.ParseIntEnv("LLM_RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	cfg.Retry.BackoffDelay = util.ParseDurationEnv("LLM_RETRY_BACKOFF_DELAY", cfg.Retry.BackoffDelay)

	for _, p := range AllProviderTypes() {
		prefix := strings.ToUpper(string(p)) + "_"
		pc := cfg.Providers[p]
		pc.APIKey = util.GetEnvDefault(prefix+"API_KEY", pc.APIKey)
		// A provider with a key is enabled unless explicitly switched off.
		pc.Enabled = util.ParseBoolEnv(prefix+"ENABLED", pc.APIKey != "")
		pc.BaseURL = util.GetEnvDefault(prefix+"BASE_URL", pc.BaseURL)
		pc.Model = util.GetEnvDefault(prefix+"MODEL", pc.Model)
		pc.MaxTokens = util.ParseIntEnv(prefix+"MAX_TOKENS", pc.MaxTokens)
		if util.GetEnvDefault(prefix+"TEMPERATURE", "") != "" {
			t := util.ParseFloatEnv(prefix+"TEMPERATURE", pc.EffectiveTemperature())
			pc.Temperature = &t
		}
		pc.Timeout = util.ParseDurationEnv(prefix+"TIMEOUT", pc.Timeout)
		cfg.Providers[p] = pc

		slog.Debug("llm.ConfigFromEnv: provider configured", "provider", p, "enabled", pc.Enabled, "api_key_set", pc.APIKey != "", "model", pc.Model)
	}
	return cfg
}
