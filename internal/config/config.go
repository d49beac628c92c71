// Package config loads chat configuration from an optional YAML file and the
// environment. Environment variables override file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stupiduntilnot/rpgchat/internal/logger"
)

const (
	ProviderOpenAI = "openai"
	ProviderDummy  = "dummy"
)

const defaultInstructions = "You are a friendly companion in a casual chat. Keep replies short and warm."

// ChatConfig holds configuration for the chat process.
type ChatConfig struct {
	ModelProvider       string
	OpenAIAPIKey        string
	OpenAIChatCompURL   string
	OpenAIModel         string
	DummyProviderScript string
	Instructions        string
	ContextWindowTokens int
	RequestTimeout      time.Duration
	ResetSessionOnClear bool
	CircuitThreshold    int
	CircuitCooldown     time.Duration
	JournalPath         string
	LogFile             string
	LogLevel            string
	LogPretty           bool
	MetricsAddr         string
}

// fileConfig mirrors the YAML layout. Pointers distinguish unset keys from
// zero values.
type fileConfig struct {
	Provider              *string `yaml:"provider"`
	DummyScript           *string `yaml:"dummy_script"`
	Instructions          *string `yaml:"instructions"`
	ContextWindowTokens   *int    `yaml:"context_window_tokens"`
	RequestTimeoutSeconds *int    `yaml:"request_timeout_seconds"`
	ResetSessionOnClear   *bool   `yaml:"reset_session_on_clear"`
	JournalPath           *string `yaml:"journal_path"`
	MetricsAddr           *string `yaml:"metrics_addr"`
	OpenAI                struct {
		URL   *string `yaml:"url"`
		Model *string `yaml:"model"`
	} `yaml:"openai"`
	Circuit struct {
		Threshold       *int `yaml:"threshold"`
		CooldownSeconds *int `yaml:"cooldown_seconds"`
	} `yaml:"circuit"`
	Log struct {
		File   *string `yaml:"file"`
		Level  *string `yaml:"level"`
		Pretty *bool   `yaml:"pretty"`
	} `yaml:"log"`
}

// DefaultChatConfig returns the built-in defaults.
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		ModelProvider:       ProviderOpenAI,
		OpenAIChatCompURL:   "https://api.openai.com/v1/chat/completions",
		OpenAIModel:         "gpt-4o-mini",
		DummyProviderScript: "echo",
		Instructions:        defaultInstructions,
		ContextWindowTokens: 4096,
		RequestTimeout:      120 * time.Second,
		ResetSessionOnClear: true,
		CircuitThreshold:    5,
		CircuitCooldown:     30 * time.Second,
		LogLevel:            "info",
	}
}

// LoadChatConfig reads the YAML file at path (skipped when path is empty),
// applies environment overrides and validates the result.
func LoadChatConfig(path string) (ChatConfig, error) {
	cfg := DefaultChatConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return ChatConfig{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return ChatConfig{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		fc.apply(&cfg)
	}

	cfg.ModelProvider = envOrDefault("CHAT_MODEL_PROVIDER", cfg.ModelProvider)
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.OpenAIChatCompURL = envOrDefault("OPENAI_CHAT_COMPLETIONS_URL", cfg.OpenAIChatCompURL)
	cfg.OpenAIModel = envOrDefault("OPENAI_MODEL", cfg.OpenAIModel)
	cfg.DummyProviderScript = envOrDefault("CHAT_DUMMY_PROVIDER_SCRIPT", cfg.DummyProviderScript)
	cfg.Instructions = envOrDefault("CHAT_INSTRUCTIONS", cfg.Instructions)
	cfg.ContextWindowTokens = envIntOrDefault("CHAT_CONTEXT_WINDOW_TOKENS", cfg.ContextWindowTokens)
	cfg.RequestTimeout = time.Duration(envIntOrDefault("CHAT_REQUEST_TIMEOUT_SECONDS", int(cfg.RequestTimeout/time.Second))) * time.Second
	cfg.ResetSessionOnClear = envBoolOrDefault("CHAT_RESET_SESSION_ON_CLEAR", cfg.ResetSessionOnClear)
	cfg.CircuitThreshold = envIntOrDefault("CHAT_CIRCUIT_THRESHOLD", cfg.CircuitThreshold)
	cfg.CircuitCooldown = time.Duration(envIntOrDefault("CHAT_CIRCUIT_COOLDOWN_SECONDS", int(cfg.CircuitCooldown/time.Second))) * time.Second
	cfg.JournalPath = envOrDefault("CHAT_JOURNAL_PATH", cfg.JournalPath)
	cfg.LogFile = envOrDefault("CHAT_LOG_FILE", cfg.LogFile)
	cfg.LogLevel = envOrDefault("CHAT_LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = envBoolOrDefault("CHAT_LOG_PRETTY", cfg.LogPretty)
	cfg.MetricsAddr = envOrDefault("CHAT_METRICS_ADDR", cfg.MetricsAddr)

	if err := cfg.Validate(); err != nil {
		return ChatConfig{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c ChatConfig) Validate() error {
	switch c.ModelProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required in environment when CHAT_MODEL_PROVIDER=openai")
		}
	case ProviderDummy:
	default:
		return fmt.Errorf("invalid CHAT_MODEL_PROVIDER: %q (want openai or dummy)", c.ModelProvider)
	}
	if c.ContextWindowTokens < 0 {
		return fmt.Errorf("invalid CHAT_CONTEXT_WINDOW_TOKENS: must be >= 0")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("invalid CHAT_REQUEST_TIMEOUT_SECONDS: must be > 0")
	}
	if c.CircuitThreshold <= 0 {
		return fmt.Errorf("invalid CHAT_CIRCUIT_THRESHOLD: must be > 0")
	}
	if c.CircuitCooldown <= 0 {
		return fmt.Errorf("invalid CHAT_CIRCUIT_COOLDOWN_SECONDS: must be > 0")
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid CHAT_LOG_LEVEL: %w", err)
	}
	return nil
}

func (fc fileConfig) apply(cfg *ChatConfig) {
	setString(&cfg.ModelProvider, fc.Provider)
	setString(&cfg.DummyProviderScript, fc.DummyScript)
	setString(&cfg.Instructions, fc.Instructions)
	setString(&cfg.JournalPath, fc.JournalPath)
	setString(&cfg.MetricsAddr, fc.MetricsAddr)
	setString(&cfg.OpenAIChatCompURL, fc.OpenAI.URL)
	setString(&cfg.OpenAIModel, fc.OpenAI.Model)
	setString(&cfg.LogFile, fc.Log.File)
	setString(&cfg.LogLevel, fc.Log.Level)
	if fc.ContextWindowTokens != nil {
		cfg.ContextWindowTokens = *fc.ContextWindowTokens
	}
	if fc.RequestTimeoutSeconds != nil {
		cfg.RequestTimeout = time.Duration(*fc.RequestTimeoutSeconds) * time.Second
	}
	if fc.ResetSessionOnClear != nil {
		cfg.ResetSessionOnClear = *fc.ResetSessionOnClear
	}
	if fc.Circuit.Threshold != nil {
		cfg.CircuitThreshold = *fc.Circuit.Threshold
	}
	if fc.Circuit.CooldownSeconds != nil {
		cfg.CircuitCooldown = time.Duration(*fc.Circuit.CooldownSeconds) * time.Second
	}
	if fc.Log.Pretty != nil {
		cfg.LogPretty = *fc.Log.Pretty
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}
