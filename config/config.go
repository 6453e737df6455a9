// Package config holds dispatcher construction configuration: provider
// credentials/connection settings, proactive rate-limit knobs, and retry
// behavior, loaded from YAML with environment-variable template
// substitution for secrets.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/aymerick/raymond"
	"gopkg.in/yaml.v3"
)

// ProviderType names a supported chat-completion backend.
type ProviderType string

const (
	ProviderOpenAI          ProviderType = "OPENAI"
	ProviderAzure           ProviderType = "AZURE"
	ProviderAnthropic       ProviderType = "ANTHROPIC"
	ProviderAmazonAnthropic ProviderType = "AMAZON-ANTHROPIC"
	ProviderGoogle          ProviderType = "GOOGLE"
	ProviderVertex          ProviderType = "VERTEX"
)

// RateLimits configures the proactive TPM gate (spec §6 Configuration).
type RateLimits struct {
	MaxTPM              int  `yaml:"max_tpm"`
	AdaptiveCalibration bool `yaml:"adaptive_calibration"`
}

// Retry configures the in-call retry policy for failed endpoint calls.
// Rate-limit errors are not retried here; they go to the batch-level
// recovery loop.
type Retry struct {
	MaxRetry int `yaml:"max_retry"`
}

// Config is the dispatcher's construction configuration.
type Config struct {
	Provider        ProviderType `yaml:"provider"`
	Model           string       `yaml:"model"`
	Temperature     float64      `yaml:"temperature"`
	MaxTokens       int          `yaml:"max_tokens"`
	MaxConcurrent   int          `yaml:"max_concurrent"`
	Token           string       `yaml:"token"`
	Secret          string       `yaml:"secret"`
	BaseURL         string       `yaml:"base_url"`
	APIVersion      string       `yaml:"api_version"`
	ProjectID       string       `yaml:"project_id"`
	Location        string       `yaml:"location"`
	CredentialsPath string       `yaml:"credentials_path"`
	AuthType        string       `yaml:"auth_type"`
	Environment     string       `yaml:"environment"`
	CorrelationID   string       `yaml:"correlation_id"`
	PricingFile     string       `yaml:"pricing_file"`

	RateLimits RateLimits `yaml:"rate_limits"`
	Retry      Retry      `yaml:"retry"`
}

const (
	defaultTemperature   = 0.1
	defaultMaxConcurrent = 10
	maxMaxConcurrent     = 50
	defaultMaxTPM        = 180000
	defaultMaxRetry      = 2
)

// applyDefaults fills in the standard configuration defaults and clamps.
func (c *Config) applyDefaults() {
	if c.Temperature == 0 {
		c.Temperature = defaultTemperature
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.MaxConcurrent > maxMaxConcurrent {
		c.MaxConcurrent = maxMaxConcurrent
	}
	if c.RateLimits.MaxTPM == 0 {
		c.RateLimits.MaxTPM = defaultMaxTPM
	}
	if c.Retry.MaxRetry == 0 {
		c.Retry.MaxRetry = defaultMaxRetry
	}
}

// Load reads and parses a YAML config file, resolving `{{ENV_VAR}}`-style
// template references in credential-bearing fields against the process
// environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Adaptive calibration is on unless the file sets it to false.
	cfg := Config{RateLimits: RateLimits{AdaptiveCalibration: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	ctx := envContext()
	cfg.Token = RenderCredential(cfg.Token, ctx)
	cfg.Secret = RenderCredential(cfg.Secret, ctx)
	cfg.BaseURL = RenderCredential(cfg.BaseURL, ctx)
	cfg.CredentialsPath = RenderCredential(cfg.CredentialsPath, ctx)

	cfg.applyDefaults()

	if cfg.Model == "" {
		return nil, fmt.Errorf("config: model is required")
	}
	if cfg.Provider == "" {
		return nil, fmt.Errorf("config: provider is required")
	}

	return &cfg, nil
}

// envContext exposes the process environment as a map for template
// rendering.
func envContext() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}

// RenderCredential resolves `{{KEY}}` placeholders in a credential field
// against ctx. A key absent from ctx renders as the empty string; a
// malformed template falls back to the literal input, so neither hard-fails
// config loading.
func RenderCredential(input string, ctx map[string]string) string {
	if input == "" || !strings.Contains(input, "{{") {
		return input
	}
	rendered, err := raymond.Render(input, ctx)
	if err != nil {
		return input
	}
	return rendered
}
