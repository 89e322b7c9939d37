// Package config loads uitestgen configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Supported AI providers.
const (
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
)

// ErrInvalidConfig is returned when the loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full application configuration.
type Config struct {
	Provider       string               `yaml:"provider" validate:"oneof=openai claude"`
	Models         Models               `yaml:"models"`
	Parameters     Parameters           `yaml:"parameters"`
	Retry          Retry                `yaml:"retry"`
	CircuitBreaker CircuitBreaker       `yaml:"circuitBreaker"`
	RateLimit      RateLimit            `yaml:"rateLimit"`
	Timeout        Timeout              `yaml:"timeout"`
	Pricing        map[string]ModelCost `yaml:"pricing" validate:"dive"`
	Limits         Limits               `yaml:"limits"`
	Crawler        Crawler              `yaml:"crawler"`
	Store          Store                `yaml:"store"`
}

// Models selects a model per operation.
type Models struct {
	Default    string `yaml:"default" validate:"required"`
	Fallback   string `yaml:"fallback"`
	Analysis   string `yaml:"analysis"`
	Generation string `yaml:"generation"`
}

// Parameters are the sampling parameters sent with every completion.
type Parameters struct {
	Temperature      float64 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens        int     `yaml:"maxTokens" validate:"gt=0"`
	TopP             float64 `yaml:"topP" validate:"gte=0,lte=1"`
	FrequencyPenalty float64 `yaml:"frequencyPenalty" validate:"gte=-2,lte=2"`
	PresencePenalty  float64 `yaml:"presencePenalty" validate:"gte=-2,lte=2"`
}

// Retry is the retry policy for remote model calls.
type Retry struct {
	MaxAttempts       int     `yaml:"maxAttempts" validate:"gte=1"`
	InitialDelayMs    int     `yaml:"initialDelayMs" validate:"gte=0"`
	MaxDelayMs        int     `yaml:"maxDelayMs" validate:"gtefield=InitialDelayMs"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier" validate:"gte=1"`
}

// CircuitBreaker configures the model client's breaker.
type CircuitBreaker struct {
	FailureThreshold    int `yaml:"failureThreshold" validate:"gte=1"`
	ResetTimeoutMs      int `yaml:"resetTimeoutMs" validate:"gt=0"`
	HalfOpenMaxAttempts int `yaml:"halfOpenMaxAttempts" validate:"gte=1"`
}

// RateLimit caps outbound model traffic. Zero disables a limit.
type RateLimit struct {
	RequestsPerMinute int `yaml:"requestsPerMinute" validate:"gte=0"`
	TokensPerMinute   int `yaml:"tokensPerMinute" validate:"gte=0"`
}

// Timeout bounds each remote call. Operation timeouts fall back to
// RequestTimeoutMs when zero.
type Timeout struct {
	RequestTimeoutMs    int `yaml:"requestTimeoutMs" validate:"gt=0"`
	AnalysisTimeoutMs   int `yaml:"analysisTimeoutMs" validate:"gte=0"`
	GenerationTimeoutMs int `yaml:"generationTimeoutMs" validate:"gte=0"`
}

// ModelCost is the price in dollars per 1K tokens.
type ModelCost struct {
	Prompt     float64 `yaml:"prompt" validate:"gte=0"`
	Completion float64 `yaml:"completion" validate:"gte=0"`
}

// Limits are daily usage caps.
type Limits struct {
	PerUser    Quota `yaml:"perUser"`
	PerProject Quota `yaml:"perProject"`
}

// Quota is a daily allowance. Zero means unlimited.
type Quota struct {
	Requests int     `yaml:"requests" validate:"gte=0"`
	Tokens   int     `yaml:"tokens" validate:"gte=0"`
	Cost     float64 `yaml:"cost" validate:"gte=0"`
}

// Crawler configures page analysis.
type Crawler struct {
	Width      int    `yaml:"width" validate:"gt=0"`
	Height     int    `yaml:"height" validate:"gt=0"`
	TimeoutMs  int    `yaml:"timeoutMs" validate:"gt=0"`
	ProfileDir string `yaml:"profileDir"`
}

// Store configures test case persistence.
type Store struct {
	Path string `yaml:"path" validate:"required"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Provider: ProviderOpenAI,
		Parameters: Parameters{
			Temperature: 0.7,
			MaxTokens:   4000,
			TopP:        1,
		},
		Retry: Retry{
			MaxAttempts:       3,
			InitialDelayMs:    1000,
			MaxDelayMs:        10000,
			BackoffMultiplier: 2,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold:    5,
			ResetTimeoutMs:      60000,
			HalfOpenMaxAttempts: 3,
		},
		RateLimit: RateLimit{
			RequestsPerMinute: 60,
			TokensPerMinute:   90000,
		},
		Timeout: Timeout{
			RequestTimeoutMs:    30000,
			AnalysisTimeoutMs:   45000,
			GenerationTimeoutMs: 60000,
		},
		Pricing: map[string]ModelCost{
			"gpt-4o":                   {Prompt: 0.0025, Completion: 0.01},
			"gpt-4o-mini":              {Prompt: 0.00015, Completion: 0.0006},
			"claude-sonnet-4-20250514": {Prompt: 0.003, Completion: 0.015},
			"claude-3-5-haiku-latest":  {Prompt: 0.0008, Completion: 0.004},
		},
		Limits: Limits{
			PerUser:    Quota{Requests: 100, Tokens: 500000, Cost: 10},
			PerProject: Quota{Requests: 1000, Tokens: 5000000, Cost: 100},
		},
		Crawler: Crawler{
			Width:     1280,
			Height:    720,
			TimeoutMs: 30000,
		},
		Store: Store{
			Path: ".uitestgen/testcases",
		},
	}
}

// defaultModels returns the provider's default and fallback models.
func defaultModels(provider string) (string, string) {
	if provider == ProviderClaude {
		return "claude-sonnet-4-20250514", "claude-3-5-haiku-latest"
	}
	return "gpt-4o", "gpt-4o-mini"
}

// Load reads the YAML file at path (optional), applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("UITESTGEN_PROVIDER"); v != "" {
		c.Provider = v
	}
	if v := os.Getenv("UITESTGEN_MODEL"); v != "" {
		c.Models.Default = v
	}
	if v := os.Getenv("UITESTGEN_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
}

func (c *Config) applyDefaults() {
	c.Provider = NormalizeProvider(c.Provider)
	def, fallback := defaultModels(c.Provider)
	if c.Models.Default == "" {
		c.Models.Default = def
	}
	if c.Models.Fallback == "" {
		c.Models.Fallback = fallback
	}
	if c.Models.Analysis == "" {
		c.Models.Analysis = c.Models.Default
	}
	if c.Models.Generation == "" {
		c.Models.Generation = c.Models.Default
	}
}

// NormalizeProvider maps provider aliases to their canonical name.
func NormalizeProvider(name string) string {
	switch strings.ToLower(name) {
	case "claude", "anthropic":
		return ProviderClaude
	case "openai", "gpt":
		return ProviderOpenAI
	default:
		return strings.ToLower(name)
	}
}

var validate = validator.New()

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			problems := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Millis converts a millisecond setting to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
