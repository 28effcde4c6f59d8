// Package config loads the gateway's runtime configuration from an optional
// JSON file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/concilium/concilium/internal/domain"
)

// RateLimits are the per-provider admission ceilings over one window.
type RateLimits struct {
	RequestsPerMinute int   `json:"requests_per_minute" env-default:"60"`
	TokensPerMinute   int64 `json:"tokens_per_minute" env-default:"120000"`
}

// Config holds the gateway's runtime configuration.
type Config struct {
	DBPath     string `json:"db_path" env:"CONCILIUM_DB" env-default:"concilium.db"`
	ListenAddr string `json:"listen_addr" env:"CONCILIUM_LISTEN" env-default:":9780"`

	AnthropicAPIKey  string `json:"anthropic_api_key" env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string `json:"anthropic_base_url" env:"ANTHROPIC_BASE_URL" env-default:"https://api.anthropic.com/v1"`
	ClaudeModel      string `json:"claude_model" env:"CONCILIUM_CLAUDE_MODEL" env-default:"claude-3-5-sonnet-latest"`

	OpenAIAPIKey  string `json:"openai_api_key" env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `json:"openai_base_url" env:"OPENAI_BASE_URL" env-default:"https://api.openai.com/v1"`
	OpenAIModel   string `json:"openai_model" env:"CONCILIUM_OPENAI_MODEL" env-default:"gpt-4o"`

	Claude RateLimits `json:"claude_limits"`
	OpenAI RateLimits `json:"openai_limits"`
	Mock   RateLimits `json:"mock_limits"`

	WindowSec        int     `json:"window_sec" env:"CONCILIUM_WINDOW_SEC" env-default:"60"`
	MaxAdmitAttempts int     `json:"max_admit_attempts" env:"CONCILIUM_MAX_ADMIT_ATTEMPTS" env-default:"5"`
	BudgetCapUSD     float64 `json:"budget_cap_usd" env:"CONCILIUM_BUDGET_CAP_USD" env-default:"0"`
}

// Load reads configuration from the JSON file at path when non-empty,
// otherwise from the environment alone. Defaults apply either way.
func Load(path string) (*Config, error) {
	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, domain.WrapCoreError(domain.ErrConfigInvalid.Code, "read config", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var problems []string

	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	if c.WindowSec <= 0 {
		problems = append(problems, "window_sec must be positive")
	}
	if c.MaxAdmitAttempts <= 0 {
		problems = append(problems, "max_admit_attempts must be positive")
	}

	if len(problems) > 0 {
		return domain.NewCoreError(domain.ErrConfigInvalid.Code,
			fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems))
	}
	return nil
}

// Discover looks for config.json next to the executable, then in the cwd.
// Returns "" when neither exists.
func Discover() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "config.json")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if _, err := os.Stat("config.json"); err == nil {
		return "config.json"
	}
	return ""
}
