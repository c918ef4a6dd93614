package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sofatutor/llm-gateway/internal/provider"
)

// rawProvider is the YAML shape of one provider definition. Durations are
// strings ("60s", "1m") parsed with time.ParseDuration.
type rawProvider struct {
	Name         string   `yaml:"name"`
	BaseURL      string   `yaml:"base_url"`
	Timeout      string   `yaml:"timeout"`
	MaxRetries   int      `yaml:"max_retries"`
	DefaultModel string   `yaml:"default_model"`
	Models       []string `yaml:"models"`
	RateLimits   struct {
		Window      string `yaml:"window"`
		MaxRequests int    `yaml:"max_requests"`
		MaxTokens   int    `yaml:"max_tokens"`
	} `yaml:"rate_limits"`
}

type providerFile struct {
	Providers []rawProvider `yaml:"providers"`
}

// LoadProviders reads provider definitions from a YAML file.
func LoadProviders(path string) ([]provider.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading provider config: %w", err)
	}

	var file providerFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing provider config: %w", err)
	}

	configs := make([]provider.Config, 0, len(file.Providers))
	for i, raw := range file.Providers {
		if raw.Name == "" {
			return nil, fmt.Errorf("provider config %d: name is required", i)
		}
		timeout, err := parseDuration(raw.Timeout)
		if err != nil {
			return nil, fmt.Errorf("provider %s: invalid timeout: %w", raw.Name, err)
		}
		window, err := parseDuration(raw.RateLimits.Window)
		if err != nil {
			return nil, fmt.Errorf("provider %s: invalid rate limit window: %w", raw.Name, err)
		}
		configs = append(configs, provider.Config{
			Name:         raw.Name,
			BaseURL:      raw.BaseURL,
			Timeout:      timeout,
			MaxRetries:   raw.MaxRetries,
			DefaultModel: raw.DefaultModel,
			Models:       raw.Models,
			RateLimits: provider.RateLimits{
				Window:      window,
				MaxRequests: raw.RateLimits.MaxRequests,
				MaxTokens:   raw.RateLimits.MaxTokens,
			},
		})
	}
	return configs, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// DefaultProviders returns the built-in provider set used when no YAML
// file is configured.
func DefaultProviders() []provider.Config {
	return []provider.Config{
		{
			Name:         provider.NameOpenAI,
			BaseURL:      "https://api.openai.com",
			Timeout:      60 * time.Second,
			MaxRetries:   2,
			DefaultModel: "gpt-4o-mini",
			Models:       []string{"gpt-4o", "gpt-4o-mini", "gpt-3.5-turbo"},
			RateLimits: provider.RateLimits{
				Window:      time.Minute,
				MaxRequests: 60,
				MaxTokens:   100000,
			},
		},
		{
			Name:         provider.NameAnthropic,
			BaseURL:      "https://api.anthropic.com",
			Timeout:      60 * time.Second,
			MaxRetries:   2,
			DefaultModel: "claude-3-5-sonnet",
			Models:       []string{"claude-3-5-sonnet", "claude-3-haiku"},
			RateLimits: provider.RateLimits{
				Window:      time.Minute,
				MaxRequests: 60,
				MaxTokens:   100000,
			},
		},
		{
			Name:         provider.NameOpenRouter,
			BaseURL:      "https://openrouter.ai/api",
			Timeout:      90 * time.Second,
			MaxRetries:   1,
			DefaultModel: "meta-llama/llama-3-70b-instruct",
			Models:       []string{"meta-llama/llama-3-70b-instruct", "mistralai/mixtral-8x7b"},
			RateLimits: provider.RateLimits{
				Window:      time.Minute,
				MaxRequests: 30,
				MaxTokens:   50000,
			},
		},
	}
}
