package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sofatutor/llm-gateway/internal/provider"
)

func TestLoadProviders(t *testing.T) {
	doc := `
providers:
  - name: openai
    base_url: https://api.openai.com
    timeout: 60s
    default_model: gpt-4o-mini
    models:
      - gpt-4o
      - gpt-4o-mini
    rate_limits:
      window: 1m
      max_requests: 60
      max_tokens: 100000
  - name: anthropic
    default_model: claude-3-5-sonnet
`
	path := filepath.Join(t.TempDir(), "providers.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	providers, err := LoadProviders(path)
	if err != nil {
		t.Fatalf("load providers: %v", err)
	}
	if len(providers) != 2 {
		t.Fatalf("loaded %d providers, want 2", len(providers))
	}

	openai := providers[0]
	if openai.Name != "openai" || openai.DefaultModel != "gpt-4o-mini" {
		t.Errorf("openai config = %+v", openai)
	}
	if openai.Timeout != 60*time.Second {
		t.Errorf("timeout = %s, want 60s", openai.Timeout)
	}
	if !openai.RateLimits.Configured() || openai.RateLimits.MaxRequests != 60 {
		t.Errorf("rate limits = %+v", openai.RateLimits)
	}
	if providers[1].RateLimits.Configured() {
		t.Error("anthropic has no limits configured in the fixture")
	}
}

func TestLoadProvidersRequiresName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	if err := os.WriteFile(path, []byte("providers:\n  - default_model: x\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := LoadProviders(path); err == nil {
		t.Fatal("expected an error for a provider without a name")
	}
}

func TestLoadProvidersMissingFile(t *testing.T) {
	if _, err := LoadProviders(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestDefaultProviders(t *testing.T) {
	providers := DefaultProviders()
	if len(providers) != 3 {
		t.Fatalf("default set = %d providers, want 3", len(providers))
	}

	names := map[string]bool{}
	for _, p := range providers {
		names[p.Name] = true
		if p.DefaultModel == "" {
			t.Errorf("provider %s has no default model", p.Name)
		}
		if !p.RateLimits.Configured() {
			t.Errorf("provider %s has no rate limits", p.Name)
		}
	}
	for _, want := range []string{provider.NameOpenAI, provider.NameAnthropic, provider.NameOpenRouter} {
		if !names[want] {
			t.Errorf("default set missing %s", want)
		}
	}
}
