package provider

import "strings"

// Well-known provider names used by model resolution.
const (
	NameOpenAI     = "openai"
	NameAnthropic  = "anthropic"
	NameOpenRouter = "openrouter"
)

// ResolveProvider maps a model name to the provider expected to serve it.
// Models containing "gpt" or "openai" go to openai, "claude"/"anthropic" to
// anthropic, and vendor-prefixed names ("vendor/model") with no other match
// to openrouter. Everything else defaults to openai.
func ResolveProvider(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "gpt"), strings.Contains(m, "openai"):
		return NameOpenAI
	case strings.Contains(m, "claude"), strings.Contains(m, "anthropic"):
		return NameAnthropic
	case strings.Contains(m, "/"):
		return NameOpenRouter
	default:
		return NameOpenAI
	}
}
