package models

import (
	"fmt"
	"strings"
)

// Provider identifies an upstream LLM provider. The set is closed.
type Provider string

const (
	ProviderCodex      Provider = "codex"
	ProviderGemini     Provider = "gemini"
	ProviderClaude     Provider = "claude"
	ProviderOpenRouter Provider = "openrouter"
)

// ProviderAuto is the routing preference value meaning "no preferred provider".
const ProviderAuto = "auto"

// Providers lists every supported provider in canonical order.
var Providers = []Provider{ProviderCodex, ProviderGemini, ProviderClaude, ProviderOpenRouter}

// providerAliases maps loose spellings found in model strings onto providers.
var providerAliases = map[string]Provider{
	"codex":      ProviderCodex,
	"openai":     ProviderCodex,
	"chatgpt":    ProviderCodex,
	"gemini":     ProviderGemini,
	"google":     ProviderGemini,
	"claude":     ProviderClaude,
	"anthropic":  ProviderClaude,
	"openrouter": ProviderOpenRouter,
}

// Valid reports whether p is one of the supported providers.
func (p Provider) Valid() bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

func (p Provider) String() string {
	return string(p)
}

// ParseProvider converts user input into a Provider.
func ParseProvider(value string) (Provider, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if p, ok := providerAliases[v]; ok {
		return p, nil
	}
	return "", fmt.Errorf("unknown provider %q", value)
}

// ProviderFromModel extracts a provider hint from a model string such as
// "claude/claude-sonnet-4" or "codex:gpt-5". Bare provider names also match.
func ProviderFromModel(model string) (Provider, bool) {
	v := strings.ToLower(strings.TrimSpace(model))
	if v == "" || v == ProviderAuto {
		return "", false
	}
	head := v
	if i := strings.IndexAny(v, "/:"); i >= 0 {
		head = v[:i]
	}
	p, ok := providerAliases[head]
	return p, ok
}

// AuthMethod describes how an account authenticates upstream.
type AuthMethod string

const (
	AuthOAuth AuthMethod = "oauth"
	AuthAPI   AuthMethod = "api"
)
