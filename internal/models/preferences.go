package models

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

const (
	MaxPriorityModels   = 20
	MaxPriorityModelLen = 120
)

// RoutingPreferences steer provider selection ahead of the quota comparator.
type RoutingPreferences struct {
	PreferredProvider string     `json:"preferred_provider" yaml:"preferred_provider"`
	FallbackProviders []Provider `json:"fallback_providers" yaml:"fallback_providers"`
	PriorityModels    []string   `json:"priority_models" yaml:"priority_models"`
}

// DefaultRoutingPreferences returns preferences with no provider bias.
func DefaultRoutingPreferences() RoutingPreferences {
	return RoutingPreferences{
		PreferredProvider: ProviderAuto,
		FallbackProviders: []Provider{},
		PriorityModels:    []string{ProviderAuto},
	}
}

// Preferred returns the preferred provider, or false when set to auto.
func (p RoutingPreferences) Preferred() (Provider, bool) {
	if p.PreferredProvider == "" || p.PreferredProvider == ProviderAuto {
		return "", false
	}
	return Provider(p.PreferredProvider), true
}

// NormalizePreferences validates input and returns the canonical form:
// providers parsed, fallbacks deduplicated without the preferred provider,
// priority models trimmed and capped.
func NormalizePreferences(in RoutingPreferences) (RoutingPreferences, error) {
	out := RoutingPreferences{PreferredProvider: ProviderAuto}

	preferred := strings.ToLower(strings.TrimSpace(in.PreferredProvider))
	if preferred != "" && preferred != ProviderAuto {
		p, err := ParseProvider(preferred)
		if err != nil {
			return RoutingPreferences{}, fmt.Errorf("preferred_provider: %w", err)
		}
		out.PreferredProvider = string(p)
	}

	fallbacks := make([]Provider, 0, len(in.FallbackProviders))
	for _, raw := range in.FallbackProviders {
		p, err := ParseProvider(string(raw))
		if err != nil {
			return RoutingPreferences{}, fmt.Errorf("fallback_providers: %w", err)
		}
		fallbacks = append(fallbacks, p)
	}
	out.FallbackProviders = lo.Filter(lo.Uniq(fallbacks), func(p Provider, _ int) bool {
		return string(p) != out.PreferredProvider
	})

	models := lo.FilterMap(in.PriorityModels, func(m string, _ int) (string, bool) {
		m = strings.TrimSpace(m)
		return m, m != ""
	})
	for _, m := range models {
		if len(m) > MaxPriorityModelLen {
			return RoutingPreferences{}, fmt.Errorf("priority_models: entry exceeds %d characters", MaxPriorityModelLen)
		}
	}
	models = lo.Uniq(models)
	if len(models) > MaxPriorityModels {
		models = models[:MaxPriorityModels]
	}
	if len(models) == 0 {
		models = []string{ProviderAuto}
	}
	out.PriorityModels = models

	return out, nil
}

// ProviderOrder derives the provider sequence implied by the priority models.
func (p RoutingPreferences) ProviderOrder() []Provider {
	order := lo.FilterMap(p.PriorityModels, func(m string, _ int) (Provider, bool) {
		return ProviderFromModel(m)
	})
	return lo.Uniq(order)
}

// Clone returns a deep copy.
func (p RoutingPreferences) Clone() RoutingPreferences {
	p.FallbackProviders = append([]Provider{}, p.FallbackProviders...)
	p.PriorityModels = append([]string{}, p.PriorityModels...)
	return p
}
