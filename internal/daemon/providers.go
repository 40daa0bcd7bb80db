package daemon

import (
	"context"
	"fmt"

	"github.com/blufio/blufio/internal/agent"
	"github.com/blufio/blufio/internal/agent/providers"
	"github.com/blufio/blufio/internal/agent/routing"
	"github.com/blufio/blufio/internal/config"
	"github.com/blufio/blufio/internal/vault"
)

// buildProviders constructs one Anthropic-compatible provider per entry in
// llm.providers, each with its own base URL and API key so a deployment can
// point at, say, a primary endpoint and a regional fallback under separate
// names.
func buildProviders(ctx context.Context, v *vault.Vault, cfg config.LLMConfig) (map[string]agent.LLMProvider, error) {
	out := make(map[string]agent.LLMProvider, len(cfg.Providers))
	for name, entry := range cfg.Providers {
		apiKey, err := resolveSecret(ctx, v, name+"_api_key", fmt.Sprintf("llm.providers.%s.api_key_env", name), entry.APIKeyEnv)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       apiKey,
			BaseURL:      entry.BaseURL,
			DefaultModel: entry.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		out[name] = p
	}
	return out, nil
}

// buildProviderRouter wraps every configured provider behind the
// rule-based failover router. With routing disabled, or exactly one
// provider configured, requests still flow through the router so the rest
// of the runtime never needs to special-case a single-provider deployment.
func buildProviderRouter(cfg config.LLMConfig, providers map[string]agent.LLMProvider) (agent.LLMProvider, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("no llm providers configured")
	}

	rules := make([]routing.Rule, 0, len(cfg.Routing.Rules))
	for _, r := range cfg.Routing.Rules {
		rules = append(rules, routing.Rule{
			Name:   r.Name,
			Match:  routing.Match{Tags: r.Tags},
			Target: routing.Target{Provider: r.Provider, Model: r.Model},
		})
	}

	fallback := routing.Target{Provider: cfg.DefaultProvider}
	if entry, ok := cfg.Providers[cfg.DefaultProvider]; ok {
		fallback.Model = entry.DefaultModel
	}

	return routing.NewRouter(routing.Config{
		DefaultProvider: cfg.DefaultProvider,
		PreferLocal:     cfg.Routing.PreferLocal,
		LocalProviders:  cfg.Routing.LocalProviders,
		Rules:           rules,
		Fallback:        fallback,
		FailureCooldown: cfg.Routing.UnhealthyCooldown,
	}, providers), nil
}
