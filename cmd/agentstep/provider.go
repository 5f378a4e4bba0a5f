package main

import (
	"fmt"

	"github.com/fenwick-arc/agentstep/internal/agent"
	"github.com/fenwick-arc/agentstep/internal/agent/providers"
	"github.com/fenwick-arc/agentstep/internal/agent/routing"
)

// buildProvider selects and constructs the LLMProvider named by
// cfg.LLM.DefaultProvider. Adding a provider here is the only wiring step
// needed for internal/agent/providers/*.go to light up: the step loop
// talks to agent.LLMProvider, not to any one vendor's client directly.
//
// cfg.LLM.Strategy picks how multiple providers combine:
//   - "" / "failover": DefaultProvider plus every FallbackProviders entry,
//     wrapped in a agent.FailoverOrchestrator that retries and fails over
//     on rate-limit/billing/outage errors.
//   - "router": every entry in Providers, wrapped in a routing.Router that
//     classifies each request's content (code, reasoning, quick lookup)
//     and sends it to the RouteRules target that matches, falling back to
//     DefaultProvider.
func buildProvider(cfg *Config) (agent.LLMProvider, error) {
	if cfg.LLM.Strategy == "router" {
		return buildRouterProvider(cfg)
	}

	primary, err := buildNamedProvider(cfg, cfg.LLM.DefaultProvider)
	if err != nil {
		return nil, err
	}
	if len(cfg.LLM.FallbackProviders) == 0 {
		return primary, nil
	}

	orchestrator := agent.NewFailoverOrchestrator(primary, agent.DefaultFailoverConfig())
	for _, name := range cfg.LLM.FallbackProviders {
		fallback, err := buildNamedProvider(cfg, name)
		if err != nil {
			return nil, fmt.Errorf("build fallback provider %q: %w", name, err)
		}
		orchestrator.AddProvider(fallback)
	}
	return orchestrator, nil
}

func buildRouterProvider(cfg *Config) (agent.LLMProvider, error) {
	built := make(map[string]agent.LLMProvider, len(cfg.LLM.Providers))
	for name := range cfg.LLM.Providers {
		provider, err := buildNamedProvider(cfg, name)
		if err != nil {
			return nil, fmt.Errorf("build provider %q: %w", name, err)
		}
		built[name] = provider
	}

	var rules []routing.Rule
	for _, rr := range cfg.LLM.RouteRules {
		rules = append(rules, routing.Rule{
			Name:   rr.Name,
			Match:  routing.Match{Tags: rr.Tags},
			Target: routing.Target{Provider: rr.Provider, Model: rr.Model},
		})
	}

	return routing.NewRouter(routing.Config{
		DefaultProvider: cfg.LLM.DefaultProvider,
		Rules:           rules,
		Fallback:        routing.Target{Provider: cfg.LLM.DefaultProvider},
	}, built), nil
}

func buildNamedProvider(cfg *Config, name string) (agent.LLMProvider, error) {
	provCfg := cfg.LLM.Providers[name]

	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       provCfg.APIKey,
			BaseURL:      provCfg.BaseURL,
			DefaultModel: provCfg.DefaultModel,
		})
	case "openai":
		return providers.NewOpenAIProvider(provCfg.APIKey), nil
	case "google":
		return providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey:       provCfg.APIKey,
			DefaultModel: provCfg.DefaultModel,
		})
	case "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      provCfg.BaseURL,
			DefaultModel: provCfg.DefaultModel,
		}), nil
	case "azure":
		return providers.NewAzureOpenAIProvider(providers.AzureOpenAIConfig{
			Endpoint:     provCfg.BaseURL,
			APIKey:       provCfg.APIKey,
			DefaultModel: provCfg.DefaultModel,
		})
	case "openrouter":
		return providers.NewOpenRouterProvider(providers.OpenRouterConfig{
			APIKey:       provCfg.APIKey,
			DefaultModel: provCfg.DefaultModel,
		})
	case "copilot":
		return providers.NewCopilotProxyProvider(providers.CopilotProxyConfig{
			BaseURL: provCfg.BaseURL,
		})
	case "bedrock":
		return providers.NewBedrockProvider(providers.BedrockConfig{
			Region:       provCfg.Region,
			DefaultModel: provCfg.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", name)
	}
}
