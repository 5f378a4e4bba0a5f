package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level agentstep configuration file shape: one
// provider block per supported LLM backend, the default template set, and
// the governor knobs (credits, step budget, context window) that size the
// Agent Step Loop. Grounded in the teacher's internal/config/config_llm.go
// provider-block shape, trimmed to the single-process engine this module
// runs instead of a multi-channel gateway.
type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	LLM       LLMConfig       `yaml:"llm"`
	Governor  GovernorConfig  `yaml:"governor"`
	Templates []TemplateFile  `yaml:"templates"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Tape      TapeConfig      `yaml:"tape"`
}

// TapeConfig points "run" at a recording or replay tape. At most one of
// RecordPath/ReplayPath should be set; ReplayPath takes precedence if both
// are (it swaps the LLM provider out entirely for a tape.Replayer, so
// RecordPath would have nothing live to capture).
type TapeConfig struct {
	// RecordPath, when set, wraps the LLM provider in a tape.Recorder and
	// writes the captured conversation to this path on exit.
	RecordPath string `yaml:"record_path"`
	// ReplayPath, when set, replaces the LLM provider with a tape.Replayer
	// loaded from this path, so "run" drives the Agent Step Loop against
	// a recorded conversation instead of a live model.
	ReplayPath string `yaml:"replay_path"`
}

// JobsConfig selects the subagent job ledger backend. An empty DSN keeps
// the in-memory store, which is lost on process exit; setting DSN points
// subagent_status/subagent_cancel at a durable CockroachDB-compatible
// Postgres instance instead.
type JobsConfig struct {
	DSN string `yaml:"dsn"`
}

// WorkspaceConfig scopes the file tools' confinement root.
type WorkspaceConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig selects the active provider and, optionally, a fallback chain
// wrapped in a FailoverOrchestrator.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
	// FallbackProviders lists additional provider names, tried in order
	// through a FailoverOrchestrator when DefaultProvider errors with a
	// retriable or provider-level failure (rate limit, billing, outage).
	// Ignored when Strategy is "router".
	FallbackProviders []string `yaml:"fallback_providers"`
	// Strategy selects how multiple providers are combined: "" or
	// "failover" wraps DefaultProvider+FallbackProviders in a
	// FailoverOrchestrator; "router" builds a content-classifying Router
	// over every entry in Providers instead.
	Strategy string `yaml:"strategy"`
	// RouteRules configures the Router's tag-based provider selection.
	// Only used when Strategy is "router".
	RouteRules []RouteRuleConfig `yaml:"route_rules"`
}

// RouteRuleConfig names one routing.Rule: route requests tagged with any of
// Tags (as classified by routing.HeuristicClassifier) to Provider/Model.
type RouteRuleConfig struct {
	Name     string   `yaml:"name"`
	Tags     []string `yaml:"tags"`
	Provider string   `yaml:"provider"`
	Model    string   `yaml:"model"`
}

// LLMProviderConfig mirrors the teacher's per-provider block: credentials
// plus the default model, with profile overrides dropped since this
// module has no multi-tenant profile switch.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
	// Region selects the AWS region for the "bedrock" provider; unused by
	// every other provider, which take their endpoint from BaseURL.
	Region string `yaml:"region"`
}

// GovernorConfig sizes the Context-Pruning Governor: the credit ledger,
// the per-instance step budget, and the context window the pruner guards.
type GovernorConfig struct {
	Credits          int64         `yaml:"credits"`
	MaxAgentSteps    int           `yaml:"max_agent_steps"`
	MaxContextTokens int           `yaml:"max_context_tokens"`
	MaxMessageTokens int           `yaml:"max_message_tokens"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	// TracePath, when set, records every run/iteration/model/tool event to
	// this JSONL file for offline replay.
	TracePath string `yaml:"trace_path"`
	// ResultGuard redacts and truncates tool output before it enters an
	// instance's message history.
	ResultGuard ResultGuardConfig `yaml:"result_guard"`
}

// ResultGuardConfig is the YAML shape of agent.ToolResultGuard.
type ResultGuardConfig struct {
	Enabled         bool     `yaml:"enabled"`
	MaxChars        int      `yaml:"max_chars"`
	Denylist        []string `yaml:"denylist"`
	RedactPatterns  []string `yaml:"redact_patterns"`
	SanitizeSecrets bool     `yaml:"sanitize_secrets"`
}

// TemplateFile points at an on-disk agent template definition (spec §4.4's
// TemplateResolver source).
type TemplateFile struct {
	ID   string `yaml:"id"`
	Path string `yaml:"path"`
}

func defaultConfig() *Config {
	return &Config{
		Workspace: WorkspaceConfig{Path: "."},
		LLM: LLMConfig{
			DefaultProvider: "anthropic",
			Providers: map[string]LLMProviderConfig{
				"anthropic": {DefaultModel: "claude-sonnet-4-20250514"},
			},
		},
		Governor: GovernorConfig{
			Credits:          1000,
			MaxAgentSteps:    20,
			MaxContextTokens: 180000,
			MaxMessageTokens: 8000,
			ToolTimeout:      30 * time.Second,
			ResultGuard:      ResultGuardConfig{Enabled: true, MaxChars: 64000, SanitizeSecrets: true},
		},
	}
}

// loadConfig reads path, expanding environment variables the same way the
// teacher's config.Load does, and applying default* on top of a zero
// value for every unset field. A missing file is not an error: the
// process runs on defaults plus whatever *_API_KEY environment variables
// are set.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if strings.TrimSpace(path) == "" {
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	if err := decoder.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides fills provider API keys from the environment when the
// config file left them blank, mirroring the teacher's layered
// env-over-file precedence for secrets.
func applyEnvOverrides(cfg *Config) {
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}
	for name, key := range map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"google":    "GOOGLE_API_KEY",
	} {
		if os.Getenv(key) == "" {
			continue
		}
		provider := cfg.LLM.Providers[name]
		if provider.APIKey == "" {
			provider.APIKey = os.Getenv(key)
		}
		cfg.LLM.Providers[name] = provider
	}
}
