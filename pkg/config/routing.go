package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zen-systems/switchboard/pkg/task"
	"gopkg.in/yaml.v3"
)

// RoutingConfig is the backend routing file.
type RoutingConfig struct {
	Backends []BackendConfig     `yaml:"backends"`
	Aliases  map[string]string   `yaml:"aliases,omitempty"`
	Triggers map[string][]string `yaml:"triggers,omitempty"`
	Pricing  PricingConfig       `yaml:"pricing,omitempty"`

	// MockFallback registers a mock backend when no configured backend
	// has credentials, so the service stays usable for demos.
	MockFallback *bool `yaml:"mock_fallback,omitempty"`
}

// BackendConfig describes one backend entry.
type BackendConfig struct {
	ID       string             `yaml:"id"`
	Provider string             `yaml:"provider"`
	Model    string             `yaml:"model,omitempty"`
	Affinity map[string]float64 `yaml:"affinity,omitempty"`
}

// PricingConfig maps backend id -> model -> pricing.
type PricingConfig map[string]map[string]ModelPricing

// ModelPricing defines per-1k token pricing.
type ModelPricing struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k,omitempty"`
	CompletionPer1K float64 `yaml:"completion_per_1k,omitempty"`
}

// Lookup finds pricing for a backend's model, falling back to the
// backend's "default" entry.
func (p PricingConfig) Lookup(backendID, model string) (ModelPricing, bool) {
	if p == nil {
		return ModelPricing{}, false
	}
	byModel, ok := p[backendID]
	if !ok {
		return ModelPricing{}, false
	}
	if entry, ok := byModel[model]; ok {
		return entry, true
	}
	entry, ok := byModel["default"]
	return entry, ok
}

// LoadRoutingConfig reads routing configuration from a YAML file.
func LoadRoutingConfig(path string) (*RoutingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRoutingConfig(data)
}

// ParseRoutingConfig decodes and validates routing YAML.
func ParseRoutingConfig(data []byte) (*RoutingConfig, error) {
	var cfg RoutingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyRoutingDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultRoutingConfig returns the built-in backend set.
func DefaultRoutingConfig() *RoutingConfig {
	cfg := &RoutingConfig{
		Backends: []BackendConfig{
			{
				ID:       "claude",
				Provider: "anthropic",
				Model:    "quality",
				Affinity: map[string]float64{
					"creative_ui": 0.95, "code_generation": 0.95, "architecture": 0.95,
					"debugging": 0.85, "fast_simple": 0.6, "3d_modeling": 0.9,
					"planning": 0.95, "refactoring": 0.95, "general": 0.9,
				},
			},
			{
				ID:       "gpt-4",
				Provider: "openai",
				Model:    "fast-code",
				Affinity: map[string]float64{
					"creative_ui": 0.85, "code_generation": 0.9, "architecture": 0.9,
					"debugging": 0.95, "multimodal": 0.8, "3d_modeling": 0.85,
					"planning": 0.9, "refactoring": 0.9, "general": 0.85,
				},
			},
			{
				ID:       "gemini",
				Provider: "google",
				Model:    "research",
				Affinity: map[string]float64{
					"creative_ui": 0.8, "code_generation": 0.8, "multimodal": 0.95,
					"general": 0.7,
				},
			},
			{
				ID:       "groq",
				Provider: "groq",
				Model:    "fast",
				Affinity: map[string]float64{
					"fast_simple": 0.95, "general": 0.5,
				},
			},
			{
				ID:       "deepseek",
				Provider: "deepseek",
				Model:    "cheap-code",
				Affinity: map[string]float64{
					"code_generation": 0.7, "refactoring": 0.7, "debugging": 0.6,
				},
			},
		},
		Aliases: map[string]string{
			"quality":    "claude-sonnet-4-20250514",
			"deep":       "claude-opus-4-20250514",
			"fast-code":  "gpt-5.2-codex",
			"research":   "gemini-2.0-pro",
			"fast":       "llama-3.3-70b-versatile",
			"cheap-code": "deepseek-coder",
		},
	}
	applyRoutingDefaults(cfg)
	return cfg
}

func applyRoutingDefaults(cfg *RoutingConfig) {
	if cfg == nil {
		return
	}
	if cfg.MockFallback == nil {
		enabled := true
		cfg.MockFallback = &enabled
	}
	for i := range cfg.Backends {
		cfg.Backends[i].Provider = strings.ToLower(strings.TrimSpace(cfg.Backends[i].Provider))
	}
}

// Validate checks ids, providers, task type names and affinity ranges.
func (c *RoutingConfig) Validate() error {
	if c == nil {
		return errors.New("routing config is nil")
	}
	var errs []error
	seen := make(map[string]bool)
	for i, b := range c.Backends {
		if b.ID == "" {
			errs = append(errs, fmt.Errorf("backend %d: id is required", i))
			continue
		}
		if seen[b.ID] {
			errs = append(errs, fmt.Errorf("backend %q: duplicate id", b.ID))
		}
		seen[b.ID] = true
		if !knownProvider(b.Provider) {
			errs = append(errs, fmt.Errorf("backend %q: unknown provider %q", b.ID, b.Provider))
		}
		for name, score := range b.Affinity {
			if !task.Type(name).Valid() {
				errs = append(errs, fmt.Errorf("backend %q: %w %q", b.ID, task.ErrUnknownType, name))
			}
			if score < 0 || score > 1 {
				errs = append(errs, fmt.Errorf("backend %q: affinity for %s must be within [0,1], got %v", b.ID, name, score))
			}
		}
	}
	for name := range c.Triggers {
		if !task.Type(name).Valid() {
			errs = append(errs, fmt.Errorf("triggers: %w %q", task.ErrUnknownType, name))
		}
	}
	return errors.Join(errs...)
}

// Providers lists the backend kinds a routing file may name.
var Providers = []string{"anthropic", "openai", "google", "deepseek", "groq", "mock"}

func knownProvider(p string) bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

// ResolveModel returns the canonical model name for an alias. Unknown
// names are returned unchanged.
func (c *RoutingConfig) ResolveModel(modelOrAlias string) string {
	if c == nil || c.Aliases == nil {
		return modelOrAlias
	}
	if canonical, ok := c.Aliases[modelOrAlias]; ok {
		return canonical
	}
	return modelOrAlias
}

// AffinityFor converts a backend's affinity table to task types.
func (b BackendConfig) AffinityFor() map[task.Type]float64 {
	out := make(map[task.Type]float64, len(b.Affinity))
	for name, score := range b.Affinity {
		out[task.Type(name)] = score
	}
	return out
}

// ExtraTriggers converts the trigger table to task types.
func (c *RoutingConfig) ExtraTriggers() map[task.Type][]string {
	if c == nil || len(c.Triggers) == 0 {
		return nil
	}
	out := make(map[task.Type][]string, len(c.Triggers))
	for name, terms := range c.Triggers {
		out[task.Type(name)] = terms
	}
	return out
}

// MockFallbackEnabled reports whether a mock backend should stand in when
// no real backend is usable.
func (c *RoutingConfig) MockFallbackEnabled() bool {
	return c != nil && c.MockFallback != nil && *c.MockFallback
}
