package coordinator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/zen-systems/switchboard/pkg/adapter"
	"github.com/zen-systems/switchboard/pkg/config"
	"github.com/zen-systems/switchboard/pkg/engine"
	"github.com/zen-systems/switchboard/pkg/evidence"
	"github.com/zen-systems/switchboard/pkg/quality"
	"github.com/zen-systems/switchboard/pkg/registry"
	"github.com/zen-systems/switchboard/pkg/router"
	"github.com/zen-systems/switchboard/pkg/task"
)

// MockBackendID names the stand-in backend registered when no configured
// backend has credentials.
const MockBackendID = "mock"

// mockAffinity is the stand-in's score for every task type.
const mockAffinity = 0.5

// BackendFactory builds one backend. adapter.New satisfies it.
type BackendFactory func(ctx context.Context, provider, name, apiKey, model string) (adapter.Backend, error)

// BuildOptions tune FromConfig.
type BuildOptions struct {
	Logger zerolog.Logger
	// Factory defaults to adapter.New.
	Factory BackendFactory
	// Extra options applied after the config-derived ones.
	Options []Option
}

// Backends creates a descriptor for every configured backend whose
// provider has credentials. When none qualify and the routing file allows
// it, a mock backend covering every task type is returned instead.
func Backends(ctx context.Context, cfg *config.Config, factory BackendFactory, logger zerolog.Logger) ([]registry.Descriptor, error) {
	if factory == nil {
		factory = adapter.New
	}
	rc := cfg.RoutingConfig

	var descs []registry.Descriptor
	for _, bc := range rc.Backends {
		if !cfg.HasProvider(bc.Provider) {
			logger.Debug().Str("backend", bc.ID).Str("provider", bc.Provider).Msg("skipping backend without API key")
			continue
		}
		b, err := factory(ctx, bc.Provider, bc.ID, cfg.APIKey(bc.Provider), rc.ResolveModel(bc.Model))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s backend %q: %w", bc.Provider, bc.ID, err)
		}
		descs = append(descs, registry.Descriptor{ID: bc.ID, Backend: b, Affinity: bc.AffinityFor()})
	}

	if len(descs) == 0 && rc.MockFallbackEnabled() {
		logger.Warn().Msg("no backend credentials configured, using mock backend")
		affinity := make(map[task.Type]float64)
		for _, info := range task.All() {
			affinity[info.Type] = mockAffinity
		}
		descs = append(descs, registry.Descriptor{
			ID:       MockBackendID,
			Backend:  adapter.NewMockBackend(MockBackendID),
			Affinity: affinity,
		})
	}
	return descs, nil
}

// FromConfig wires a coordinator from loaded configuration.
func FromConfig(ctx context.Context, cfg *config.Config, opts BuildOptions) (*Coordinator, error) {
	logger := opts.Logger

	descs, err := Backends(ctx, cfg, opts.Factory, logger)
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(registry.Config{
		FailureThreshold: cfg.FailureThreshold,
		BaseCooldown:     cfg.BaseCooldown,
		MaxCooldown:      cfg.MaxCooldown,
	}, descs, registry.WithLogger(logger.With().Str("component", "registry").Logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	classifier := task.NewClassifier(task.WithExtraTriggers(cfg.RoutingConfig.ExtraTriggers()))

	scorerOpts := []quality.Option{quality.WithRefusalPhrases(cfg.RefusalPhrases)}
	if cfg.MinLength > 0 {
		scorerOpts = append(scorerOpts, quality.WithMinLength(cfg.MinLength))
	}
	scorer := quality.NewScorer(scorerOpts...)

	policy := router.NewPolicy(reg,
		router.WithMaxAttempts(cfg.MaxAttempts),
		router.WithLogger(logger.With().Str("component", "router").Logger()),
	)

	eng := engine.New(reg, scorer,
		engine.WithThreshold(cfg.Threshold),
		engine.WithInvokeTimeout(cfg.InvokeTimeout),
		engine.WithPricing(cfg.RoutingConfig.Pricing),
		engine.WithLogger(logger.With().Str("component", "engine").Logger()),
	)

	coordOpts := []Option{WithLogger(logger)}
	if cfg.EvidenceDir != "" {
		journal, err := evidence.NewWriter(cfg.EvidenceDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create evidence writer: %w", err)
		}
		coordOpts = append(coordOpts, WithJournal(journal))
	}
	coordOpts = append(coordOpts, opts.Options...)

	return New(classifier, reg, policy, eng, coordOpts...), nil
}
