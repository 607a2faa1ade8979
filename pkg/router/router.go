// Package router builds per-request candidate chains from the registry.
package router

import (
	"github.com/rs/zerolog"
	"github.com/zen-systems/switchboard/pkg/registry"
	"github.com/zen-systems/switchboard/pkg/task"
)

// DefaultMaxAttempts caps chain length when none is configured.
const DefaultMaxAttempts = 3

// Source is the part of the registry the router reads.
type Source interface {
	CandidatesFor(taskType task.Type) []registry.Snapshot
	Rank(taskType task.Type) []registry.Snapshot
	ReleaseTrial(id string)
}

// Policy turns registry candidates into a capped chain.
type Policy struct {
	source      Source
	maxAttempts int
	logger      zerolog.Logger
}

// Option configures a Policy.
type Option func(*Policy)

// WithMaxAttempts caps the number of chain entries.
func WithMaxAttempts(n int) Option {
	return func(p *Policy) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithLogger sets the policy logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Policy) {
		p.logger = logger
	}
}

// NewPolicy creates a routing policy over a registry.
func NewPolicy(source Source, opts ...Option) *Policy {
	p := &Policy{
		source:      source,
		maxAttempts: DefaultMaxAttempts,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxAttempts returns the chain cap.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// BuildChain ranks candidates for taskType, moves an available preferred
// backend to the front, and caps the result. HalfOpen trials reserved for
// entries past the cap are released.
func (p *Policy) BuildChain(taskType task.Type, preferred string) Chain {
	candidates := p.source.CandidatesFor(taskType)
	chain := Chain{TaskType: taskType, Preferred: preferred}

	if preferred != "" {
		idx := -1
		for i, c := range candidates {
			if c.ID == preferred {
				idx = i
				break
			}
		}
		if idx < 0 {
			chain.Notes = append(chain.Notes, NotePreferredUnavailable)
			p.logger.Debug().
				Str("preferred", preferred).
				Str("task_type", string(taskType)).
				Msg("preferred backend unavailable")
		} else if idx > 0 {
			first := candidates[idx]
			copy(candidates[1:idx+1], candidates[:idx])
			candidates[0] = first
		}
	}

	if len(candidates) > p.maxAttempts {
		for _, dropped := range candidates[p.maxAttempts:] {
			if dropped.State == registry.HalfOpen {
				p.source.ReleaseTrial(dropped.ID)
			}
		}
		candidates = candidates[:p.maxAttempts]
		chain.Notes = append(chain.Notes, NoteTruncated)
	}

	chain.Entries = candidates
	return chain
}

// Routes reports the current ranking for every task type without touching
// breaker state.
func (p *Policy) Routes() []RouteInfo {
	types := task.All()
	routes := make([]RouteInfo, 0, len(types))
	for _, info := range types {
		ranked := p.source.Rank(info.Type)
		route := RouteInfo{TaskType: info.Type, Backends: make([]RankedInfo, 0, len(ranked))}
		for _, s := range ranked {
			route.Backends = append(route.Backends, RankedInfo{
				ID:       s.ID,
				Model:    s.Backend.Model(),
				Affinity: s.Affinity,
				State:    s.State,
			})
		}
		routes = append(routes, route)
	}
	return routes
}
