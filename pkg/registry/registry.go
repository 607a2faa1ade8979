// Package registry tracks configured backends and gates them with a
// per-backend circuit breaker.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/zen-systems/switchboard/pkg/adapter"
	"github.com/zen-systems/switchboard/pkg/task"
)

const (
	DefaultFailureThreshold = 3
	DefaultBaseCooldown     = 5 * time.Second
	DefaultMaxCooldown      = 5 * time.Minute
)

// State is a backend's breaker state.
type State int

const (
	// Closed backends are offered normally.
	Closed State = iota
	// Open backends are excluded until their cool-down elapses.
	Open
	// HalfOpen backends are offered for a single trial invocation.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Descriptor describes one configured backend.
type Descriptor struct {
	ID       string
	Backend  adapter.Backend
	Affinity map[task.Type]float64
}

// Snapshot is a point-in-time view of a candidate backend.
type Snapshot struct {
	ID       string
	Backend  adapter.Backend
	Affinity float64
	State    State
	Order    int
}

// Status is a diagnostic view of one backend's breaker.
type Status struct {
	ID            string    `json:"id"`
	Model         string    `json:"model"`
	State         State     `json:"state"`
	Failures      int       `json:"consecutive_failures"`
	Trips         int       `json:"trips"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	Available     bool      `json:"available"`
}

// Config holds breaker tuning.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens a breaker.
	FailureThreshold int
	// BaseCooldown is the first cool-down; each consecutive trip doubles it.
	BaseCooldown time.Duration
	// MaxCooldown caps the cool-down.
	MaxCooldown time.Duration
}

// DefaultConfig returns the default breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		BaseCooldown:     DefaultBaseCooldown,
		MaxCooldown:      DefaultMaxCooldown,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = DefaultBaseCooldown
	}
	if c.MaxCooldown < c.BaseCooldown {
		c.MaxCooldown = c.BaseCooldown
	}
	return c
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger used for breaker transitions.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// Registry is the process-wide set of backends and their breaker state.
// The entry list is guarded by mu; each entry's breaker by its own mutex.
type Registry struct {
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.RWMutex
	entries []*entry
	byID    map[string]*entry
}

type entry struct {
	desc  Descriptor
	order int

	mu            sync.Mutex
	state         State
	failures      int
	trips         int
	cooldownUntil time.Time
	trialInFlight bool
	schedule      *backoff.ExponentialBackOff
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// New builds a registry from descriptors in registration order.
func New(cfg Config, descs []Descriptor, opts ...Option) (*Registry, error) {
	r := &Registry{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: zerolog.Nop(),
		byID:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends a backend after those already registered.
func (r *Registry) Register(d Descriptor) error {
	if d.ID == "" {
		return fmt.Errorf("backend id is required")
	}
	if d.Backend == nil {
		return fmt.Errorf("backend %q has no implementation", d.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[d.ID]; exists {
		return fmt.Errorf("duplicate backend id %q", d.ID)
	}
	e := r.newEntry(d, len(r.entries))
	r.entries = append(r.entries, e)
	r.byID[d.ID] = e
	return nil
}

func (r *Registry) newEntry(d Descriptor, order int) *entry {
	return &entry{
		desc:     d,
		order:    order,
		state:    Closed,
		schedule: r.newSchedule(),
	}
}

func (r *Registry) newSchedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BaseCooldown
	b.MaxInterval = r.cfg.MaxCooldown
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Clock = clockFunc(r.now)
	b.Reset()
	return b
}

// Reload replaces the descriptor set. Backends whose id survives keep their
// breaker state; new ones start Closed.
func (r *Registry) Reload(descs []Descriptor) error {
	seen := make(map[string]bool, len(descs))
	for _, d := range descs {
		if d.ID == "" || d.Backend == nil {
			return fmt.Errorf("invalid backend descriptor %q", d.ID)
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate backend id %q", d.ID)
		}
		seen[d.ID] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]*entry, 0, len(descs))
	byID := make(map[string]*entry, len(descs))
	for i, d := range descs {
		e, ok := r.byID[d.ID]
		if ok {
			e.mu.Lock()
			e.desc = d
			e.order = i
			e.mu.Unlock()
		} else {
			e = r.newEntry(d, i)
		}
		entries = append(entries, e)
		byID[d.ID] = e
	}
	r.entries = entries
	r.byID = byID
	r.logger.Info().Int("backends", len(entries)).Msg("registry reloaded")
	return nil
}

func (r *Registry) snapshotEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Has reports whether a backend id is registered, regardless of state.
func (r *Registry) Has(id string) bool {
	return r.lookup(id) != nil
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CandidatesFor returns every Closed or HalfOpen backend ranked by affinity
// for taskType, ties broken by registration order. An Open backend whose
// cool-down has elapsed moves to HalfOpen here and is offered as a trial;
// the caller owns that trial until it reports an outcome or releases it.
func (r *Registry) CandidatesFor(taskType task.Type) []Snapshot {
	now := r.now()
	var out []Snapshot
	for _, e := range r.snapshotEntries() {
		snap, ok := r.offer(e, taskType, now)
		if ok {
			out = append(out, snap)
		}
	}
	sortSnapshots(out)
	return out
}

func (r *Registry) offer(e *entry, taskType task.Type, now time.Time) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Open:
		if now.Before(e.cooldownUntil) {
			return Snapshot{}, false
		}
		r.transition(e, HalfOpen)
		e.trialInFlight = true
	case HalfOpen:
		if e.trialInFlight {
			return Snapshot{}, false
		}
		e.trialInFlight = true
	}

	return Snapshot{
		ID:       e.desc.ID,
		Backend:  e.desc.Backend,
		Affinity: e.desc.Affinity[taskType],
		State:    e.state,
		Order:    e.order,
	}, true
}

// RecordSuccess reports a working invocation. A HalfOpen backend closes and
// its backoff tier resets; a Closed backend's failure counter resets.
func (r *Registry) RecordSuccess(id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures = 0
	switch e.state {
	case HalfOpen:
		e.trialInFlight = false
		e.trips = 0
		e.cooldownUntil = time.Time{}
		e.schedule.Reset()
		r.transition(e, Closed)
	}
}

// RecordFailure reports a failed invocation. A Closed backend opens once its
// consecutive failures reach the threshold; a HalfOpen backend reopens with
// the next cool-down tier. Late failures for an Open backend only count.
func (r *Registry) RecordFailure(id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures++
	switch e.state {
	case Closed:
		if e.failures >= r.cfg.FailureThreshold {
			r.trip(e)
		}
	case HalfOpen:
		e.trialInFlight = false
		r.trip(e)
	}
}

// ReleaseTrial returns an unused HalfOpen reservation so a later chain can
// try the backend. It is a no-op for backends not holding a trial.
func (r *Registry) ReleaseTrial(id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == HalfOpen {
		e.trialInFlight = false
	}
}

// trip opens the breaker. Caller holds e.mu.
func (r *Registry) trip(e *entry) {
	cooldown := e.schedule.NextBackOff()
	e.trips++
	e.cooldownUntil = r.now().Add(cooldown)
	r.transition(e, Open)
	r.logger.Warn().
		Str("backend", e.desc.ID).
		Int("failures", e.failures).
		Int("trips", e.trips).
		Dur("cooldown", cooldown).
		Msg("breaker opened")
}

// transition changes state. Caller holds e.mu.
func (r *Registry) transition(e *entry, to State) {
	if e.state == to {
		return
	}
	from := e.state
	e.state = to
	r.logger.Debug().
		Str("backend", e.desc.ID).
		Stringer("from", from).
		Stringer("to", to).
		Msg("breaker transition")
}

// Rank orders every backend for taskType the way CandidatesFor would,
// including Open ones, without reserving trials or changing state.
func (r *Registry) Rank(taskType task.Type) []Snapshot {
	entries := r.snapshotEntries()
	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, Snapshot{
			ID:       e.desc.ID,
			Backend:  e.desc.Backend,
			Affinity: e.desc.Affinity[taskType],
			State:    e.state,
			Order:    e.order,
		})
		e.mu.Unlock()
	}
	sortSnapshots(out)
	return out
}

func sortSnapshots(out []Snapshot) {
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Affinity != out[j].Affinity {
			return out[i].Affinity > out[j].Affinity
		}
		return out[i].Order < out[j].Order
	})
}

// Status lists every backend in registration order. It does not advance
// Open backends to HalfOpen.
func (r *Registry) Status() []Status {
	now := r.now()
	entries := r.snapshotEntries()
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		st := Status{
			ID:            e.desc.ID,
			Model:         e.desc.Backend.Model(),
			State:         e.state,
			Failures:      e.failures,
			Trips:         e.trips,
			CooldownUntil: e.cooldownUntil,
		}
		switch e.state {
		case Closed:
			st.Available = true
		case Open:
			st.Available = !now.Before(e.cooldownUntil)
		case HalfOpen:
			st.Available = !e.trialInFlight
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Lookup returns the status of one backend.
func (r *Registry) Lookup(id string) (Status, bool) {
	for _, st := range r.Status() {
		if st.ID == id {
			return st, true
		}
	}
	return Status{}, false
}
