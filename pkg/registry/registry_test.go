package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/switchboard/pkg/adapter"
	"github.com/zen-systems/switchboard/pkg/task"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func desc(id string, affinity map[task.Type]float64) Descriptor {
	return Descriptor{ID: id, Backend: adapter.NewMockBackend(id), Affinity: affinity}
}

func newTestRegistry(t *testing.T, clock *fakeClock) *Registry {
	t.Helper()
	r, err := New(DefaultConfig(), []Descriptor{
		desc("b1", map[task.Type]float64{task.CodeGeneration: 0.9}),
		desc("b2", map[task.Type]float64{task.CodeGeneration: 0.8}),
		desc("b3", map[task.Type]float64{task.CodeGeneration: 0.8, task.CreativeUI: 0.9}),
	}, WithClock(clock.Now))
	require.NoError(t, err)
	return r
}

func ids(snaps []Snapshot) []string {
	out := make([]string, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, s.ID)
	}
	return out
}

func TestCandidatesRankedByAffinityThenOrder(t *testing.T) {
	r := newTestRegistry(t, newFakeClock())

	assert.Equal(t, []string{"b1", "b2", "b3"}, ids(r.CandidatesFor(task.CodeGeneration)))
	assert.Equal(t, []string{"b3", "b1", "b2"}, ids(r.CandidatesFor(task.CreativeUI)))
	// No affinities at all: pure registration order.
	assert.Equal(t, []string{"b1", "b2", "b3"}, ids(r.CandidatesFor(task.General)))
}

func TestRegisterRejectsDuplicatesAndEmpty(t *testing.T) {
	r := newTestRegistry(t, newFakeClock())
	assert.Error(t, r.Register(desc("b1", nil)))
	assert.Error(t, r.Register(Descriptor{ID: ""}))
	assert.Error(t, r.Register(Descriptor{ID: "x"}))
	assert.Equal(t, 3, r.Len())
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock)

	r.RecordFailure("b1")
	r.RecordFailure("b1")
	st, _ := r.Lookup("b1")
	assert.Equal(t, Closed, st.State)
	assert.Equal(t, 2, st.Failures)

	r.RecordFailure("b1")
	st, _ = r.Lookup("b1")
	assert.Equal(t, Open, st.State)
	assert.True(t, st.CooldownUntil.After(clock.Now()))
	assert.Equal(t, clock.Now().Add(DefaultBaseCooldown), st.CooldownUntil)

	assert.NotContains(t, ids(r.CandidatesFor(task.CodeGeneration)), "b1")
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	r := newTestRegistry(t, newFakeClock())

	r.RecordFailure("b1")
	r.RecordFailure("b1")
	r.RecordSuccess("b1")
	r.RecordFailure("b1")
	r.RecordFailure("b1")

	st, _ := r.Lookup("b1")
	assert.Equal(t, Closed, st.State)
	assert.Equal(t, 2, st.Failures)
}

func tripN(r *Registry, id string, n int) {
	for i := 0; i < n; i++ {
		r.RecordFailure(id)
	}
}

func TestHalfOpenAfterCooldown(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	tripN(r, "b1", DefaultFailureThreshold)

	clock.Advance(DefaultBaseCooldown - time.Millisecond)
	assert.NotContains(t, ids(r.CandidatesFor(task.CodeGeneration)), "b1")

	clock.Advance(time.Millisecond)
	cands := r.CandidatesFor(task.CodeGeneration)
	require.Equal(t, "b1", cands[0].ID)
	assert.Equal(t, HalfOpen, cands[0].State)

	// Only one trial may be in flight.
	assert.NotContains(t, ids(r.CandidatesFor(task.CodeGeneration)), "b1")

	r.RecordSuccess("b1")
	st, _ := r.Lookup("b1")
	assert.Equal(t, Closed, st.State)
	assert.Equal(t, 0, st.Failures)
	assert.Equal(t, 0, st.Trips)
	assert.Contains(t, ids(r.CandidatesFor(task.CodeGeneration)), "b1")
}

func TestHalfOpenFailureDoublesCooldown(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	tripN(r, "b1", DefaultFailureThreshold)

	clock.Advance(DefaultBaseCooldown)
	require.Contains(t, ids(r.CandidatesFor(task.CodeGeneration)), "b1")

	r.RecordFailure("b1")
	st, _ := r.Lookup("b1")
	assert.Equal(t, Open, st.State)
	assert.Equal(t, 2, st.Trips)
	assert.Equal(t, clock.Now().Add(2*DefaultBaseCooldown), st.CooldownUntil)

	clock.Advance(2 * DefaultBaseCooldown)
	require.Contains(t, ids(r.CandidatesFor(task.CodeGeneration)), "b1")
	r.RecordFailure("b1")
	st, _ = r.Lookup("b1")
	assert.Equal(t, clock.Now().Add(4*DefaultBaseCooldown), st.CooldownUntil)
}

func TestCooldownCapped(t *testing.T) {
	clock := newFakeClock()
	r, err := New(Config{FailureThreshold: 1, BaseCooldown: time.Second, MaxCooldown: 3 * time.Second},
		[]Descriptor{desc("b1", nil)}, WithClock(clock.Now))
	require.NoError(t, err)

	var last time.Duration
	for i := 0; i < 5; i++ {
		r.RecordFailure("b1")
		st, _ := r.Lookup("b1")
		last = st.CooldownUntil.Sub(clock.Now())
		clock.Advance(last)
		require.Len(t, r.CandidatesFor(task.General), 1)
	}
	assert.Equal(t, 3*time.Second, last)
}

func TestReleaseTrial(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	tripN(r, "b2", DefaultFailureThreshold)
	clock.Advance(DefaultBaseCooldown)

	require.Contains(t, ids(r.CandidatesFor(task.CodeGeneration)), "b2")
	require.NotContains(t, ids(r.CandidatesFor(task.CodeGeneration)), "b2")

	r.ReleaseTrial("b2")
	assert.Contains(t, ids(r.CandidatesFor(task.CodeGeneration)), "b2")

	// Releasing a Closed backend changes nothing.
	r.ReleaseTrial("b1")
	st, _ := r.Lookup("b1")
	assert.Equal(t, Closed, st.State)
}

func TestUnknownIDsIgnored(t *testing.T) {
	r := newTestRegistry(t, newFakeClock())
	r.RecordFailure("nope")
	r.RecordSuccess("nope")
	r.ReleaseTrial("nope")
	assert.False(t, r.Has("nope"))
	_, ok := r.Lookup("nope")
	assert.False(t, ok)
}

func TestReloadPreservesState(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	tripN(r, "b1", DefaultFailureThreshold)

	err := r.Reload([]Descriptor{
		desc("b4", map[task.Type]float64{task.CodeGeneration: 1}),
		desc("b1", map[task.Type]float64{task.CodeGeneration: 1}),
	})
	require.NoError(t, err)

	assert.False(t, r.Has("b2"))
	assert.Equal(t, []string{"b4"}, ids(r.CandidatesFor(task.CodeGeneration)))
	st, _ := r.Lookup("b1")
	assert.Equal(t, Open, st.State)

	assert.Error(t, r.Reload([]Descriptor{desc("x", nil), desc("x", nil)}))
}

func TestConcurrentOutcomes(t *testing.T) {
	r, err := New(Config{FailureThreshold: 1000}, []Descriptor{desc("b1", nil), desc("b2", nil)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("b%d", i%2+1)
			r.CandidatesFor(task.General)
			r.RecordFailure(id)
		}(i)
	}
	wg.Wait()

	for _, st := range r.Status() {
		assert.Equal(t, 25, st.Failures, st.ID)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half_open", HalfOpen.String())
	text, err := Open.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "open", string(text))
}
