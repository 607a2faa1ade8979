package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/switchboard/pkg/adapter"
	"github.com/zen-systems/switchboard/pkg/config"
	"github.com/zen-systems/switchboard/pkg/progress"
	"github.com/zen-systems/switchboard/pkg/quality"
	"github.com/zen-systems/switchboard/pkg/registry"
	"github.com/zen-systems/switchboard/pkg/router"
	"github.com/zen-systems/switchboard/pkg/task"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const reactPrompt = "Create a modern React component for a todo list with TypeScript"

const validCode = "```tsx\nexport function TodoList({ items }: { items: string[] }) {\n  return <ul>{items.map((i) => <li key={i}>{i}</li>)}</ul>;\n}\n```"

type backendFn func(ctx context.Context, prompt string, taskType task.Type) (string, error)

type harness struct {
	reg    *registry.Registry
	policy *router.Policy
	calls  map[string]int
	mu     sync.Mutex
}

func newHarness(t *testing.T, fns map[string]backendFn) *harness {
	t.Helper()
	h := &harness{calls: make(map[string]int)}
	var descs []registry.Descriptor
	for i, id := range []string{"b1", "b2", "b3"} {
		fn, ok := fns[id]
		if !ok {
			continue
		}
		id := id
		descs = append(descs, registry.Descriptor{
			ID: id,
			Backend: &adapter.FuncBackend{ID: id, Fn: func(ctx context.Context, prompt string, tt task.Type) (string, error) {
				h.mu.Lock()
				h.calls[id]++
				h.mu.Unlock()
				return fn(ctx, prompt, tt)
			}},
			Affinity: map[task.Type]float64{task.CodeGeneration: 0.9 - float64(i)*0.1},
		})
	}
	reg, err := registry.New(registry.DefaultConfig(), descs)
	require.NoError(t, err)
	h.reg = reg
	h.policy = router.NewPolicy(reg)
	return h
}

func (h *harness) callCount(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[id]
}

func (h *harness) failures(t *testing.T, id string) int {
	t.Helper()
	st, ok := h.reg.Lookup(id)
	require.True(t, ok)
	return st.Failures
}

func reply(content string) backendFn {
	return func(context.Context, string, task.Type) (string, error) { return content, nil }
}

func fail(err error) backendFn {
	return func(context.Context, string, task.Type) (string, error) { return "", err }
}

func hang(ctx context.Context, _ string, _ task.Type) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// scriptedScorer returns fixed scores per content.
type scriptedScorer map[string]float64

func (s scriptedScorer) Score(content string, _ task.Type) quality.Report {
	return quality.Report{Score: s[content], Rationale: []string{"scripted"}}
}

func TestScenarioAcceptedFirstBackend(t *testing.T) {
	h := newHarness(t, map[string]backendFn{"b1": reply(validCode), "b2": reply(validCode), "b3": reply(validCode)})
	e := New(h.reg, quality.NewScorer())

	taskType := task.NewClassifier().Classify(reactPrompt, "").Type
	require.Equal(t, task.CodeGeneration, taskType)

	chain := h.policy.BuildChain(taskType, "")
	require.Equal(t, []string{"b1", "b2", "b3"}, chain.IDs())

	res := e.Execute(context.Background(), Request{ID: "a", Prompt: reactPrompt}, taskType, chain)
	assert.True(t, res.Success)
	assert.True(t, res.Accepted())
	assert.Equal(t, "b1", res.Model)
	assert.Equal(t, validCode, res.Content)
	assert.GreaterOrEqual(t, res.QualityScore, 0.6)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, adapter.OutcomeSuccess, res.Attempts[0].Status)
	assert.Equal(t, 0, h.callCount("b2"))
	assert.Nil(t, res.Err)
}

func TestScenarioOpenBackendSkipped(t *testing.T) {
	h := newHarness(t, map[string]backendFn{"b1": reply(validCode), "b2": reply(validCode), "b3": reply(validCode)})
	for i := 0; i < registry.DefaultFailureThreshold; i++ {
		h.reg.RecordFailure("b1")
	}
	e := New(h.reg, quality.NewScorer())

	chain := h.policy.BuildChain(task.CodeGeneration, "")
	require.Equal(t, []string{"b2", "b3"}, chain.IDs())

	res := e.Execute(context.Background(), Request{Prompt: reactPrompt}, task.CodeGeneration, chain)
	assert.True(t, res.Success)
	assert.Equal(t, "b2", res.Model)
	assert.Equal(t, 0, h.callCount("b1"))
}

func TestScenarioBelowThresholdFallsThrough(t *testing.T) {
	h := newHarness(t, map[string]backendFn{"b1": reply("weak"), "b2": reply("strong"), "b3": reply("unused")})
	e := New(h.reg, scriptedScorer{"weak": 0.3, "strong": 0.8})

	chain := h.policy.BuildChain(task.CodeGeneration, "")
	res := e.Execute(context.Background(), Request{Prompt: reactPrompt}, task.CodeGeneration, chain)

	assert.True(t, res.Success)
	assert.False(t, res.BelowThreshold)
	assert.Equal(t, "b2", res.Model)
	assert.Equal(t, "strong", res.Content)
	assert.InDelta(t, 0.8, res.QualityScore, 1e-9)
	require.Len(t, res.Attempts, 2)
	assert.InDelta(t, 0.3, res.Attempts[0].Score, 1e-9)
	assert.Equal(t, 0, h.failures(t, "b1"))
	assert.Equal(t, 0, h.failures(t, "b2"))
	assert.Equal(t, 0, h.callCount("b3"))
}

func TestScenarioAllTimeouts(t *testing.T) {
	h := newHarness(t, map[string]backendFn{"b1": hang, "b2": hang, "b3": hang})
	e := New(h.reg, quality.NewScorer(), WithInvokeTimeout(20*time.Millisecond))

	chain := h.policy.BuildChain(task.CodeGeneration, "")
	res := e.Execute(context.Background(), Request{Prompt: reactPrompt}, task.CodeGeneration, chain)

	assert.False(t, res.Success)
	require.Len(t, res.Attempts, 3)
	for _, a := range res.Attempts {
		assert.Equal(t, adapter.OutcomeTimeout, a.Status)
	}
	assert.True(t, strings.HasPrefix(res.Error, "all 3 attempted backends failed"))

	var exhausted *ExhaustedError
	require.True(t, errors.As(res.Err, &exhausted))
	assert.Equal(t, 3, exhausted.Counts()[adapter.OutcomeTimeout])
	assert.True(t, errors.Is(res.Err, ErrChainExhausted))
	assert.False(t, errors.Is(res.Err, ErrEmptyChain))

	for _, id := range []string{"b1", "b2", "b3"} {
		assert.Equal(t, 1, h.failures(t, id), id)
	}
}

func TestTimeoutEnforcedWhenBackendIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stubborn := func(context.Context, string, task.Type) (string, error) {
		<-release
		return "late", nil
	}
	h := newHarness(t, map[string]backendFn{"b1": stubborn, "b2": reply(validCode)})
	e := New(h.reg, quality.NewScorer(), WithInvokeTimeout(20*time.Millisecond))

	start := time.Now()
	res := e.Execute(context.Background(), Request{Prompt: "x"}, task.CodeGeneration, h.policy.BuildChain(task.CodeGeneration, ""))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, res.Success)
	assert.Equal(t, "b2", res.Model)
	assert.Equal(t, adapter.OutcomeTimeout, res.Attempts[0].Status)
}

func TestOutrightFailuresCapAttempts(t *testing.T) {
	h := newHarness(t, map[string]backendFn{
		"b1": fail(errors.New("boom")),
		"b2": fail(adapter.ErrRateLimited),
		"b3": fail(errors.New("boom")),
	})
	policy := router.NewPolicy(h.reg, router.WithMaxAttempts(2))
	e := New(h.reg, quality.NewScorer())

	res := e.Execute(context.Background(), Request{Prompt: "x"}, task.CodeGeneration, policy.BuildChain(task.CodeGeneration, ""))
	assert.False(t, res.Success)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, adapter.OutcomeError, res.Attempts[0].Status)
	assert.Equal(t, adapter.OutcomeRateLimited, res.Attempts[1].Status)
	assert.Equal(t, 0, h.callCount("b3"))
}

func TestBestBelowThresholdReturned(t *testing.T) {
	h := newHarness(t, map[string]backendFn{"b1": reply("meh"), "b2": reply("better"), "b3": fail(errors.New("down"))})
	e := New(h.reg, scriptedScorer{"meh": 0.2, "better": 0.5})

	res := e.Execute(context.Background(), Request{Prompt: "x"}, task.CodeGeneration, h.policy.BuildChain(task.CodeGeneration, ""))
	assert.True(t, res.Success)
	assert.True(t, res.BelowThreshold)
	assert.False(t, res.Accepted())
	assert.Equal(t, "b2", res.Model)
	assert.InDelta(t, 0.5, res.QualityScore, 1e-9)
	assert.Len(t, res.Attempts, 3)
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, h.failures(t, "b3"))
}

func TestBestKeepsEarlierOnTie(t *testing.T) {
	h := newHarness(t, map[string]backendFn{"b1": reply("first"), "b2": reply("second")})
	e := New(h.reg, scriptedScorer{"first": 0.4, "second": 0.4})

	res := e.Execute(context.Background(), Request{Prompt: "x"}, task.CodeGeneration, h.policy.BuildChain(task.CodeGeneration, ""))
	assert.Equal(t, "b1", res.Model)
}

func TestEmptyContentIsNotAResult(t *testing.T) {
	h := newHarness(t, map[string]backendFn{"b1": reply(""), "b2": reply("   "), "b3": reply("")})
	e := New(h.reg, quality.NewScorer())

	res := e.Execute(context.Background(), Request{Prompt: "x"}, task.CodeGeneration, h.policy.BuildChain(task.CodeGeneration, ""))
	assert.False(t, res.Success)
	assert.False(t, res.BelowThreshold)
	assert.Empty(t, res.Content)
	assert.Empty(t, res.Model)
	require.Len(t, res.Attempts, 3)
	for _, a := range res.Attempts {
		assert.Equal(t, adapter.OutcomeSuccess, a.Status)
		assert.Equal(t, errNoContent, a.Error)
	}
	assert.ErrorIs(t, res.Err, ErrChainExhausted)
	assert.True(t, strings.HasPrefix(res.Error, "all 3 attempted backends failed"))

	// The backends answered, so none of them is held at fault.
	for _, id := range []string{"b1", "b2", "b3"} {
		assert.Equal(t, 0, h.failures(t, id))
	}
}

func TestEmptyContentSkippedForLaterResult(t *testing.T) {
	h := newHarness(t, map[string]backendFn{"b1": reply(" \n"), "b2": reply("weak")})
	e := New(h.reg, scriptedScorer{" \n": 0.0, "weak": 0.3})

	res := e.Execute(context.Background(), Request{Prompt: "x"}, task.CodeGeneration, h.policy.BuildChain(task.CodeGeneration, ""))
	assert.True(t, res.Success)
	assert.True(t, res.BelowThreshold)
	assert.Equal(t, "b2", res.Model)
	assert.Equal(t, "weak", res.Content)
}

func TestEmptyChain(t *testing.T) {
	h := newHarness(t, map[string]backendFn{"b1": reply(validCode)})
	for i := 0; i < registry.DefaultFailureThreshold; i++ {
		h.reg.RecordFailure("b1")
	}
	e := New(h.reg, quality.NewScorer())

	chain := h.policy.BuildChain(task.CodeGeneration, "")
	require.True(t, chain.Empty())

	res := e.Execute(context.Background(), Request{Prompt: "x"}, task.CodeGeneration, chain)
	assert.False(t, res.Success)
	assert.Empty(t, res.Attempts)
	assert.NotNil(t, res.Attempts)
	assert.True(t, errors.Is(res.Err, ErrEmptyChain))
	assert.Equal(t, ErrEmptyChain.Error(), res.Error)
}

func TestCancelledBeforeStart(t *testing.T) {
	h := newHarness(t, map[string]backendFn{"b1": reply(validCode), "b2": reply(validCode)})
	e := New(h.reg, quality.NewScorer())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.Execute(ctx, Request{Prompt: "x"}, task.CodeGeneration, h.policy.BuildChain(task.CodeGeneration, ""))
	assert.False(t, res.Success)
	assert.Empty(t, res.Attempts)
	assert.True(t, errors.Is(res.Err, context.Canceled))
	assert.True(t, errors.Is(res.Err, ErrChainExhausted))
	assert.Equal(t, 0, h.callCount("b1"))
}

func TestCancellationMidCallNotHeldAgainstBackend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	h := newHarness(t, map[string]backendFn{
		"b1": func(c context.Context, p string, tt task.Type) (string, error) {
			close(started)
			return hang(c, p, tt)
		},
		"b2": reply(validCode),
	})
	e := New(h.reg, quality.NewScorer())

	go func() {
		<-started
		cancel()
	}()
	res := e.Execute(ctx, Request{Prompt: "x"}, task.CodeGeneration, h.policy.BuildChain(task.CodeGeneration, ""))

	assert.False(t, res.Success)
	require.Len(t, res.Attempts, 1)
	assert.True(t, res.Attempts[0].Cancelled)
	assert.Equal(t, adapter.OutcomeError, res.Attempts[0].Status)
	assert.Equal(t, 0, h.failures(t, "b1"))
	assert.Equal(t, 0, h.callCount("b2"))
}

func TestHalfOpenTrialReleasedOnEarlyAccept(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	backend := func(id string, affinity float64) registry.Descriptor {
		return registry.Descriptor{
			ID:       id,
			Backend:  &adapter.FuncBackend{ID: id, Fn: reply(validCode)},
			Affinity: map[task.Type]float64{task.General: affinity},
		}
	}
	reg, err := registry.New(registry.DefaultConfig(), []registry.Descriptor{backend("b1", 0.9), backend("b2", 0.1)},
		registry.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	for i := 0; i < registry.DefaultFailureThreshold; i++ {
		reg.RecordFailure("b2")
	}
	now = now.Add(registry.DefaultBaseCooldown)

	policy := router.NewPolicy(reg)
	chain := policy.BuildChain(task.General, "")
	require.Equal(t, []string{"b1", "b2"}, chain.IDs())
	require.Equal(t, registry.HalfOpen, chain.Entries[1].State)

	res := New(reg, quality.NewScorer()).Execute(context.Background(), Request{Prompt: "x"}, task.General, chain)
	require.Equal(t, "b1", res.Model)

	// b2's trial was never used, so the next chain may offer it again.
	next := policy.BuildChain(task.General, "")
	assert.Equal(t, []string{"b1", "b2"}, next.IDs())
}

func TestHalfOpenTrialSuccessClosesBreaker(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg, err := registry.New(registry.DefaultConfig(), []registry.Descriptor{{
		ID:      "b1",
		Backend: &adapter.FuncBackend{ID: "b1", Fn: reply(validCode)},
	}}, registry.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	for i := 0; i < registry.DefaultFailureThreshold; i++ {
		reg.RecordFailure("b1")
	}
	now = now.Add(registry.DefaultBaseCooldown)

	chain := router.NewPolicy(reg).BuildChain(task.CodeGeneration, "")
	res := New(reg, quality.NewScorer()).Execute(context.Background(), Request{Prompt: "x"}, task.CodeGeneration, chain)
	require.True(t, res.Success)
	assert.True(t, res.Attempts[0].Trial)

	st, _ := reg.Lookup("b1")
	assert.Equal(t, registry.Closed, st.State)
}

func TestPanickingBackendIsError(t *testing.T) {
	h := newHarness(t, map[string]backendFn{
		"b1": func(context.Context, string, task.Type) (string, error) { panic("kaboom") },
		"b2": reply(validCode),
	})
	res := New(h.reg, quality.NewScorer()).Execute(context.Background(), Request{Prompt: "x"}, task.CodeGeneration, h.policy.BuildChain(task.CodeGeneration, ""))
	assert.True(t, res.Success)
	assert.Equal(t, adapter.OutcomeError, res.Attempts[0].Status)
	assert.Contains(t, res.Attempts[0].Error, "kaboom")
}

func TestProgressMilestones(t *testing.T) {
	h := newHarness(t, map[string]backendFn{"b1": fail(errors.New("x")), "b2": reply(validCode)})
	sink := progress.NewChannel(32)
	e := New(h.reg, quality.NewScorer())

	e.Execute(context.Background(), Request{ID: "p1", Prompt: "x", Progress: sink}, task.CodeGeneration, h.policy.BuildChain(task.CodeGeneration, ""))

	var kinds []progress.Kind
	for len(sink.Events()) > 0 {
		ev := <-sink.Events()
		assert.Equal(t, "p1", ev.RequestID)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []progress.Kind{
		progress.Attempting, progress.AttemptResult,
		progress.Attempting, progress.AttemptResult,
		progress.Accepted,
	}, kinds)
}

func TestUsageAndCost(t *testing.T) {
	paid := adapter.NewMockBackend("paid")
	paid.Usage = &adapter.Usage{PromptTokens: 1000, CompletionTokens: 2000}
	reg, err := registry.New(registry.DefaultConfig(), []registry.Descriptor{{ID: "paid", Backend: paid}})
	require.NoError(t, err)
	e := New(reg, quality.NewScorer(), WithPricing(config.PricingConfig{
		"paid": {"default": {PromptPer1K: 0.01, CompletionPer1K: 0.02}},
	}))

	res := e.Execute(context.Background(), Request{Prompt: "x"}, task.General, router.NewPolicy(reg).BuildChain(task.General, ""))
	require.True(t, res.Success)
	assert.Equal(t, 3000, res.Usage.TotalTokens)
	assert.InDelta(t, 0.05, res.Cost.Amount, 1e-9)
	assert.True(t, res.Cost.IsEstimate)
	require.NotNil(t, res.Attempts[0].Usage)
	assert.Equal(t, 1000, res.Attempts[0].Usage.PromptTokens)
}

func TestSpansRecorded(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	h := newHarness(t, map[string]backendFn{"b1": fail(errors.New("x")), "b2": reply(validCode)})
	e := New(h.reg, quality.NewScorer(), WithTracerProvider(tp))

	e.Execute(context.Background(), Request{ID: "s1", Prompt: "x"}, task.CodeGeneration, h.policy.BuildChain(task.CodeGeneration, ""))

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"switchboard.attempt", "switchboard.attempt", "switchboard.execute"}, names)
}

func TestWithThresholdBounds(t *testing.T) {
	e := New(nil, nil, WithThreshold(1.5))
	assert.Equal(t, quality.DefaultThreshold, e.Threshold())
	e = New(nil, nil, WithThreshold(0.9))
	assert.Equal(t, 0.9, e.Threshold())
}
