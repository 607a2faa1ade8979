// Package engine walks a candidate chain, invoking each backend under an
// enforced timeout and scoring what comes back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zen-systems/switchboard/pkg/adapter"
	"github.com/zen-systems/switchboard/pkg/config"
	"github.com/zen-systems/switchboard/pkg/progress"
	"github.com/zen-systems/switchboard/pkg/quality"
	"github.com/zen-systems/switchboard/pkg/registry"
	"github.com/zen-systems/switchboard/pkg/router"
	"github.com/zen-systems/switchboard/pkg/task"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultInvokeTimeout bounds a single backend call.
const DefaultInvokeTimeout = 60 * time.Second

const tracerName = "github.com/zen-systems/switchboard/pkg/engine"

const errNoContent = "no content returned"

// Outcomes receives per-backend results. *registry.Registry implements it.
type Outcomes interface {
	RecordSuccess(id string)
	RecordFailure(id string)
	ReleaseTrial(id string)
}

// Scorer rates backend output. *quality.Scorer implements it.
type Scorer interface {
	Score(content string, taskType task.Type) quality.Report
}

// Request is the engine's view of a generation request.
type Request struct {
	ID     string
	Prompt string
	// Progress receives milestones; nil discards them.
	Progress progress.Sink
}

// Engine executes candidate chains.
type Engine struct {
	outcomes  Outcomes
	scorer    Scorer
	threshold float64
	timeout   time.Duration
	pricing   config.PricingConfig
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithThreshold sets the acceptance threshold.
func WithThreshold(t float64) Option {
	return func(e *Engine) {
		if t >= 0 && t <= 1 {
			e.threshold = t
		}
	}
}

// WithInvokeTimeout bounds each backend call.
func WithInvokeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithPricing enables cost estimates.
func WithPricing(p config.PricingConfig) Option {
	return func(e *Engine) {
		e.pricing = p
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithTracerProvider sets the provider used for request and attempt spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// New creates an engine reporting outcomes to a registry.
func New(outcomes Outcomes, scorer Scorer, opts ...Option) *Engine {
	e := &Engine{
		outcomes:  outcomes,
		scorer:    scorer,
		threshold: quality.DefaultThreshold,
		timeout:   DefaultInvokeTimeout,
		logger:    zerolog.Nop(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Threshold returns the acceptance threshold.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

type scored struct {
	entry  registry.Snapshot
	resp   *adapter.Response
	report quality.Report
}

// Execute walks chain in order. The first result scoring at or above the
// threshold is returned at once. Below-threshold successes are kept and the
// best of them is returned if the chain runs out. Failures are reported to
// the registry; successes of any score count as the backend working.
func (e *Engine) Execute(ctx context.Context, req Request, taskType task.Type, chain router.Chain) Result {
	ctx, span := e.tracer.Start(ctx, "switchboard.execute", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("task.type", string(taskType)),
		attribute.Int("chain.length", chain.Len()),
	))
	defer span.End()

	em := progress.NewEmitter(req.ID, req.Progress)
	log := e.logger.With().Str("request_id", req.ID).Str("task_type", string(taskType)).Logger()
	costs := newCostTracker(e.pricing)

	res := Result{
		TaskType:  taskType,
		RequestID: req.ID,
		Notes:     chain.Notes,
		Attempts:  []Attempt{},
	}

	var best *scored
	var aborted error
	for i, entry := range chain.Entries {
		if err := ctx.Err(); err != nil {
			aborted = err
			e.release(chain.Entries[i:])
			log.Info().Err(err).Int("completed", i).Msg("request aborted before next attempt")
			break
		}

		em.Emit(progress.Event{Kind: progress.Attempting, TaskType: taskType, Backend: entry.ID, Index: i + 1})
		attempt, resp := e.attempt(ctx, entry, req.Prompt, taskType)

		if attempt.Status.Failed() {
			if attempt.Cancelled {
				e.outcomes.ReleaseTrial(entry.ID)
			} else {
				e.outcomes.RecordFailure(entry.ID)
			}
			res.Attempts = append(res.Attempts, attempt)
			em.Emit(progress.Event{
				Kind: progress.AttemptResult, TaskType: taskType, Backend: entry.ID, Index: i + 1,
				Outcome: string(attempt.Status), LatencyMs: attempt.LatencyMs, Message: attempt.Error,
			})
			log.Warn().
				Str("backend", entry.ID).
				Str("outcome", string(attempt.Status)).
				Int64("latency_ms", attempt.LatencyMs).
				Str("error", attempt.Error).
				Msg("attempt failed")
			continue
		}

		e.outcomes.RecordSuccess(entry.ID)
		report := e.scorer.Score(resp.Content(), taskType)
		attempt.Score = report.Score
		empty := strings.TrimSpace(resp.Content()) == ""
		if empty {
			attempt.Error = errNoContent
		}
		if attempt.Usage != nil {
			costs.record(entry.ID, entry.Backend.Model(), *attempt.Usage)
		}
		res.Attempts = append(res.Attempts, attempt)
		em.Emit(progress.Event{
			Kind: progress.AttemptResult, TaskType: taskType, Backend: entry.ID, Index: i + 1,
			Outcome: string(attempt.Status), Score: report.Score, LatencyMs: attempt.LatencyMs,
		})
		log.Info().
			Str("backend", entry.ID).
			Float64("score", report.Score).
			Int64("latency_ms", attempt.LatencyMs).
			Msg("attempt succeeded")

		// The backend worked, but there is nothing to hand back.
		if empty {
			continue
		}
		if report.Meets(e.threshold) {
			e.release(chain.Entries[i+1:])
			e.fill(&res, scored{entry: entry, resp: resp, report: report}, false)
			res.Usage, res.Cost = costs.usage, costs.total()
			em.Emit(progress.Event{Kind: progress.Accepted, TaskType: taskType, Backend: entry.ID, Score: report.Score})
			span.SetAttributes(attribute.String("result.model", entry.ID), attribute.Float64("result.score", report.Score))
			return res
		}
		if best == nil || report.Score > best.report.Score {
			best = &scored{entry: entry, resp: resp, report: report}
		}
	}

	res.Usage, res.Cost = costs.usage, costs.total()
	if best != nil {
		e.fill(&res, *best, true)
		em.Emit(progress.Event{
			Kind: progress.Exhausted, TaskType: taskType, Backend: best.entry.ID, Score: best.report.Score,
			Message: "best result below quality threshold",
		})
		span.SetAttributes(
			attribute.String("result.model", best.entry.ID),
			attribute.Float64("result.score", best.report.Score),
			attribute.Bool("result.below_threshold", true),
		)
		log.Info().Str("backend", best.entry.ID).Float64("score", best.report.Score).Msg("returning best result below threshold")
		return res
	}

	exhausted := &ExhaustedError{Attempts: res.Attempts, Empty: chain.Empty(), Cause: aborted}
	res.Success = false
	res.Err = exhausted
	res.Error = exhausted.Error()
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, "exhausted")
	em.Emit(progress.Event{Kind: progress.Exhausted, TaskType: taskType, Message: res.Error})
	log.Warn().Int("attempts", len(res.Attempts)).Bool("empty_chain", chain.Empty()).Msg("chain exhausted")
	return res
}

func (e *Engine) fill(res *Result, s scored, below bool) {
	res.Success = true
	res.Content = s.resp.Content()
	res.Model = s.entry.ID
	res.QualityScore = s.report.Score
	res.Rationale = s.report.Rationale
	res.BelowThreshold = below
}

// release returns HalfOpen reservations for entries that will not be tried.
func (e *Engine) release(entries []registry.Snapshot) {
	for _, entry := range entries {
		if entry.State == registry.HalfOpen {
			e.outcomes.ReleaseTrial(entry.ID)
		}
	}
}

func (e *Engine) attempt(ctx context.Context, entry registry.Snapshot, prompt string, taskType task.Type) (Attempt, *adapter.Response) {
	ctx, span := e.tracer.Start(ctx, "switchboard.attempt", trace.WithAttributes(
		attribute.String("backend.id", entry.ID),
		attribute.String("backend.model", entry.Backend.Model()),
		attribute.Bool("backend.trial", entry.State == registry.HalfOpen),
	))
	defer span.End()

	start := e.now()
	resp, err := e.invoke(ctx, entry.Backend, prompt, taskType)
	attempt := Attempt{
		Model:     entry.ID,
		LatencyMs: e.now().Sub(start).Milliseconds(),
		Trial:     entry.State == registry.HalfOpen,
	}

	if err != nil {
		attempt.Status = adapter.Classify(err)
		attempt.Error = err.Error()
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// The caller went away; the backend is not at fault.
			attempt.Status = adapter.OutcomeError
			attempt.Cancelled = true
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(attempt.Status))
		span.SetAttributes(attribute.String("attempt.outcome", string(attempt.Status)))
		return attempt, nil
	}

	attempt.Status = adapter.OutcomeSuccess
	if resp != nil && resp.Usage != nil {
		usage := resp.Usage.Normalize()
		attempt.Usage = &usage
	}
	span.SetAttributes(attribute.String("attempt.outcome", string(attempt.Status)))
	return attempt, resp
}

type invocation struct {
	resp *adapter.Response
	err  error
}

// invoke runs the backend call in its own goroutine so the timeout holds
// even if the backend ignores ctx.
func (e *Engine) invoke(ctx context.Context, b adapter.Backend, prompt string, taskType task.Type) (*adapter.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invocation{err: fmt.Errorf("%w: backend panicked: %v", adapter.ErrBackend, r)}
			}
		}()
		resp, err := b.Invoke(callCtx, prompt, taskType)
		done <- invocation{resp: resp, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return out.resp, out.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s", adapter.ErrTimeout, e.timeout)
	}
}
