// Package coordinator runs one generation request end to end: classify,
// build the candidate chain, execute it and journal the outcome.
package coordinator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zen-systems/switchboard/pkg/engine"
	"github.com/zen-systems/switchboard/pkg/evidence"
	"github.com/zen-systems/switchboard/pkg/progress"
	"github.com/zen-systems/switchboard/pkg/registry"
	"github.com/zen-systems/switchboard/pkg/router"
	"github.com/zen-systems/switchboard/pkg/task"
)

// ErrEmptyPrompt rejects requests with nothing to send.
var ErrEmptyPrompt = errors.New("prompt is required")

// Request is a caller's generation request.
type Request struct {
	ID             string `json:"request_id,omitempty"`
	Prompt         string `json:"prompt"`
	TaskType       string `json:"task_type,omitempty"`
	PreferredModel string `json:"preferred_model,omitempty"`
	// Progress receives this request's milestones in addition to the
	// coordinator-wide sink.
	Progress progress.Sink `json:"-"`
}

// Journal stores completed requests. *evidence.Writer implements it.
// Reserve claims a request id before the request runs and fails with
// evidence.ErrDuplicateID or evidence.ErrInvalidID.
type Journal interface {
	Reserve(requestID string) error
	Write(rec *evidence.Record, prompt, content string) error
}

// Coordinator ties the classifier, router and engine together. It holds
// no per-request state and is safe for concurrent use.
type Coordinator struct {
	classifier *task.Classifier
	registry   *registry.Registry
	policy     *router.Policy
	engine     *engine.Engine
	journal    Journal
	sink       progress.Sink
	logger     zerolog.Logger
	newID      func() string
	now        func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithJournal records every completed request.
func WithJournal(j Journal) Option {
	return func(c *Coordinator) {
		c.journal = j
	}
}

// WithProgress sets a sink receiving every request's milestones.
func WithProgress(sink progress.Sink) Option {
	return func(c *Coordinator) {
		c.sink = sink
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithIDGenerator replaces the request id source.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// New assembles a coordinator from its parts.
func New(classifier *task.Classifier, reg *registry.Registry, policy *router.Policy, eng *engine.Engine, opts ...Option) *Coordinator {
	c := &Coordinator{
		classifier: classifier,
		registry:   reg,
		policy:     policy,
		engine:     eng,
		logger:     zerolog.Nop(),
		newID:      uuid.NewString,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the backend registry.
func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}

// Policy returns the routing policy.
func (c *Coordinator) Policy() *router.Policy {
	return c.policy
}

// Classifier returns the task classifier.
func (c *Coordinator) Classifier() *task.Classifier {
	return c.classifier
}

// Threshold returns the engine's acceptance threshold.
func (c *Coordinator) Threshold() float64 {
	return c.engine.Threshold()
}

// Handle runs a request. The error is non-nil only when the request is
// invalid or its id cannot be journaled; backend failures are reported in
// the Result.
func (c *Coordinator) Handle(ctx context.Context, req Request) (engine.Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return engine.Result{}, ErrEmptyPrompt
	}
	override, err := task.Parse(req.TaskType)
	if err != nil {
		return engine.Result{}, err
	}
	if req.ID == "" {
		req.ID = c.newID()
	}
	if c.journal != nil {
		if err := c.journal.Reserve(req.ID); err != nil {
			return engine.Result{}, err
		}
	}

	start := c.now()
	sink := progress.Multi{c.sink, req.Progress}
	em := progress.NewEmitter(req.ID, sink)
	log := c.logger.With().Str("request_id", req.ID).Logger()

	em.Emit(progress.Event{Kind: progress.Classifying})
	decision := c.classifier.Classify(req.Prompt, override)
	em.Emit(progress.Event{
		Kind:     progress.Classified,
		TaskType: decision.Type,
		Message:  strings.Join(decision.Reasons, "; "),
	})
	if decision.Ambiguous {
		log.Debug().Msg("no category matched, routing as general")
	}

	chain := c.policy.BuildChain(decision.Type, req.PreferredModel)
	em.Emit(progress.Event{
		Kind:     progress.ChainBuilt,
		TaskType: decision.Type,
		Message:  strings.Join(chain.IDs(), ","),
	})
	log.Info().
		Str("task_type", string(decision.Type)).
		Float64("confidence", decision.Confidence).
		Strs("chain", chain.IDs()).
		Str("preferred", req.PreferredModel).
		Msg("routing request")

	res := c.engine.Execute(ctx, engine.Request{ID: req.ID, Prompt: req.Prompt, Progress: sink}, decision.Type, chain)
	res.Confidence = decision.Confidence

	if c.journal != nil {
		rec := record(req, decision, chain, res, c.now().Sub(start))
		rec.Timestamp = start.UTC()
		if err := c.journal.Write(rec, req.Prompt, res.Content); err != nil {
			log.Warn().Err(err).Msg("failed to journal request")
		}
	}
	return res, nil
}

func record(req Request, decision task.Decision, chain router.Chain, res engine.Result, elapsed time.Duration) *evidence.Record {
	rec := &evidence.Record{
		ID:             req.ID,
		TaskType:       string(decision.Type),
		Confidence:     decision.Confidence,
		Override:       decision.Override,
		PreferredModel: req.PreferredModel,
		Chain:          chain.IDs(),
		Success:        res.Success,
		Model:          res.Model,
		QualityScore:   res.QualityScore,
		BelowThreshold: res.BelowThreshold,
		TotalTokens:    res.Usage.TotalTokens,
		CostUSD:        res.Cost.Amount,
		Error:          res.Error,
		DurationMillis: elapsed.Milliseconds(),
	}
	for _, n := range chain.Notes {
		rec.Notes = append(rec.Notes, string(n))
	}
	for _, a := range res.Attempts {
		rec.Attempts = append(rec.Attempts, evidence.AttemptRecord{
			Model:          a.Model,
			Status:         string(a.Status),
			Score:          a.Score,
			Error:          a.Error,
			DurationMillis: a.LatencyMs,
		})
	}
	return rec
}
