// Package engine orchestrates the experiment lifecycle: creation,
// start/pause/resume, completion with final statistics, deterministic
// assignment, event tracking, and cached results computation.
//
// The engine holds no in-process locks. Uniqueness invariants (one
// assignment per experiment+identity) are enforced by the Store, so any
// number of engine instances can run against the same database.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pitchey/experiments/internal/api"
	"github.com/pitchey/experiments/internal/cache"
	"github.com/pitchey/experiments/internal/experiment"
	"github.com/pitchey/experiments/internal/metrics"
	"github.com/pitchey/experiments/internal/notify"
	"github.com/pitchey/experiments/internal/store"
)

// Config bounds the engine's cache behavior.
type Config struct {
	AssignmentTTL time.Duration // cache TTL for assignments
	ResultsTTL    time.Duration // cache TTL for computed results
	RecordTTL     time.Duration // cache TTL for experiment records
}

// DefaultConfig returns the production cache TTLs.
func DefaultConfig() Config {
	return Config{
		AssignmentTTL: 10 * time.Minute,
		ResultsTTL:    60 * time.Second,
		RecordTTL:     10 * time.Minute,
	}
}

// Engine is the experimentation engine. Construct with New; all
// collaborators are injected so tests can substitute fakes.
type Engine struct {
	store    store.Store
	cache    cache.Cache
	notifier notify.Notifier
	metrics  *metrics.Metrics
	cfg      Config

	now func() time.Time
}

// New wires an Engine from its collaborators.
func New(st store.Store, c cache.Cache, n notify.Notifier, m *metrics.Metrics, cfg Config) *Engine {
	if cfg.AssignmentTTL == 0 {
		cfg.AssignmentTTL = DefaultConfig().AssignmentTTL
	}
	if cfg.ResultsTTL == 0 {
		cfg.ResultsTTL = DefaultConfig().ResultsTTL
	}
	if cfg.RecordTTL == 0 {
		cfg.RecordTTL = DefaultConfig().RecordTTL
	}
	return &Engine{
		store:    st,
		cache:    c,
		notifier: n,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

func recordKey(experimentID string) string {
	return "exp:record:" + experimentID
}

func assignmentKey(experimentID, identityKey string) string {
	return "exp:assign:" + experimentID + ":" + identityKey
}

func resultsKey(experimentID string) string {
	return "exp:results:" + experimentID
}

// CreateExperiment validates the request and persists the experiment
// with all its variants in one transaction. Nothing is written on a
// validation failure.
func (e *Engine) CreateExperiment(ctx context.Context, req api.CreateExperimentRequest, createdBy string) (*experiment.Experiment, error) {
	if req.Name == "" {
		return nil, api.Validationf("experiment name is required")
	}
	if req.PrimaryMetric == "" {
		return nil, api.Validationf("primary metric is required")
	}
	if req.TrafficAllocation < 0 || req.TrafficAllocation > 1 {
		return nil, api.Validationf("traffic allocation %.4f outside [0,1]", req.TrafficAllocation)
	}

	now := e.now()
	exp := &experiment.Experiment{
		ID:                  uuid.NewString(),
		Name:                req.Name,
		Status:              experiment.StatusDraft,
		PrimaryMetric:       req.PrimaryMetric,
		SecondaryMetrics:    req.SecondaryMetrics,
		TrafficAllocation:   req.TrafficAllocation,
		TargetingRules:      experiment.ParseRules(req.TargetingRules),
		MinimumSampleSize:   req.MinimumSampleSize,
		StatisticalPower:    req.StatisticalPower,
		SignificanceLevel:   req.SignificanceLevel,
		AutoWinnerDetection: req.AutoWinnerDetection,
		CreatedBy:           createdBy,
		CreatedAt:           now,
	}
	if exp.TrafficAllocation == 0 {
		exp.TrafficAllocation = 1.0
	}
	if exp.SignificanceLevel == 0 {
		exp.SignificanceLevel = 0.05
	}
	if exp.StatisticalPower == 0 {
		exp.StatisticalPower = 0.8
	}

	variants := make([]experiment.Variant, 0, len(req.Variants))
	for _, spec := range req.Variants {
		variants = append(variants, experiment.Variant{
			ID:                uuid.NewString(),
			ExperimentID:      exp.ID,
			Key:               spec.Key,
			Name:              spec.Name,
			Config:            spec.Config,
			TrafficAllocation: spec.TrafficAllocation,
			IsControl:         spec.IsControl,
		})
	}

	if err := experiment.ValidateVariants(variants); err != nil {
		return nil, err
	}

	if err := e.store.CreateExperimentWithVariants(ctx, exp, variants); err != nil {
		return nil, fmt.Errorf("create experiment: %w", err)
	}

	e.cacheExperiment(ctx, exp)
	if e.metrics != nil {
		e.metrics.ExperimentsCreated.Inc()
	}
	e.notifier.Publish(ctx, notify.TopicExperimentCreated, map[string]interface{}{
		"experiment_id": exp.ID,
		"name":          exp.Name,
		"created_by":    createdBy,
	})
	return exp, nil
}

// StartExperiment moves a draft experiment to active. Starting from any
// other state is an error, as is starting with fewer than two variants.
func (e *Engine) StartExperiment(ctx context.Context, id string) error {
	exp, err := e.getExperiment(ctx, id)
	if err != nil {
		return err
	}
	if exp.Status != experiment.StatusDraft {
		return fmt.Errorf("%w: cannot start experiment in status %q", api.ErrInvalidState, exp.Status)
	}

	variants, err := e.store.GetVariants(ctx, id)
	if err != nil {
		return err
	}
	if len(variants) < 2 {
		return api.Validationf("experiment requires at least 2 variants to start, has %d", len(variants))
	}

	changed, err := e.store.StartExperiment(ctx, id, e.now())
	if err != nil {
		return err
	}
	if !changed {
		// Lost a race with another caller; the guard above already saw draft.
		return fmt.Errorf("%w: experiment is no longer draft", api.ErrInvalidState)
	}

	e.invalidate(ctx, id)
	if e.metrics != nil {
		e.metrics.Transitions.WithLabelValues(string(experiment.StatusActive)).Inc()
	}
	e.notifier.Publish(ctx, notify.TopicExperimentStarted, map[string]interface{}{
		"experiment_id": id,
	})
	return nil
}

// PauseExperiment moves an active experiment to paused. Pausing an
// experiment that is not active is a silent no-op, not an error, so
// operational commands are idempotent.
func (e *Engine) PauseExperiment(ctx context.Context, id, reason string) error {
	changed, err := e.store.PauseExperiment(ctx, id, e.now(), reason)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	e.invalidate(ctx, id)
	if e.metrics != nil {
		e.metrics.Transitions.WithLabelValues(string(experiment.StatusPaused)).Inc()
	}
	e.notifier.Publish(ctx, notify.TopicExperimentPaused, map[string]interface{}{
		"experiment_id": id,
		"reason":        reason,
	})
	return nil
}

// ResumeExperiment moves a paused experiment back to active. Resuming an
// experiment that is not paused is a silent no-op.
func (e *Engine) ResumeExperiment(ctx context.Context, id string) error {
	changed, err := e.store.ResumeExperiment(ctx, id, e.now())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	e.invalidate(ctx, id)
	if e.metrics != nil {
		e.metrics.Transitions.WithLabelValues(string(experiment.StatusActive)).Inc()
	}
	e.notifier.Publish(ctx, notify.TopicExperimentStarted, map[string]interface{}{
		"experiment_id": id,
		"resumed":       true,
	})
	return nil
}

// ArchiveExperiment moves a completed experiment to archived. Archiving
// anything else is a silent no-op.
func (e *Engine) ArchiveExperiment(ctx context.Context, id string) error {
	changed, err := e.store.ArchiveExperiment(ctx, id, e.now())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	e.invalidate(ctx, id)
	if e.metrics != nil {
		e.metrics.Transitions.WithLabelValues(string(experiment.StatusArchived)).Inc()
	}
	e.notifier.Publish(ctx, notify.TopicExperimentArchived, map[string]interface{}{
		"experiment_id": id,
	})
	return nil
}

// ListExperiments returns a page of experiments and the unpaged total.
func (e *Engine) ListExperiments(ctx context.Context, filter api.ListFilter, limit, offset int) ([]*experiment.Experiment, int, error) {
	return e.store.ListExperiments(ctx, filter, limit, offset)
}

// GetExperiment returns the experiment record, read through the cache.
func (e *Engine) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	return e.getExperiment(ctx, id)
}

func (e *Engine) getExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	if data, ok, err := e.cache.Get(ctx, recordKey(id)); err == nil && ok {
		var exp experiment.Experiment
		if err := unmarshalCached(data, &exp); err == nil {
			return &exp, nil
		}
		// Corrupt cache entry: fall through to the store.
		_ = e.cache.Delete(ctx, recordKey(id))
	}

	exp, err := e.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	e.cacheExperiment(ctx, exp)
	return exp, nil
}

func (e *Engine) cacheExperiment(ctx context.Context, exp *experiment.Experiment) {
	data, err := marshalCached(exp)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, recordKey(exp.ID), data, e.cfg.RecordTTL); err != nil {
		log.Printf("engine: cache experiment %s: %v", exp.ID, err)
	}
}

// invalidate drops the experiment record and results cache entries after
// a lifecycle transition.
func (e *Engine) invalidate(ctx context.Context, id string) {
	if err := e.cache.Delete(ctx, recordKey(id)); err != nil {
		log.Printf("engine: invalidate record cache for %s: %v", id, err)
	}
	if err := e.cache.Delete(ctx, resultsKey(id)); err != nil {
		log.Printf("engine: invalidate results cache for %s: %v", id, err)
	}
}

// NotFound reports whether err is the engine's not-found error.
func NotFound(err error) bool {
	return errors.Is(err, api.ErrNotFound)
}

// IsInvalidState reports whether err is a lifecycle state violation.
func IsInvalidState(err error) bool {
	return errors.Is(err, api.ErrInvalidState)
}
