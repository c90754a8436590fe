package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/pitchey/experiments/internal/api"
	"github.com/pitchey/experiments/internal/bucketing"
	"github.com/pitchey/experiments/internal/experiment"
	"github.com/pitchey/experiments/internal/notify"
)

func marshalCached(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalCached(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// AssignUser buckets an identity into a variant of an active experiment.
// Returns (nil, nil) when the identity is ineligible: the experiment is
// not active, targeting rules exclude the caller, or the identity falls
// outside the experiment's overall traffic allocation. Assignment is
// idempotent; the first persisted row wins for all time.
func (e *Engine) AssignUser(ctx context.Context, experimentID string, req api.AssignRequest) (*experiment.Assignment, error) {
	identity := experiment.Identity{UserID: req.UserID, SessionID: req.SessionID}
	if !identity.Valid() {
		return nil, api.Validationf("assignment requires a user id or session id")
	}

	exp, err := e.getExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp.Status != experiment.StatusActive {
		return nil, nil
	}

	identityKey := identity.Key()

	// Existing assignment: cache first, then store.
	if data, ok, err := e.cache.Get(ctx, assignmentKey(experimentID, identityKey)); err == nil && ok {
		var a experiment.Assignment
		if err := unmarshalCached(data, &a); err == nil {
			return &a, nil
		}
	}
	if existing, err := e.store.GetAssignment(ctx, experimentID, identityKey); err != nil {
		return nil, err
	} else if existing != nil {
		e.cacheAssignment(ctx, existing)
		return existing, nil
	}

	if !exp.TargetingRules.Matches(req.Context) {
		if e.metrics != nil {
			e.metrics.AssignmentsSkipped.WithLabelValues(experimentID, "targeting").Inc()
		}
		return nil, nil
	}
	if !bucketing.Admitted(identityKey, exp.TrafficAllocation) {
		if e.metrics != nil {
			e.metrics.AssignmentsSkipped.WithLabelValues(experimentID, "allocation").Inc()
		}
		return nil, nil
	}

	variants, err := e.store.GetVariants(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	chosen := bucketing.Choose(identityKey, variants)
	if chosen == nil {
		return nil, fmt.Errorf("experiment %s has no variants", experimentID)
	}

	assignment := &experiment.Assignment{
		ID:           uuid.NewString(),
		ExperimentID: experimentID,
		VariantID:    chosen.ID,
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		AssignedAt:   e.now(),
		Properties:   req.Properties,
	}

	// The store resolves concurrent first assignments: whoever inserts
	// first wins and everyone reads that row back.
	persisted, err := e.store.InsertOrGetAssignment(ctx, assignment)
	if err != nil {
		return nil, fmt.Errorf("persist assignment: %w", err)
	}

	e.cacheAssignment(ctx, persisted)
	if e.metrics != nil {
		e.metrics.AssignmentsTotal.WithLabelValues(experimentID).Inc()
	}
	return persisted, nil
}

func (e *Engine) cacheAssignment(ctx context.Context, a *experiment.Assignment) {
	data, err := marshalCached(a)
	if err != nil {
		return
	}
	key := assignmentKey(a.ExperimentID, a.Identity().Key())
	if err := e.cache.Set(ctx, key, data, e.cfg.AssignmentTTL); err != nil {
		log.Printf("engine: cache assignment for %s: %v", a.ExperimentID, err)
	}
}

// TrackEvent records an outcome event against an assignment. Events for
// experiments that are not active are discarded silently; asynchronous
// client retries must not be penalized for arriving after a pause or
// completion. Conversion events invalidate the cached results so the
// next read recomputes.
func (e *Engine) TrackEvent(ctx context.Context, experimentID string, req api.TrackEventRequest) error {
	identity := experiment.Identity{UserID: req.UserID, SessionID: req.SessionID}
	if !identity.Valid() {
		return api.Validationf("event requires a user id or session id")
	}
	if req.EventType == "" {
		return api.Validationf("event type is required")
	}

	exp, err := e.getExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if exp.Status != experiment.StatusActive {
		if e.metrics != nil {
			e.metrics.EventsDiscarded.Inc()
		}
		return nil
	}

	now := e.now()

	// First-write-wins exposure stamp; the store ignores later calls.
	if err := e.store.SetFirstExposure(ctx, experimentID, identity.Key(), now); err != nil {
		log.Printf("engine: set first exposure for %s: %v", experimentID, err)
	}

	ev := &experiment.Event{
		ID:           uuid.NewString(),
		ExperimentID: experimentID,
		VariantID:    req.VariantID,
		Type:         req.EventType,
		Value:        req.Value,
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		Properties:   req.Data,
		CreatedAt:    now,
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if e.metrics != nil {
		e.metrics.EventsTotal.WithLabelValues(experimentID).Inc()
	}

	e.notifier.Publish(ctx, notify.TopicExperimentEvent, map[string]interface{}{
		"experiment_id": experimentID,
		"variant_id":    req.VariantID,
		"event_type":    req.EventType,
	})

	if req.EventType == experiment.EventTypeConversion {
		if e.metrics != nil {
			e.metrics.ConversionsTotal.WithLabelValues(experimentID).Inc()
		}
		if err := e.cache.Delete(ctx, resultsKey(experimentID)); err != nil {
			log.Printf("engine: invalidate results cache for %s: %v", experimentID, err)
		}
	}
	return nil
}
