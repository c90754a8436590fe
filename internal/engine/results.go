package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pitchey/experiments/internal/api"
	"github.com/pitchey/experiments/internal/experiment"
	"github.com/pitchey/experiments/internal/notify"
	"github.com/pitchey/experiments/internal/stats"
)

// GetResults returns per-variant statistics for the experiment, served
// through the results cache. Completed experiments always return the
// persisted final snapshot, never a live recomputation.
func (e *Engine) GetResults(ctx context.Context, experimentID string) (*api.ExperimentResults, error) {
	exp, err := e.getExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	if exp.Status == experiment.StatusCompleted || exp.Status == experiment.StatusArchived {
		return e.finalResults(ctx, exp)
	}

	if data, ok, err := e.cache.Get(ctx, resultsKey(experimentID)); err == nil && ok {
		var cached api.ExperimentResults
		if err := unmarshalCached(data, &cached); err == nil {
			if e.metrics != nil {
				e.metrics.ResultsCacheHits.Inc()
			}
			return &cached, nil
		}
	}
	if e.metrics != nil {
		e.metrics.ResultsCacheMisses.Inc()
	}

	results, err := e.computeResults(ctx, exp)
	if err != nil {
		return nil, err
	}

	if data, err := marshalCached(results); err == nil {
		if err := e.cache.Set(ctx, resultsKey(experimentID), data, e.cfg.ResultsTTL); err != nil {
			log.Printf("engine: cache results for %s: %v", experimentID, err)
		}
	}

	// Periodic snapshot for external dashboards; best-effort.
	if err := e.store.UpsertSnapshots(ctx, buildSnapshots(results, experiment.SnapshotPeriodic)); err != nil {
		log.Printf("engine: upsert periodic snapshots for %s: %v", experimentID, err)
	}

	return results, nil
}

// CompleteExperiment runs a fresh statistics computation (the cache is
// bypassed), optionally selects a winner, transitions the experiment to
// completed, and persists the final snapshot. The status flip and the
// snapshot write are one store transaction. Completing an
// already-completed experiment returns the persisted final snapshot
// without recomputing.
func (e *Engine) CompleteExperiment(ctx context.Context, experimentID string) (*api.ExperimentResults, error) {
	exp, err := e.getExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	switch exp.Status {
	case experiment.StatusCompleted, experiment.StatusArchived:
		return e.finalResults(ctx, exp)
	case experiment.StatusDraft:
		return nil, fmt.Errorf("%w: cannot complete an experiment that never started", api.ErrInvalidState)
	}

	results, err := e.computeResults(ctx, exp)
	if err != nil {
		return nil, err
	}

	// Winner auto-detection only applies when the experiment opted in;
	// the results payload still reports the computed winner either way.
	var winner *string
	if exp.AutoWinnerDetection && results.WinnerVariantID != "" {
		w := results.WinnerVariantID
		winner = &w
	}

	changed, err := e.store.CompleteExperiment(ctx, experimentID, e.now(), winner, buildSnapshots(results, experiment.SnapshotFinal))
	if err != nil {
		return nil, fmt.Errorf("complete experiment: %w", err)
	}
	if !changed {
		// A concurrent caller completed first; their snapshot is the
		// authoritative record.
		fresh, err := e.store.GetExperiment(ctx, experimentID)
		if err != nil {
			return nil, err
		}
		e.invalidate(ctx, experimentID)
		return e.finalResults(ctx, fresh)
	}

	e.invalidate(ctx, experimentID)
	if e.metrics != nil {
		e.metrics.Transitions.WithLabelValues(string(experiment.StatusCompleted)).Inc()
	}
	e.notifier.Publish(ctx, notify.TopicExperimentCompleted, map[string]interface{}{
		"experiment_id": experimentID,
		"results":       results,
	})
	return results, nil
}

// computeResults aggregates event stats from the store and runs the
// statistics engine over them. Always fresh; callers decide on caching.
func (e *Engine) computeResults(ctx context.Context, exp *experiment.Experiment) (*api.ExperimentResults, error) {
	variants, err := e.store.GetVariants(ctx, exp.ID)
	if err != nil {
		return nil, err
	}

	start := e.now()
	eventStats, err := e.store.EventStatsByVariant(ctx, exp.ID)
	if err != nil {
		return nil, fmt.Errorf("aggregate events: %w", err)
	}

	observations := make([]stats.Observation, 0, len(variants))
	for _, v := range variants {
		s := eventStats[v.ID]
		observations = append(observations, stats.Observation{
			Variant:     v,
			SampleSize:  s.SampleSize,
			Conversions: s.Conversions,
			TotalValue:  s.TotalValue,
		})
	}

	results := stats.Compute(exp, observations, e.now())
	if e.metrics != nil {
		e.metrics.StatsDuration.Observe(e.now().Sub(start).Seconds())
	}
	return results, nil
}

// finalResults reconstructs the completion-time results from the
// persisted final snapshot rows. Variant order follows the stored
// variant order so winner tie-breaks match the live computation.
func (e *Engine) finalResults(ctx context.Context, exp *experiment.Experiment) (*api.ExperimentResults, error) {
	variants, err := e.store.GetVariants(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	snapshots, err := e.store.GetSnapshots(ctx, exp.ID, experiment.SnapshotFinal)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		// Completed before snapshotting existed; fall back to a live
		// computation rather than returning nothing.
		return e.computeResults(ctx, exp)
	}

	byVariant := make(map[string]experiment.Snapshot, len(snapshots))
	for _, s := range snapshots {
		if s.Metric == exp.PrimaryMetric {
			byVariant[s.VariantID] = s
		}
	}

	results := &api.ExperimentResults{
		ExperimentID:  exp.ID,
		PrimaryMetric: exp.PrimaryMetric,
	}

	best := -1.0
	for _, v := range variants {
		s, ok := byVariant[v.ID]
		if !ok {
			continue
		}
		vr := api.VariantResults{
			VariantID:              v.ID,
			VariantKey:             v.Key,
			IsControl:              v.IsControl,
			SampleSize:             s.SampleSize,
			Conversions:            s.Conversions,
			TotalValue:             s.TotalValue,
			ConversionRate:         s.ConversionRate,
			IntervalLow:            s.IntervalLow,
			IntervalHigh:           s.IntervalHigh,
			PValue:                 s.PValue,
			Significant:            s.Significant,
			ImprovementOverControl: s.ImprovementOverControl,
			CalculatedAt:           s.CalculatedAt,
		}
		results.Variants = append(results.Variants, vr)
		results.TotalSampleSize += s.SampleSize
		results.TotalConversions += s.Conversions
		if s.CalculatedAt.After(results.CalculatedAt) {
			results.CalculatedAt = s.CalculatedAt
		}

		if vr.Significant && !vr.IsControl {
			results.IsStatisticallySignificant = true
			if vr.ConversionRate > best {
				best = vr.ConversionRate
				results.WinnerVariantID = vr.VariantID
			}
		}
	}

	if results.TotalSampleSize > 0 {
		results.OverallConversionRate = float64(results.TotalConversions) / float64(results.TotalSampleSize)
	}
	if exp.StartedAt != nil && exp.CompletedAt != nil {
		results.DurationDays = exp.CompletedAt.Sub(*exp.StartedAt).Hours() / 24
	}
	return results, nil
}

// GetSnapshots exposes the persisted snapshot rows for dashboards.
func (e *Engine) GetSnapshots(ctx context.Context, experimentID, snapshotType string) ([]experiment.Snapshot, error) {
	if _, err := e.getExperiment(ctx, experimentID); err != nil {
		return nil, err
	}
	return e.store.GetSnapshots(ctx, experimentID, snapshotType)
}

// PruneEvents deletes raw events of an archived experiment older than
// the cutoff and returns the number removed. Refuses any other state:
// live statistics need the full event history, and completed
// experiments keep theirs until archived.
func (e *Engine) PruneEvents(ctx context.Context, experimentID string, before time.Time) (int64, error) {
	exp, err := e.getExperiment(ctx, experimentID)
	if err != nil {
		return 0, err
	}
	if exp.Status != experiment.StatusArchived {
		return 0, fmt.Errorf("%w: events can only be pruned from archived experiments", api.ErrInvalidState)
	}
	return e.store.DeleteEventsBefore(ctx, experimentID, before)
}

func buildSnapshots(results *api.ExperimentResults, snapshotType string) []experiment.Snapshot {
	out := make([]experiment.Snapshot, 0, len(results.Variants))
	for _, vr := range results.Variants {
		out = append(out, experiment.Snapshot{
			ExperimentID:           results.ExperimentID,
			VariantID:              vr.VariantID,
			Metric:                 results.PrimaryMetric,
			Type:                   snapshotType,
			SampleSize:             vr.SampleSize,
			Conversions:            vr.Conversions,
			TotalValue:             vr.TotalValue,
			ConversionRate:         vr.ConversionRate,
			IntervalLow:            vr.IntervalLow,
			IntervalHigh:           vr.IntervalHigh,
			PValue:                 vr.PValue,
			Significant:            vr.Significant,
			ImprovementOverControl: vr.ImprovementOverControl,
			CalculatedAt:           vr.CalculatedAt,
		})
	}
	return out
}
