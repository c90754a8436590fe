package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitchey/experiments/internal/api"
	"github.com/pitchey/experiments/internal/experiment"
)

// MemoryStore is a mutex-guarded in-memory Store for tests and
// single-node development. It enforces the same uniqueness invariants
// the Postgres schema does.
type MemoryStore struct {
	mu          sync.RWMutex
	experiments map[string]*experiment.Experiment
	variants    map[string][]experiment.Variant
	assignments map[string]map[string]*experiment.Assignment // experiment -> identity key
	events      map[string][]*experiment.Event
	snapshots   map[string]experiment.Snapshot // experiment|variant|metric|type
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		experiments: make(map[string]*experiment.Experiment),
		variants:    make(map[string][]experiment.Variant),
		assignments: make(map[string]map[string]*experiment.Assignment),
		events:      make(map[string][]*experiment.Event),
		snapshots:   make(map[string]experiment.Snapshot),
	}
}

func snapshotKey(s experiment.Snapshot) string {
	return fmt.Sprintf("%s|%s|%s|%s", s.ExperimentID, s.VariantID, s.Metric, s.Type)
}

func (m *MemoryStore) CreateExperimentWithVariants(ctx context.Context, exp *experiment.Experiment, variants []experiment.Variant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.experiments[exp.ID]; exists {
		return fmt.Errorf("experiment %s already exists", exp.ID)
	}

	cp := *exp
	m.experiments[exp.ID] = &cp
	m.variants[exp.ID] = append([]experiment.Variant(nil), variants...)
	m.assignments[exp.ID] = make(map[string]*experiment.Assignment)
	return nil
}

func (m *MemoryStore) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exp, ok := m.experiments[id]
	if !ok {
		return nil, api.ErrNotFound
	}
	cp := *exp
	return &cp, nil
}

func (m *MemoryStore) ListExperiments(ctx context.Context, filter api.ListFilter, limit, offset int) ([]*experiment.Experiment, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*experiment.Experiment
	for _, exp := range m.experiments {
		if filter.Status != "" && string(exp.Status) != filter.Status {
			continue
		}
		if filter.CreatedBy != "" && exp.CreatedBy != filter.CreatedBy {
			continue
		}
		cp := *exp
		all = append(all, &cp)
	}

	// Newest first, matching the Postgres ORDER BY.
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (m *MemoryStore) GetVariants(ctx context.Context, experimentID string) ([]experiment.Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vs, ok := m.variants[experimentID]
	if !ok {
		return nil, api.ErrNotFound
	}
	return append([]experiment.Variant(nil), vs...), nil
}

func (m *MemoryStore) GetAssignment(ctx context.Context, experimentID, identityKey string) (*experiment.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byIdentity, ok := m.assignments[experimentID]
	if !ok {
		return nil, nil
	}
	a, ok := byIdentity[identityKey]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) InsertOrGetAssignment(ctx context.Context, a *experiment.Assignment) (*experiment.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byIdentity, ok := m.assignments[a.ExperimentID]
	if !ok {
		byIdentity = make(map[string]*experiment.Assignment)
		m.assignments[a.ExperimentID] = byIdentity
	}

	key := a.Identity().Key()
	if existing, ok := byIdentity[key]; ok {
		// Lost the race (or a retry): the first write wins.
		cp := *existing
		return &cp, nil
	}

	cp := *a
	byIdentity[key] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) SetFirstExposure(ctx context.Context, experimentID, identityKey string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byIdentity, ok := m.assignments[experimentID]
	if !ok {
		return nil
	}
	a, ok := byIdentity[identityKey]
	if !ok || a.FirstExposureAt != nil {
		return nil
	}
	t := at
	a.FirstExposureAt = &t
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev *experiment.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ev
	m.events[ev.ExperimentID] = append(m.events[ev.ExperimentID], &cp)
	return nil
}

func (m *MemoryStore) EventStatsByVariant(ctx context.Context, experimentID string) (map[string]EventStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]EventStats)
	identities := make(map[string]map[string]bool) // variant -> identity keys
	for _, ev := range m.events[experimentID] {
		s := stats[ev.VariantID]
		if identities[ev.VariantID] == nil {
			identities[ev.VariantID] = make(map[string]bool)
		}
		key := ev.Identity().Key()
		if !identities[ev.VariantID][key] {
			identities[ev.VariantID][key] = true
			s.SampleSize++
		}
		if ev.Type == experiment.EventTypeConversion {
			s.Conversions++
		}
		if ev.Value != nil {
			s.TotalValue += *ev.Value
		}
		stats[ev.VariantID] = s
	}
	return stats, nil
}

func (m *MemoryStore) DeleteEventsBefore(ctx context.Context, experimentID string, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[experimentID][:0]
	var removed int64
	for _, ev := range m.events[experimentID] {
		if ev.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	m.events[experimentID] = kept
	return removed, nil
}

// transition applies fn when the experiment is in one of the expected
// states. Returns false with no error otherwise.
func (m *MemoryStore) transition(id string, allowed []experiment.Status, fn func(*experiment.Experiment)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.experiments[id]
	if !ok {
		return false, api.ErrNotFound
	}
	for _, s := range allowed {
		if exp.Status == s {
			fn(exp)
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) StartExperiment(ctx context.Context, id string, at time.Time) (bool, error) {
	return m.transition(id, []experiment.Status{experiment.StatusDraft}, func(exp *experiment.Experiment) {
		t := at
		exp.Status = experiment.StatusActive
		exp.StartedAt = &t
	})
}

func (m *MemoryStore) PauseExperiment(ctx context.Context, id string, at time.Time, reason string) (bool, error) {
	return m.transition(id, []experiment.Status{experiment.StatusActive}, func(exp *experiment.Experiment) {
		t := at
		exp.Status = experiment.StatusPaused
		exp.PausedAt = &t
		exp.PauseReason = reason
	})
}

func (m *MemoryStore) ResumeExperiment(ctx context.Context, id string, at time.Time) (bool, error) {
	return m.transition(id, []experiment.Status{experiment.StatusPaused}, func(exp *experiment.Experiment) {
		exp.Status = experiment.StatusActive
		exp.PausedAt = nil
		exp.PauseReason = ""
	})
}

func (m *MemoryStore) CompleteExperiment(ctx context.Context, id string, at time.Time, winnerVariantID *string, snapshots []experiment.Snapshot) (bool, error) {
	changed, err := m.transition(id, []experiment.Status{experiment.StatusActive, experiment.StatusPaused}, func(exp *experiment.Experiment) {
		t := at
		exp.Status = experiment.StatusCompleted
		exp.CompletedAt = &t
		exp.WinnerVariantID = winnerVariantID
	})
	if err != nil || !changed {
		return changed, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snapshots {
		m.snapshots[snapshotKey(s)] = s
	}
	return true, nil
}

func (m *MemoryStore) ArchiveExperiment(ctx context.Context, id string, at time.Time) (bool, error) {
	return m.transition(id, []experiment.Status{experiment.StatusCompleted}, func(exp *experiment.Experiment) {
		t := at
		exp.Status = experiment.StatusArchived
		exp.ArchivedAt = &t
	})
}

func (m *MemoryStore) UpsertSnapshots(ctx context.Context, snapshots []experiment.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range snapshots {
		m.snapshots[snapshotKey(s)] = s
	}
	return nil
}

func (m *MemoryStore) GetSnapshots(ctx context.Context, experimentID, snapshotType string) ([]experiment.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []experiment.Snapshot
	for _, s := range m.snapshots {
		if s.ExperimentID != experimentID {
			continue
		}
		if snapshotType != "" && s.Type != snapshotType {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VariantID != out[j].VariantID {
			return out[i].VariantID < out[j].VariantID
		}
		return out[i].Metric < out[j].Metric
	})
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
