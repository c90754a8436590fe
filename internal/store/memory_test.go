package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pitchey/experiments/internal/api"
	"github.com/pitchey/experiments/internal/experiment"
)

func seedExperiment(t *testing.T, m *MemoryStore, id string, status experiment.Status) {
	t.Helper()
	exp := &experiment.Experiment{
		ID:        id,
		Name:      "exp " + id,
		Status:    status,
		CreatedAt: time.Now(),
	}
	variants := []experiment.Variant{
		{ID: id + "-vc", ExperimentID: id, Key: "control", TrafficAllocation: 0.5, IsControl: true},
		{ID: id + "-vt", ExperimentID: id, Key: "treatment", TrafficAllocation: 0.5},
	}
	if err := m.CreateExperimentWithVariants(context.Background(), exp, variants); err != nil {
		t.Fatalf("seed experiment: %v", err)
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	if _, err := m.GetExperiment(ctx, "missing"); !errors.Is(err, api.ErrNotFound) {
		t.Errorf("GetExperiment: want ErrNotFound, got %v", err)
	}
	if _, err := m.StartExperiment(ctx, "missing", time.Now()); !errors.Is(err, api.ErrNotFound) {
		t.Errorf("StartExperiment: want ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreInsertOrGetAssignmentConcurrent(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedExperiment(t, m, "e1", experiment.StatusActive)

	// Concurrent first assignments for the same identity must converge
	// on a single row.
	const workers = 16
	results := make([]*experiment.Assignment, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := m.InsertOrGetAssignment(ctx, &experiment.Assignment{
				ID:           fmt.Sprintf("attempt-%d", i),
				ExperimentID: "e1",
				VariantID:    "e1-vc",
				UserID:       "user-1",
				AssignedAt:   time.Now(),
			})
			if err != nil {
				t.Errorf("InsertOrGetAssignment: %v", err)
				return
			}
			results[i] = a
		}(i)
	}
	wg.Wait()

	first := results[0]
	for i, a := range results {
		if a == nil || a.ID != first.ID {
			t.Fatalf("worker %d got a different assignment row: %+v vs %+v", i, a, first)
		}
	}
}

func TestMemoryStoreFirstExposureFirstWriteWins(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedExperiment(t, m, "e1", experiment.StatusActive)

	if _, err := m.InsertOrGetAssignment(ctx, &experiment.Assignment{
		ID: "a1", ExperimentID: "e1", VariantID: "e1-vc", UserID: "u1", AssignedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	t1 := time.Now().Add(-time.Hour)
	t2 := time.Now()
	if err := m.SetFirstExposure(ctx, "e1", "u1", t1); err != nil {
		t.Fatal(err)
	}
	if err := m.SetFirstExposure(ctx, "e1", "u1", t2); err != nil {
		t.Fatal(err)
	}

	a, err := m.GetAssignment(ctx, "e1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if a.FirstExposureAt == nil || !a.FirstExposureAt.Equal(t1) {
		t.Errorf("first exposure overwritten: got %v, want %v", a.FirstExposureAt, t1)
	}
}

func TestMemoryStoreEventStats(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedExperiment(t, m, "e1", experiment.StatusActive)

	value := 9.99
	events := []*experiment.Event{
		{ID: "ev1", ExperimentID: "e1", VariantID: "e1-vc", Type: "page_view", UserID: "u1"},
		{ID: "ev2", ExperimentID: "e1", VariantID: "e1-vc", Type: experiment.EventTypeConversion, UserID: "u1", Value: &value},
		{ID: "ev3", ExperimentID: "e1", VariantID: "e1-vc", Type: "page_view", UserID: "u2"},
		{ID: "ev4", ExperimentID: "e1", VariantID: "e1-vt", Type: experiment.EventTypeConversion, SessionID: "s1"},
	}
	for _, ev := range events {
		ev.CreatedAt = time.Now()
		if err := m.AppendEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := m.EventStatsByVariant(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}

	control := stats["e1-vc"]
	if control.SampleSize != 2 {
		t.Errorf("control sample size = %d, want 2 (distinct identities)", control.SampleSize)
	}
	if control.Conversions != 1 {
		t.Errorf("control conversions = %d, want 1", control.Conversions)
	}
	if control.TotalValue != 9.99 {
		t.Errorf("control total value = %v, want 9.99", control.TotalValue)
	}

	treatment := stats["e1-vt"]
	if treatment.SampleSize != 1 || treatment.Conversions != 1 {
		t.Errorf("treatment stats wrong: %+v", treatment)
	}
}

func TestMemoryStoreTransitions(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("start_requires_draft", func(t *testing.T) {
		m := NewMemoryStore()
		seedExperiment(t, m, "e1", experiment.StatusDraft)

		changed, err := m.StartExperiment(ctx, "e1", now)
		if err != nil || !changed {
			t.Fatalf("start from draft: changed=%v err=%v", changed, err)
		}
		changed, err = m.StartExperiment(ctx, "e1", now)
		if err != nil || changed {
			t.Fatalf("second start: changed=%v err=%v, want no-op", changed, err)
		}
	})

	t.Run("pause_only_active", func(t *testing.T) {
		m := NewMemoryStore()
		seedExperiment(t, m, "e1", experiment.StatusDraft)

		changed, err := m.PauseExperiment(ctx, "e1", now, "why")
		if err != nil || changed {
			t.Fatalf("pause of draft must be silent no-op: changed=%v err=%v", changed, err)
		}
	})

	t.Run("pause_resume_cycle", func(t *testing.T) {
		m := NewMemoryStore()
		seedExperiment(t, m, "e1", experiment.StatusActive)

		if changed, err := m.PauseExperiment(ctx, "e1", now, "maintenance"); err != nil || !changed {
			t.Fatalf("pause: changed=%v err=%v", changed, err)
		}
		exp, _ := m.GetExperiment(ctx, "e1")
		if exp.Status != experiment.StatusPaused || exp.PauseReason != "maintenance" {
			t.Fatalf("pause state wrong: %+v", exp)
		}

		if changed, err := m.ResumeExperiment(ctx, "e1", now); err != nil || !changed {
			t.Fatalf("resume: changed=%v err=%v", changed, err)
		}
		exp, _ = m.GetExperiment(ctx, "e1")
		if exp.Status != experiment.StatusActive || exp.PauseReason != "" {
			t.Fatalf("resume state wrong: %+v", exp)
		}
	})

	t.Run("complete_writes_snapshots_once", func(t *testing.T) {
		m := NewMemoryStore()
		seedExperiment(t, m, "e1", experiment.StatusActive)

		winner := "e1-vt"
		snaps := []experiment.Snapshot{
			{ExperimentID: "e1", VariantID: "e1-vt", Metric: "signup", Type: experiment.SnapshotFinal, SampleSize: 10},
		}
		changed, err := m.CompleteExperiment(ctx, "e1", now, &winner, snaps)
		if err != nil || !changed {
			t.Fatalf("complete: changed=%v err=%v", changed, err)
		}

		// Second completion: silent no-op, snapshots untouched.
		changed, err = m.CompleteExperiment(ctx, "e1", now, nil, []experiment.Snapshot{
			{ExperimentID: "e1", VariantID: "e1-vt", Metric: "signup", Type: experiment.SnapshotFinal, SampleSize: 999},
		})
		if err != nil || changed {
			t.Fatalf("second complete: changed=%v err=%v", changed, err)
		}

		got, err := m.GetSnapshots(ctx, "e1", experiment.SnapshotFinal)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].SampleSize != 10 {
			t.Fatalf("final snapshot mutated after no-op completion: %+v", got)
		}

		exp, _ := m.GetExperiment(ctx, "e1")
		if exp.WinnerVariantID == nil || *exp.WinnerVariantID != "e1-vt" {
			t.Errorf("winner not persisted: %+v", exp.WinnerVariantID)
		}
	})

	t.Run("archive_requires_completed", func(t *testing.T) {
		m := NewMemoryStore()
		seedExperiment(t, m, "e1", experiment.StatusActive)

		if changed, _ := m.ArchiveExperiment(ctx, "e1", now); changed {
			t.Fatal("archive of active experiment should be a no-op")
		}
		m.CompleteExperiment(ctx, "e1", now, nil, nil)
		if changed, _ := m.ArchiveExperiment(ctx, "e1", now); !changed {
			t.Fatal("archive of completed experiment should succeed")
		}
	})
}

func TestMemoryStorePeriodicUpsertNeverTouchesFinal(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedExperiment(t, m, "e1", experiment.StatusActive)

	final := experiment.Snapshot{ExperimentID: "e1", VariantID: "v1", Metric: "signup", Type: experiment.SnapshotFinal, SampleSize: 100}
	if err := m.UpsertSnapshots(ctx, []experiment.Snapshot{final}); err != nil {
		t.Fatal(err)
	}

	periodic := experiment.Snapshot{ExperimentID: "e1", VariantID: "v1", Metric: "signup", Type: experiment.SnapshotPeriodic, SampleSize: 5}
	if err := m.UpsertSnapshots(ctx, []experiment.Snapshot{periodic}); err != nil {
		t.Fatal(err)
	}

	finals, _ := m.GetSnapshots(ctx, "e1", experiment.SnapshotFinal)
	if len(finals) != 1 || finals[0].SampleSize != 100 {
		t.Errorf("final snapshot disturbed by periodic upsert: %+v", finals)
	}
	all, _ := m.GetSnapshots(ctx, "e1", "")
	if len(all) != 2 {
		t.Errorf("expected 2 snapshot rows, got %d", len(all))
	}
}

func TestMemoryStoreListPagination(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		exp := &experiment.Experiment{
			ID:        fmt.Sprintf("e%d", i),
			Status:    experiment.StatusDraft,
			CreatedBy: "alice",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := m.CreateExperimentWithVariants(ctx, exp, nil); err != nil {
			t.Fatal(err)
		}
	}

	page, total, err := m.ListExperiments(ctx, api.ListFilter{CreatedBy: "alice"}, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Errorf("page size = %d, want 2", len(page))
	}
	// Newest first: offset 2 of e4..e0 is e2.
	if page[0].ID != "e2" {
		t.Errorf("page[0] = %s, want e2", page[0].ID)
	}

	_, total, err = m.ListExperiments(ctx, api.ListFilter{Status: "active"}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("status filter should match nothing, got total=%d", total)
	}
}
