package experiment

import (
	"math"
	"time"

	"github.com/pitchey/experiments/internal/api"
)

// Status is the lifecycle state of an experiment. Transitions are
// monotonic except active<->paused; completed and archived are terminal
// for mutation.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// EventTypeConversion is the event type the statistics engine treats as
// a success outcome for the primary metric.
const EventTypeConversion = "conversion"

// AllocationEpsilon is the tolerance on the variant allocation sum.
const AllocationEpsilon = 1e-3

// Experiment is a configured comparison between two or more variants.
type Experiment struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Status              Status     `json:"status"`
	PrimaryMetric       string     `json:"primary_metric"`
	SecondaryMetrics    []string   `json:"secondary_metrics,omitempty"`
	TrafficAllocation   float64    `json:"traffic_allocation"`
	TargetingRules      RuleSet    `json:"targeting_rules,omitempty"`
	MinimumSampleSize   int        `json:"minimum_sample_size"`
	StatisticalPower    float64    `json:"statistical_power"`
	SignificanceLevel   float64    `json:"significance_level"`
	AutoWinnerDetection bool       `json:"auto_winner_detection"`
	WinnerVariantID     *string    `json:"winner_variant_id,omitempty"`
	CreatedBy           string     `json:"created_by"`
	CreatedAt           time.Time  `json:"created_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	PausedAt            *time.Time `json:"paused_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	ArchivedAt          *time.Time `json:"archived_at,omitempty"`
	PauseReason         string     `json:"pause_reason,omitempty"`
	CompletionReason    string     `json:"completion_reason,omitempty"`
}

// Variant is one arm of an experiment.
type Variant struct {
	ID                string                 `json:"id"`
	ExperimentID      string                 `json:"experiment_id"`
	Key               string                 `json:"key"`
	Name              string                 `json:"name"`
	Config            map[string]interface{} `json:"config,omitempty"`
	TrafficAllocation float64                `json:"traffic_allocation"`
	IsControl         bool                   `json:"is_control"`
}

// Identity names the subject being bucketed: a user id, a session id,
// or both. When both are present the user id takes precedence so the
// same user buckets identically across devices.
type Identity struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Valid reports whether at least one identifier is present.
func (id Identity) Valid() bool {
	return id.UserID != "" || id.SessionID != ""
}

// Key returns the canonical bucketing string for the identity.
func (id Identity) Key() string {
	if id.UserID != "" {
		return id.UserID
	}
	return id.SessionID
}

// Assignment binds an identity to a variant for the life of an
// experiment. FirstExposureAt is set lazily by the first tracked event
// and never overwritten.
type Assignment struct {
	ID              string            `json:"id"`
	ExperimentID    string            `json:"experiment_id"`
	VariantID       string            `json:"variant_id"`
	UserID          string            `json:"user_id,omitempty"`
	SessionID       string            `json:"session_id,omitempty"`
	AssignedAt      time.Time         `json:"assigned_at"`
	FirstExposureAt *time.Time        `json:"first_exposure_at,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
}

// Identity reconstructs the identity the assignment was made for.
func (a *Assignment) Identity() Identity {
	return Identity{UserID: a.UserID, SessionID: a.SessionID}
}

// Event is an append-only outcome record. The variant is referenced by
// id without a foreign key; variants of archived experiments may be gone.
type Event struct {
	ID           string            `json:"id"`
	ExperimentID string            `json:"experiment_id"`
	VariantID    string            `json:"variant_id"`
	Type         string            `json:"type"`
	Value        *float64          `json:"value,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Identity returns the event's subject identity.
func (e *Event) Identity() Identity {
	return Identity{UserID: e.UserID, SessionID: e.SessionID}
}

// Snapshot types distinguish the permanent completion record from
// periodic recomputations.
const (
	SnapshotPeriodic = "periodic"
	SnapshotFinal    = "final"
)

// Snapshot is a persisted per-variant, per-metric aggregate, upserted on
// every statistics recomputation.
type Snapshot struct {
	ExperimentID           string    `json:"experiment_id"`
	VariantID              string    `json:"variant_id"`
	Metric                 string    `json:"metric"`
	Type                   string    `json:"snapshot_type"`
	SampleSize             int64     `json:"sample_size"`
	Conversions            int64     `json:"conversions"`
	TotalValue             float64   `json:"total_value"`
	ConversionRate         float64   `json:"conversion_rate"`
	IntervalLow            float64   `json:"interval_low"`
	IntervalHigh           float64   `json:"interval_high"`
	PValue                 float64   `json:"p_value"`
	Significant            bool      `json:"significant"`
	ImprovementOverControl float64   `json:"improvement_over_control"`
	CalculatedAt           time.Time `json:"calculated_at"`
}

// ValidateVariants enforces the creation invariants: allocations sum to
// 1.0 within AllocationEpsilon and exactly one variant is the control.
func ValidateVariants(variants []Variant) error {
	if len(variants) == 0 {
		return api.Validationf("experiment requires at least one variant")
	}

	var sum float64
	controls := 0
	seen := make(map[string]bool, len(variants))
	for _, v := range variants {
		if v.Key == "" {
			return api.Validationf("variant key must not be empty")
		}
		if seen[v.Key] {
			return api.Validationf("duplicate variant key %q", v.Key)
		}
		seen[v.Key] = true
		if v.TrafficAllocation < 0 || v.TrafficAllocation > 1 {
			return api.Validationf("variant %q allocation %.4f outside [0,1]", v.Key, v.TrafficAllocation)
		}
		sum += v.TrafficAllocation
		if v.IsControl {
			controls++
		}
	}

	if math.Abs(sum-1.0) > AllocationEpsilon {
		return api.Validationf("variant allocations sum to %.4f, expected 1.0 ±%.0e", sum, AllocationEpsilon)
	}
	if controls != 1 {
		return api.Validationf("expected exactly one control variant, got %d", controls)
	}
	return nil
}
