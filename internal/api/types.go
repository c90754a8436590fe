package api

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across the engine. Transport adapters map these
// to status codes (404 / 409); everything else is a 500.
var (
	// ErrNotFound is returned for unknown experiment or variant ids.
	ErrNotFound = errors.New("experiment not found")

	// ErrInvalidState is returned when a lifecycle operation is attempted
	// from a state that does not permit it (e.g. starting a non-draft
	// experiment). Operations documented as idempotent no-ops (pausing a
	// non-active experiment) do NOT return this.
	ErrInvalidState = errors.New("invalid experiment state")
)

// ValidationError carries a descriptive reason for a rejected request.
// Nothing is persisted when one is returned.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// Validationf builds a ValidationError with a formatted reason.
func Validationf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// VariantSpec describes one arm of an experiment at creation time.
type VariantSpec struct {
	Key               string                 `json:"key"`
	Name              string                 `json:"name"`
	Config            map[string]interface{} `json:"config,omitempty"`
	TrafficAllocation float64                `json:"traffic_allocation"`
	IsControl         bool                   `json:"is_control"`
}

// CreateExperimentRequest is the creation contract exposed to callers.
type CreateExperimentRequest struct {
	Name                string                   `json:"name"`
	PrimaryMetric       string                   `json:"primary_metric"`
	SecondaryMetrics    []string                 `json:"secondary_metrics,omitempty"`
	TrafficAllocation   float64                  `json:"traffic_allocation"`
	TargetingRules      []map[string]interface{} `json:"targeting_rules,omitempty"`
	MinimumSampleSize   int                      `json:"minimum_sample_size,omitempty"`
	StatisticalPower    float64                  `json:"statistical_power,omitempty"`
	SignificanceLevel   float64                  `json:"significance_level,omitempty"`
	AutoWinnerDetection bool                     `json:"auto_winner_detection"`
	Variants            []VariantSpec            `json:"variants"`
}

// AssignRequest carries the identity and targeting context for bucketing.
type AssignRequest struct {
	UserID     string            `json:"user_id,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// TrackEventRequest reports an outcome event against an assignment.
type TrackEventRequest struct {
	VariantID string            `json:"variant_id"`
	EventType string            `json:"event_type"`
	Value     *float64          `json:"value,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// ListFilter narrows ListExperiments output. Zero values mean "any".
type ListFilter struct {
	Status    string `json:"status,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
}

// VariantResults holds per-variant statistics versus the control.
type VariantResults struct {
	VariantID              string    `json:"variant_id"`
	VariantKey             string    `json:"variant_key"`
	IsControl              bool      `json:"is_control"`
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

// ExperimentResults is the full statistics payload for an experiment.
type ExperimentResults struct {
	ExperimentID               string           `json:"experiment_id"`
	PrimaryMetric              string           `json:"primary_metric"`
	Variants                   []VariantResults `json:"variants"`
	TotalSampleSize            int64            `json:"total_sample_size"`
	TotalConversions           int64            `json:"total_conversions"`
	OverallConversionRate      float64          `json:"overall_conversion_rate"`
	DurationDays               float64          `json:"duration_days"`
	IsStatisticallySignificant bool             `json:"is_statistically_significant"`
	WinnerVariantID            string           `json:"winner_variant_id,omitempty"`
	CalculatedAt               time.Time        `json:"calculated_at"`
}
