package otel

import (
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("test-service")

	if config.ServiceName != "test-service" {
		t.Errorf("Expected service name 'test-service', got '%s'", config.ServiceName)
	}

	if config.ServiceVersion == "" {
		t.Error("Service version should not be empty")
	}

	if config.CollectorEndpoint == "" {
		t.Error("Collector endpoint should not be empty")
	}

	if config.SamplingRate < 0.0 || config.SamplingRate > 1.0 {
		t.Errorf("Sampling rate out of bounds: %.2f", config.SamplingRate)
	}
}

func TestExperimentAttributes(t *testing.T) {
	attrs := ExperimentAttributes("exp-123", "active")

	if len(attrs) != 2 {
		t.Errorf("Expected 2 attributes, got %d", len(attrs))
	}

	found := false
	for _, attr := range attrs {
		if attr.Key == AttrExperimentID && attr.Value.AsString() == "exp-123" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ExperimentID attribute not found")
	}
}

func TestIdentityAttributes(t *testing.T) {
	// With both identifiers
	attrs := IdentityAttributes("user-456", "sess-789")
	if len(attrs) != 2 {
		t.Errorf("Expected 2 attributes with both ids, got %d", len(attrs))
	}

	// User only
	attrs = IdentityAttributes("user-456", "")
	if len(attrs) != 1 {
		t.Errorf("Expected 1 attribute with user only, got %d", len(attrs))
	}

	// Neither
	attrs = IdentityAttributes("", "")
	if len(attrs) != 0 {
		t.Errorf("Expected 0 attributes, got %d", len(attrs))
	}
}

func TestAssignmentAttributes(t *testing.T) {
	attrs := AssignmentAttributes("exp-123", "var-1", "treatment")

	if len(attrs) != 3 {
		t.Errorf("Expected 3 attributes, got %d", len(attrs))
	}
}
