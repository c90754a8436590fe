package bucketing

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/pitchey/experiments/internal/experiment"
)

func TestBucketDeterministic(t *testing.T) {
	ids := []string{"user-1", "user-2", "session-abc", "", "日本語", strings.Repeat("x", 5000)}
	for _, id := range ids {
		a := Bucket(id)
		b := Bucket(id)
		if a != b {
			t.Errorf("Bucket(%q) not deterministic: %v vs %v", id, a, b)
		}
		if a < 0 || a >= 1 {
			t.Errorf("Bucket(%q) = %v outside [0,1)", id, a)
		}
	}
}

func TestBucketPinnedValues(t *testing.T) {
	// FNV-1a 32-bit reference values; reimplementations must reproduce
	// these exactly or clients will bucket users differently.
	tests := []struct {
		in   string
		hash uint32
	}{
		{"", 2166136261},
		{"a", 0xe40c292c},
		{"foobar", 0xbf9cf968},
	}

	for _, tt := range tests {
		want := float64(tt.hash) / (1 << 32)
		if got := Bucket(tt.in); got != want {
			t.Errorf("Bucket(%q) = %v, want %v", tt.in, got, want)
		}
	}
}

func TestBucketTruncation(t *testing.T) {
	base := strings.Repeat("a", MaxIdentityBytes)
	if Bucket(base) != Bucket(base+"ignored-tail") {
		t.Error("bytes past MaxIdentityBytes should not affect the bucket")
	}
}

func TestChooseRespectsAllocations(t *testing.T) {
	variants := []experiment.Variant{
		{ID: "va", Key: "A", TrafficAllocation: 0.3},
		{ID: "vb", Key: "B", TrafficAllocation: 0.7},
	}

	const n = 20000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		v := Choose(fmt.Sprintf("synthetic-user-%d", i), variants)
		if v == nil {
			t.Fatal("Choose returned nil for non-empty variants")
		}
		counts[v.Key]++
	}

	gotA := float64(counts["A"]) / n
	if math.Abs(gotA-0.3) > 0.02 {
		t.Errorf("empirical split for A = %.3f, want 0.30 ±0.02 (counts: %v)", gotA, counts)
	}
}

func TestChooseStable(t *testing.T) {
	variants := []experiment.Variant{
		{ID: "va", Key: "A", TrafficAllocation: 0.5},
		{ID: "vb", Key: "B", TrafficAllocation: 0.5},
	}

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("user-%d", i)
		first := Choose(id, variants)
		for j := 0; j < 5; j++ {
			if again := Choose(id, variants); again.ID != first.ID {
				t.Fatalf("Choose(%q) unstable: %s then %s", id, first.ID, again.ID)
			}
		}
	}
}

func TestChooseDriftFallback(t *testing.T) {
	// Allocations deliberately under 1.0: identities bucketed past the
	// last boundary must fall back to the first variant, not nil.
	variants := []experiment.Variant{
		{ID: "va", Key: "A", TrafficAllocation: 0.0001},
		{ID: "vb", Key: "B", TrafficAllocation: 0.0001},
	}

	for i := 0; i < 50; i++ {
		if v := Choose(fmt.Sprintf("u%d", i), variants); v == nil {
			t.Fatal("expected deterministic fallback, got nil")
		}
	}

	if Choose("anyone", nil) != nil {
		t.Error("empty variant set should return nil")
	}
}

func TestAdmitted(t *testing.T) {
	if !Admitted("u1", 1.0) {
		t.Error("allocation 1.0 must admit everyone")
	}

	admitted := 0
	const n = 20000
	for i := 0; i < n; i++ {
		if Admitted(fmt.Sprintf("user-%d", i), 0.5) {
			admitted++
		}
	}
	got := float64(admitted) / n
	if math.Abs(got-0.5) > 0.02 {
		t.Errorf("admission rate %.3f, want 0.50 ±0.02", got)
	}

	// Admission must be stable per identity.
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("user-%d", i)
		if Admitted(id, 0.5) != Admitted(id, 0.5) {
			t.Fatalf("Admitted(%q) unstable", id)
		}
	}
}
