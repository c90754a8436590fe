// Package bucketing deterministically maps identities to variants.
//
// The hash is pinned so every client computing bucket membership lands
// on the same variant: FNV-1a, 32-bit (offset basis 2166136261, prime
// 16777619), over the UTF-8 bytes of the identity string truncated to
// MaxIdentityBytes. No salt. The bucket value is hash / 2^32 in [0,1).
package bucketing

import (
	"hash/fnv"

	"github.com/pitchey/experiments/internal/experiment"
)

// MaxIdentityBytes bounds hashing cost for pathological identity strings.
const MaxIdentityBytes = 1024

// Bucket hashes an identity string to a value uniformly distributed in
// [0, 1). The same input always yields the same bucket.
func Bucket(identity string) float64 {
	b := []byte(identity)
	if len(b) > MaxIdentityBytes {
		b = b[:MaxIdentityBytes]
	}
	h := fnv.New32a()
	h.Write(b)
	return float64(h.Sum32()) / (1 << 32)
}

// Admitted reports whether the identity falls inside the experiment's
// overall traffic allocation. A distinct key-space prefix keeps the
// admission decision independent of the variant choice.
func Admitted(identity string, allocation float64) bool {
	if allocation >= 1 {
		return true
	}
	return Bucket("alloc:"+identity) < allocation
}

// Choose walks variants in their stored order, accumulating traffic
// allocation, and returns the first variant whose cumulative boundary
// meets or exceeds the identity's bucket value. If floating-point drift
// leaves nothing selected (allocations are validated to sum to 1, so
// this is a guard, not an expected path) the first variant is returned.
// Returns nil only when variants is empty.
func Choose(identity string, variants []experiment.Variant) *experiment.Variant {
	if len(variants) == 0 {
		return nil
	}

	bucket := Bucket(identity)
	var cumulative float64
	for i := range variants {
		cumulative += variants[i].TrafficAllocation
		if bucket < cumulative {
			return &variants[i]
		}
	}
	return &variants[0]
}
