package experiment

// Targeting rules gate eligibility before bucketing. Rules are a small
// tagged type rather than free-form predicates: the engine only ever
// evaluates what it recognizes.

// Rule operations.
const (
	// OpEquals matches when the context field equals Value exactly.
	OpEquals = "equals"
	// OpExcludesAny matches when the context field equals none of Values.
	OpExcludesAny = "excludes_any"
)

// Rule is one targeting predicate. A rule with an unrecognized Op
// matches everything: the engine fails open on predicates it does not
// understand. That leniency is deliberate and load-bearing; clients on
// older rule vocabularies must not lock all traffic out of an
// experiment.
type Rule struct {
	Op     string   `json:"op"`
	Field  string   `json:"field,omitempty"`
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
}

// Matches evaluates the rule against a caller context.
func (r Rule) Matches(ctx map[string]string) bool {
	switch r.Op {
	case OpEquals:
		return ctx[r.Field] == r.Value
	case OpExcludesAny:
		got := ctx[r.Field]
		for _, v := range r.Values {
			if got == v {
				return false
			}
		}
		return true
	default:
		// Fail open on unknown predicate kinds.
		return true
	}
}

// RuleSet is the conjunction of targeting rules on an experiment. An
// empty or nil set matches everything.
type RuleSet []Rule

// Matches reports whether the context satisfies every rule.
func (rs RuleSet) Matches(ctx map[string]string) bool {
	for _, r := range rs {
		if !r.Matches(ctx) {
			return false
		}
	}
	return true
}

// ParseRules converts the loosely-typed wire form into a RuleSet.
// Entries with missing or non-string fields are kept with whatever was
// recognizable; unknown ops survive the round trip and fail open at
// evaluation time.
func ParseRules(raw []map[string]interface{}) RuleSet {
	if len(raw) == 0 {
		return nil
	}
	rules := make(RuleSet, 0, len(raw))
	for _, m := range raw {
		var r Rule
		if op, ok := m["op"].(string); ok {
			r.Op = op
		}
		if f, ok := m["field"].(string); ok {
			r.Field = f
		}
		if v, ok := m["value"].(string); ok {
			r.Value = v
		}
		if vs, ok := m["values"].([]interface{}); ok {
			for _, v := range vs {
				if s, ok := v.(string); ok {
					r.Values = append(r.Values, s)
				}
			}
		}
		rules = append(rules, r)
	}
	return rules
}
