package experiment

import "testing"

func TestRuleSetMatches(t *testing.T) {
	tests := []struct {
		name  string
		rules RuleSet
		ctx   map[string]string
		want  bool
	}{
		{
			name:  "empty_rule_set_matches_everything",
			rules: nil,
			ctx:   map[string]string{"userType": "creator"},
			want:  true,
		},
		{
			name:  "equals_match",
			rules: RuleSet{{Op: OpEquals, Field: "userType", Value: "investor"}},
			ctx:   map[string]string{"userType": "investor"},
			want:  true,
		},
		{
			name:  "equals_mismatch",
			rules: RuleSet{{Op: OpEquals, Field: "userType", Value: "investor"}},
			ctx:   map[string]string{"userType": "creator"},
			want:  false,
		},
		{
			name:  "equals_missing_field",
			rules: RuleSet{{Op: OpEquals, Field: "userType", Value: "investor"}},
			ctx:   map[string]string{},
			want:  false,
		},
		{
			name:  "excludes_any_hit",
			rules: RuleSet{{Op: OpExcludesAny, Field: "userType", Values: []string{"production", "investor"}}},
			ctx:   map[string]string{"userType": "investor"},
			want:  false,
		},
		{
			name:  "excludes_any_miss",
			rules: RuleSet{{Op: OpExcludesAny, Field: "userType", Values: []string{"production"}}},
			ctx:   map[string]string{"userType": "creator"},
			want:  true,
		},
		{
			name:  "unknown_op_fails_open",
			rules: RuleSet{{Op: "regex_match", Field: "userType", Value: ".*"}},
			ctx:   map[string]string{"userType": "creator"},
			want:  true,
		},
		{
			name: "conjunction_all_must_match",
			rules: RuleSet{
				{Op: OpEquals, Field: "userType", Value: "investor"},
				{Op: OpExcludesAny, Field: "region", Values: []string{"embargoed"}},
			},
			ctx:  map[string]string{"userType": "investor", "region": "embargoed"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rules.Matches(tt.ctx); got != tt.want {
				t.Errorf("Matches: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseRules(t *testing.T) {
	raw := []map[string]interface{}{
		{"op": "equals", "field": "userType", "value": "investor"},
		{"op": "excludes_any", "field": "plan", "values": []interface{}{"free", "trial"}},
		{"op": "geo_within", "field": "region", "value": "EU"}, // unknown, kept
	}

	rules := ParseRules(raw)
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}

	if rules[0].Op != OpEquals || rules[0].Value != "investor" {
		t.Errorf("rule 0 parsed wrong: %+v", rules[0])
	}
	if len(rules[1].Values) != 2 || rules[1].Values[1] != "trial" {
		t.Errorf("rule 1 values parsed wrong: %+v", rules[1])
	}

	// Unknown op must survive parsing and fail open.
	if !rules[2].Matches(map[string]string{"region": "US"}) {
		t.Error("unknown op should fail open")
	}

	if ParseRules(nil) != nil {
		t.Error("nil input should parse to nil RuleSet")
	}
}

func TestValidateVariants(t *testing.T) {
	mk := func(key string, alloc float64, control bool) Variant {
		return Variant{Key: key, TrafficAllocation: alloc, IsControl: control}
	}

	tests := []struct {
		name     string
		variants []Variant
		wantErr  bool
	}{
		{
			name:     "valid_two_variants",
			variants: []Variant{mk("control", 0.5, true), mk("treatment", 0.5, false)},
			wantErr:  false,
		},
		{
			name:     "valid_within_epsilon",
			variants: []Variant{mk("control", 0.3334, true), mk("b", 0.3333, false), mk("c", 0.3333, false)},
			wantErr:  false,
		},
		{
			name:     "sum_too_low",
			variants: []Variant{mk("control", 0.5, true), mk("treatment", 0.4, false)},
			wantErr:  true,
		},
		{
			name:     "no_control",
			variants: []Variant{mk("a", 0.5, false), mk("b", 0.5, false)},
			wantErr:  true,
		},
		{
			name:     "two_controls",
			variants: []Variant{mk("a", 0.5, true), mk("b", 0.5, true)},
			wantErr:  true,
		},
		{
			name:     "duplicate_keys",
			variants: []Variant{mk("a", 0.5, true), mk("a", 0.5, false)},
			wantErr:  true,
		},
		{
			name:     "empty_set",
			variants: nil,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVariants(tt.variants)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateVariants: err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestIdentityKey(t *testing.T) {
	both := Identity{UserID: "u1", SessionID: "s1"}
	if both.Key() != "u1" {
		t.Errorf("user id should take precedence, got %q", both.Key())
	}
	if (Identity{SessionID: "s1"}).Key() != "s1" {
		t.Error("session id should be the fallback key")
	}
	if (Identity{}).Valid() {
		t.Error("empty identity should be invalid")
	}
}
