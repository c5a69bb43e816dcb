package bus

import "testing"

func TestMatches(t *testing.T) {
	cases := []struct {
		name string
		sub  string
		pub  string
		want bool
	}{
		{"exact", "devices/42/telemetry", "devices/42/telemetry", true},
		{"single-level-wildcard", "devices/+/telemetry", "devices/42/telemetry", true},
		{"single-level-wildcard-other-leaf", "devices/+/telemetry", "devices/42/status", false},
		{"single-level-wildcard-non-numeric", "devices/+/telemetry", "devices/abc/telemetry", true},
		{"single-level-too-deep", "a/+/c", "a/b/c/d", false},
		{"single-level-too-shallow", "a/+/c", "a/c", false},
		{"multi-level-bare", "a/#", "a", true},
		{"multi-level-one", "a/#", "a/b", true},
		{"multi-level-many", "a/#", "a/b/c", true},
		{"multi-level-unrelated", "a/#", "b/c", false},
		{"no-wildcard-mismatch", "devices/42/telemetry", "devices/42/status", false},
		{"shorter-sub-no-hash", "devices/42", "devices/42/telemetry", false},
		{"longer-sub", "devices/42/telemetry/extra", "devices/42/telemetry", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Matches(tc.sub, tc.pub); got != tc.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tc.sub, tc.pub, got, tc.want)
			}
		})
	}
}

// TestMatchesMonotone verifies spec §8 invariant 6: if s1 is more specific
// than s2 (s2 obtained from s1 by replacing a token with +), every topic
// matched by s1 is matched by s2.
func TestMatchesMonotone(t *testing.T) {
	s1 := "devices/42/telemetry"
	s2 := "devices/+/telemetry"

	topics := []string{"devices/42/telemetry", "devices/43/telemetry", "devices/42/status"}
	for _, topic := range topics {
		if Matches(s1, topic) && !Matches(s2, topic) {
			t.Errorf("monotonicity violated: s1=%q matches %q but s2=%q does not", s1, topic, s2)
		}
	}
}
