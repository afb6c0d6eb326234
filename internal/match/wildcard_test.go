package match

import "testing"

// TestPattern_Match verifies single-segment, multi-segment and alternation rules.
// Params: testing.T for assertions.
// Returns: none.
func TestPattern_Match(t *testing.T) {
	cases := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"app.*", "app.web", true},
		{"app.*", "app.web.error", false},
		{"app.**", "app", true},
		{"app.**", "app.web.error", true},
		{"**.error", "kube.pod.error", true},
		{"**", "anything.at.all", true},
		{"{app,web}.error", "web.error", true},
		{"{app,web}.error", "db.error", false},
		{"kube.pod-*", "kube.pod-abc", true},
		{"kube.*-abc", "kube.pod-abc", true},
		{"kube.*-abc", "kube.pod-abd", false},
		{"DEB*", "DEBUG", true},
		{"DEBUG", "debug", false},
		{"a.b", "a.b.c", false},
	}

	for _, tc := range cases {
		if got := Matches(tc.pattern, tc.value); got != tc.want {
			t.Fatalf("Matches(%q, %q) = %v want %v", tc.pattern, tc.value, got, tc.want)
		}
	}
}

// TestCompile_Empty verifies empty patterns are rejected.
// Params: testing.T for assertions.
// Returns: none.
func TestCompile_Empty(t *testing.T) {
	if _, ok := Compile("   "); ok {
		t.Fatalf("expected empty pattern to fail compilation")
	}
	if Matches("", "x") {
		t.Fatalf("empty pattern must not match")
	}
}
