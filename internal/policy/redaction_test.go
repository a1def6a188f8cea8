package policy

import (
	"reflect"
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		markers []string
		kinds   []string
	}{
		{
			name:    "mixed",
			in:      "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242.",
			markers: []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"},
			kinds:   []string{"EMAIL", "CARD", "PHONE"},
		},
		{
			name:    "ssn",
			in:      "my social is 123-45-6789 okay",
			markers: []string{"[REDACTED_SSN]"},
			kinds:   []string{"SSN"},
		},
		{
			name: "clean",
			in:   "Let's talk about my sleep schedule.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, changed := RedactPII(tc.in)
			if changed != (len(tc.markers) > 0) {
				t.Fatalf("changed = %v for %q", changed, tc.in)
			}
			if !changed && out != tc.in {
				t.Fatalf("unchanged input rewritten: %q", out)
			}
			for _, marker := range tc.markers {
				if !strings.Contains(out, marker) {
					t.Fatalf("output missing marker %q: %q", marker, out)
				}
			}
			if got := RedactedKinds(tc.in); !reflect.DeepEqual(got, tc.kinds) {
				t.Fatalf("RedactedKinds() = %v, want %v", got, tc.kinds)
			}
		})
	}
}
