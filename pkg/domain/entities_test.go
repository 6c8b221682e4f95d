package domain

import "testing"

func TestFinalCountDerivation(t *testing.T) {
	cases := []struct {
		name    string
		auto    int
		added   int
		removed int
		want    int
	}{
		{name: "no corrections", auto: 42, want: 42},
		{name: "adds and removes", auto: 42, added: 2, removed: 3, want: 41},
		{name: "clamped at zero", auto: 0, removed: 3, want: 0},
		{name: "removed exceeds auto", auto: 1, removed: 5, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ImageRecord{
				Detection:     &Detection{Count: tc.auto},
				ManualAdded:   make([]Colony, tc.added),
				ManualRemoved: make([]Colony, tc.removed),
			}
			if got := rec.FinalCount(); got != tc.want {
				t.Fatalf("final count = %d, want %d", got, tc.want)
			}
			// idempotent read
			if got := rec.FinalCount(); got != tc.want {
				t.Fatalf("repeated final count = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestFinalCountWithoutDetection(t *testing.T) {
	rec := ImageRecord{ManualAdded: make([]Colony, 2)}
	if got := rec.AutoCount(); got != 0 {
		t.Fatalf("auto count = %d, want 0", got)
	}
	if got := rec.FinalCount(); got != 2 {
		t.Fatalf("final count = %d, want 2", got)
	}
}
