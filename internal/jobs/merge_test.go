package jobs

import "testing"

func TestMerge(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		stored   string
		incoming string
		want     string
		replaced bool
	}{
		{name: "first chunk", stored: "", incoming: "AB", want: "AB"},
		{name: "extends", stored: "AB", incoming: "ABCD", want: "ABCD"},
		{name: "resend", stored: "ABCD", incoming: "ABCD", want: "ABCD"},
		{name: "resync", stored: "ABCD", incoming: "XY", want: "XY", replaced: true},
		{name: "truncated", stored: "ABCD", incoming: "AB", want: "AB", replaced: true},
		{name: "empty incoming", stored: "ABCD", incoming: "", want: "", replaced: true},
		{name: "both empty", stored: "", incoming: "", want: ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, replaced := Merge(tc.stored, tc.incoming)
			if got != tc.want || replaced != tc.replaced {
				t.Fatalf("Merge(%q, %q) = %q, %v; want %q, %v", tc.stored, tc.incoming, got, replaced, tc.want, tc.replaced)
			}
		})
	}
}

func TestMerge_Idempotent(t *testing.T) {
	t.Parallel()

	once, _ := Merge("", "line 1\nline 2\n")
	twice, replaced := Merge(once, "line 1\nline 2\n")
	if twice != once || replaced {
		t.Fatalf("re-merge changed output: %q -> %q (replaced=%v)", once, twice, replaced)
	}
}
