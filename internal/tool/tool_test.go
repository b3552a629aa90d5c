package tool

import "testing"

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"get_weather", "get_weather"},
		{"get-weather", "get_weather"},
		{"get weather", "get_weather"},
		{"café", "caf__"},
		{"$lookup", "$lookup"},
		{"3d_render", "_3d_render"},
		{"", "_"},
		{"a.b.c", "a_b_c"},
		{"UPPER", "UPPER"},
	}
	for _, tc := range cases {
		if got := SanitizeName(tc.in); got != tc.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeNameIdempotent(t *testing.T) {
	inputs := []string{"get-weather", "3cats", "", "weird name!", "ok_name", "日本語"}
	for _, in := range inputs {
		once := SanitizeName(in)
		twice := SanitizeName(once)
		if once != twice {
			t.Errorf("SanitizeName not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestQualifySplit(t *testing.T) {
	q := Qualify("github", "create_issue")
	if q != "github__create_issue" {
		t.Fatalf("Qualify = %q", q)
	}
	ns, name, ok := SplitQualified(q)
	if !ok || ns != "github" || name != "create_issue" {
		t.Fatalf("SplitQualified(%q) = %q, %q, %v", q, ns, name, ok)
	}
	if _, _, ok := SplitQualified("unqualified"); ok {
		t.Error("SplitQualified should report missing delimiter")
	}
}
