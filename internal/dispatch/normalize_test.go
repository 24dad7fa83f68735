package dispatch

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"plain words", "hello world", "hello world "},
		{"interior runs collapse", "hello    there\tworld", "hello there world "},
		{"leading whitespace stripped", "   hello", "hello "},
		{"newlines collapse", "first line\nsecond line\n\nthird", "first line second line third "},
		{"trailing run becomes one space", "done   ", "done "},
		{"empty stays empty", "", ""},
		{"whitespace-only becomes empty", " \t\n ", ""},
		{"single word", "ok", "ok "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.in); got != tc.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"hello world",
		"  spaced   out\ttext\n",
		"",
		"one ",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Fatalf("not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}
