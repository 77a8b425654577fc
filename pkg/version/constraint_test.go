package version

import (
	"testing"

	"github.com/tessera/modrt/pkg/engine"
)

func TestParseConstraint_Matches(t *testing.T) {
	tests := []struct {
		name       string
		constraint string
		accept     []string
		reject     []string
	}{
		{
			name:       "exact",
			constraint: "1.2.3",
			accept:     []string{"1.2.3", "1.2.3+build"},
			reject:     []string{"1.2.4", "1.2.3-alpha", "1.2.2"},
		},
		{
			name:       "range",
			constraint: "[1.0.0, 2.0.0]",
			accept:     []string{"1.0.0", "1.5.0", "2.0.0"},
			reject:     []string{"0.9.9", "2.0.1"},
		},
		{
			name:       "reversed range",
			constraint: "[2.0.0, 1.0.0]",
			accept:     []string{"1.0.0", "1.5.0", "2.0.0"},
			reject:     []string{"0.9.9", "2.0.1"},
		},
		{
			name:       "pre-release range",
			constraint: "[1.0.0, 1.0.0-beta]",
			accept:     []string{"1.0.0-alpha", "1.0.0-beta", "1.0.0"},
			reject:     []string{"1.0.1", "0.9.0"},
		},
		{
			name:       "caret",
			constraint: "^1.2.0",
			accept:     []string{"1.2.0", "1.2.9", "1.9.0"},
			reject:     []string{"1.1.9", "2.0.0", "2.0.0-alpha", "1.2.0-alpha"},
		},
		{
			name:       "caret zero major",
			constraint: "^0.2.3",
			accept:     []string{"0.2.3", "0.2.9"},
			reject:     []string{"0.3.0", "0.2.2", "1.0.0"},
		},
		{
			name:       "caret zero minor",
			constraint: "^0.0.3",
			accept:     []string{"0.0.3"},
			reject:     []string{"0.0.4", "0.1.0"},
		},
		{
			name:       "tilde",
			constraint: "~1.2.3",
			accept:     []string{"1.2.3", "1.2.10"},
			reject:     []string{"1.3.0", "1.2.2", "2.0.0"},
		},
		{
			name:       "wildcard",
			constraint: "*",
			accept:     []string{"0.0.0", "1.0.0-alpha", "99.99.99"},
		},
		{
			name:       "any",
			constraint: "any",
			accept:     []string{"0.0.1", "5.0.0"},
		},
		{
			name:       "any upper case",
			constraint: "ANY",
			accept:     []string{"0.0.1", "5.0.0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseConstraint(tt.constraint)
			if err != nil {
				t.Fatalf("Expected no error parsing %q, got: %v", tt.constraint, err)
			}
			for _, v := range tt.accept {
				ok, err := Satisfies(c, v)
				if err != nil {
					t.Fatalf("Satisfies(%s) failed: %v", v, err)
				}
				if !ok {
					t.Errorf("Expected %s to match %s", v, tt.constraint)
				}
			}
			for _, v := range tt.reject {
				ok, err := Satisfies(c, v)
				if err != nil {
					t.Fatalf("Satisfies(%s) failed: %v", v, err)
				}
				if ok {
					t.Errorf("Expected %s not to match %s", v, tt.constraint)
				}
			}
		})
	}
}

func TestParseConstraint_Invalid(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"not_a_constraint",
		"[1.0.0]",
		"[1.0.0, 2.0.0",
		"[1.0.0, x]",
		"[1.0.0, 1.5.0, 2.0.0]",
		"^",
		"~1.2",
		"1.2.x",
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			c, err := ParseConstraint(input)
			if err == nil {
				t.Fatalf("Expected error for %q, got %v", input, c)
			}
			if !engine.IsParse(err) {
				t.Errorf("Expected parse error, got: %v", err)
			}
			if engine.CodeOf(err) != engine.ErrCodeInvalidConstraint {
				t.Errorf("Expected code %s, got %s", engine.ErrCodeInvalidConstraint, engine.CodeOf(err))
			}
		})
	}
}

func TestConstraint_String(t *testing.T) {
	tests := map[string]string{
		"1.2.3":            "1.2.3",
		"[2.0.0, 1.0.0]":   "[1.0.0, 2.0.0]",
		"^1.2.0":           "^1.2.0",
		"~0.3.1":           "~0.3.1",
		"Any":              "*",
		" [1.0.0,1.0.1] ":  "[1.0.0, 1.0.1]",
		"2.0.0-rc.1+build": "2.0.0-rc.1+build",
	}
	for input, want := range tests {
		if got := MustParseConstraint(input).String(); got != want {
			t.Errorf("ParseConstraint(%q).String() = %q, want %q", input, got, want)
		}
	}
}

func TestSatisfies_InvalidCandidate(t *testing.T) {
	if _, err := Satisfies(Any{}, "garbage"); err == nil {
		t.Error("Expected error for malformed candidate")
	}
}
