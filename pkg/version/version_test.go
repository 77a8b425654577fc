package version

import (
	"testing"

	"github.com/tessera/modrt/pkg/engine"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    SemanticVersion
		wantErr bool
	}{
		{name: "core", input: "1.2.3", want: SemanticVersion{Major: 1, Minor: 2, Patch: 3}},
		{name: "whitespace", input: "  0.10.0 ", want: SemanticVersion{Minor: 10}},
		{name: "pre-release", input: "1.0.0-alpha.1", want: SemanticVersion{Major: 1, PreRelease: []string{"alpha", "1"}}},
		{name: "build", input: "1.0.0+20240101", want: SemanticVersion{Major: 1, Build: "20240101"}},
		{name: "pre-release and build", input: "2.0.0-rc.1+sha.abc", want: SemanticVersion{Major: 2, PreRelease: []string{"rc", "1"}, Build: "sha.abc"}},
		{name: "empty", input: "", wantErr: true},
		{name: "blank", input: "   ", wantErr: true},
		{name: "two components", input: "1.2", wantErr: true},
		{name: "four components", input: "1.2.3.4", wantErr: true},
		{name: "non-numeric major", input: "x.2.3", wantErr: true},
		{name: "negative", input: "1.-2.3", wantErr: true},
		{name: "empty pre-release", input: "1.2.3-", wantErr: true},
		{name: "empty identifier", input: "1.2.3-alpha..1", wantErr: true},
		{name: "empty build", input: "1.2.3+", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error for %q, got %v", tt.input, got)
				}
				if !engine.IsParse(err) {
					t.Errorf("Expected parse error, got: %v", err)
				}
				if engine.CodeOf(err) != engine.ErrCodeInvalidVersion {
					t.Errorf("Expected code %s, got %s", engine.ErrCodeInvalidVersion, engine.CodeOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if got.String() != tt.want.String() {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "2.0.0", -1},
		{"1.10.0", "1.9.0", 1},
		{"1.0.10", "1.0.9", 1},
		{"1.0.0-alpha", "1.0.0-beta", -1},
		{"1.0.0-alpha", "1.0.0", -1},
		{"1.0.0-beta", "1.0.0", -1},
		{"1.0.0", "1.0.0-rc.1", 1},
		{"1.0.0-alpha", "1.0.0-alpha.1", -1},
		{"1.0.0-alpha.2", "1.0.0-alpha.10", 1},
		{"1.0.0-alpha.10", "1.0.0-alpha.9", -1},
		{"1.0.0-alpha.beta", "1.0.0-alpha.1", 1},
		{"1.0.0+build.1", "1.0.0+build.2", 0},
		{"0.9.9", "1.0.0-alpha", -1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			got := MustParse(tt.a).Compare(MustParse(tt.b))
			if got != tt.want {
				t.Errorf("Compare(%s, %s) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
			if back := MustParse(tt.b).Compare(MustParse(tt.a)); back != -tt.want {
				t.Errorf("Compare(%s, %s) = %d, want %d", tt.b, tt.a, back, -tt.want)
			}
		})
	}
}

func TestString_RoundTrip(t *testing.T) {
	for _, s := range []string{"1.2.3", "0.0.1-alpha.1", "3.0.0-rc.2+exp.sha.5114f85"} {
		if got := MustParse(s).String(); got != s {
			t.Errorf("Expected %s, got %s", s, got)
		}
	}
}

func TestUnmarshalText(t *testing.T) {
	var v SemanticVersion
	if err := v.UnmarshalText([]byte("4.5.6-beta")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if v.Major != 4 || v.Minor != 5 || v.Patch != 6 || !v.IsPreRelease() {
		t.Errorf("Unexpected version %+v", v)
	}
	if err := v.UnmarshalText([]byte("bad")); err == nil {
		t.Error("Expected error for malformed text")
	}
}

func TestMustParse_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected MustParse to panic")
		}
	}()
	MustParse("not.a.version")
}
