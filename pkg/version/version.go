// Package version implements semantic versions and the constraint grammar
// mods use to declare compatible dependency versions.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tessera/modrt/pkg/engine"
)

// SemanticVersion is a parsed MAJOR.MINOR.PATCH[-PRERELEASE][+BUILD] version.
// Build metadata is kept for display and ignored for ordering.
type SemanticVersion struct {
	Major      uint64
	Minor      uint64
	Patch      uint64
	PreRelease []string
	Build      string
}

// Parse parses a semantic version string.
func Parse(text string) (SemanticVersion, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return SemanticVersion{}, invalidVersion(text, "version is empty")
	}

	var v SemanticVersion

	if idx := strings.Index(s, "+"); idx >= 0 {
		v.Build = s[idx+1:]
		s = s[:idx]
		if v.Build == "" {
			return SemanticVersion{}, invalidVersion(text, "build metadata is empty")
		}
	}

	if idx := strings.Index(s, "-"); idx >= 0 {
		pre := s[idx+1:]
		s = s[:idx]
		if pre == "" {
			return SemanticVersion{}, invalidVersion(text, "pre-release is empty")
		}
		v.PreRelease = strings.Split(pre, ".")
		for _, id := range v.PreRelease {
			if id == "" {
				return SemanticVersion{}, invalidVersion(text, "pre-release contains an empty identifier")
			}
		}
	}

	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return SemanticVersion{}, invalidVersion(text, "expected MAJOR.MINOR.PATCH")
	}

	components := []*uint64{&v.Major, &v.Minor, &v.Patch}
	names := []string{"major", "minor", "patch"}
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return SemanticVersion{}, invalidVersion(text, fmt.Sprintf("%s component %q is not a number", names[i], part))
		}
		*components[i] = n
	}

	return v, nil
}

// MustParse is like Parse but panics on malformed input.
// It is intended for tests and package-level constants.
func MustParse(text string) SemanticVersion {
	v, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return v
}

func invalidVersion(text, reason string) error {
	return engine.NewParseError(fmt.Sprintf("invalid version %q: %s", text, reason), nil).
		WithCode(engine.ErrCodeInvalidVersion)
}

// Compare returns -1, 0 or 1 when v is less than, equal to or greater than other.
//
// The core is compared numerically. A pre-release sorts before the same core
// without one. Two pre-release lists are compared identifier by identifier,
// lexically, so alpha.10 sorts before alpha.9. A list that is a prefix of
// the other sorts first.
func (v SemanticVersion) Compare(other SemanticVersion) int {
	if c := v.CompareCore(other); c != 0 {
		return c
	}
	return comparePreRelease(v.PreRelease, other.PreRelease)
}

// CompareCore compares only MAJOR.MINOR.PATCH.
func (v SemanticVersion) CompareCore(other SemanticVersion) int {
	if c := compareComponent(v.Major, other.Major); c != 0 {
		return c
	}
	if c := compareComponent(v.Minor, other.Minor); c != 0 {
		return c
	}
	return compareComponent(v.Patch, other.Patch)
}

func compareComponent(a, b uint64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func comparePreRelease(a, b []string) int {
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0
	case len(a) == 0:
		return 1
	case len(b) == 0:
		return -1
	}

	for i := 0; i < len(a) && i < len(b); i++ {
		if c := strings.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return compareComponent(uint64(len(a)), uint64(len(b)))
}

// Equal reports whether both versions have the same precedence.
func (v SemanticVersion) Equal(other SemanticVersion) bool {
	return v.Compare(other) == 0
}

// Less reports whether v sorts before other.
func (v SemanticVersion) Less(other SemanticVersion) bool {
	return v.Compare(other) < 0
}

// IsPreRelease reports whether the version carries pre-release identifiers.
func (v SemanticVersion) IsPreRelease() bool {
	return len(v.PreRelease) > 0
}

// Core returns the version stripped of pre-release and build metadata.
func (v SemanticVersion) Core() SemanticVersion {
	return SemanticVersion{Major: v.Major, Minor: v.Minor, Patch: v.Patch}
}

// String returns the canonical text form.
func (v SemanticVersion) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d.%d.%d", v.Major, v.Minor, v.Patch)
	if len(v.PreRelease) > 0 {
		sb.WriteString("-")
		sb.WriteString(strings.Join(v.PreRelease, "."))
	}
	if v.Build != "" {
		sb.WriteString("+")
		sb.WriteString(v.Build)
	}
	return sb.String()
}

// MarshalText implements encoding.TextMarshaler.
func (v SemanticVersion) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *SemanticVersion) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
