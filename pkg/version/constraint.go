package version

import (
	"fmt"
	"strings"

	"github.com/tessera/modrt/pkg/engine"
)

// Constraint decides whether a version is acceptable to a dependent mod.
//
// Supported forms:
//   - "1.2.3"          exact version
//   - "[1.0.0, 2.0.0]" inclusive range, bounds in either order
//   - "^1.2.3"         compatible with 1.2.3 (>= 1.2.3, < 2.0.0)
//   - "~1.2.3"         approximately 1.2.3 (>= 1.2.3, < 1.3.0)
//   - "*" or "any"     every version
type Constraint interface {
	// Matches reports whether the version satisfies the constraint.
	Matches(v SemanticVersion) bool

	// String returns the constraint in its textual form.
	String() string
}

// Exact matches a single version. Build metadata is ignored.
type Exact struct {
	Version SemanticVersion
}

// Matches implements Constraint.
func (c Exact) Matches(v SemanticVersion) bool {
	return v.Compare(c.Version) == 0
}

func (c Exact) String() string {
	return c.Version.String()
}

// Range matches every version whose core lies between Low and High inclusive.
// Bounds are compared on MAJOR.MINOR.PATCH, so [1.0.0, 1.0.0-beta] admits
// 1.0.0-alpha, 1.0.0-beta and 1.0.0 alike.
type Range struct {
	Low  SemanticVersion
	High SemanticVersion
}

// NewRange creates a range, swapping the bounds if they are given in reverse.
func NewRange(a, b SemanticVersion) Range {
	if a.Compare(b) > 0 {
		a, b = b, a
	}
	return Range{Low: a, High: b}
}

// Matches implements Constraint.
func (c Range) Matches(v SemanticVersion) bool {
	low, high := c.Low, c.High
	if low.Compare(high) > 0 {
		low, high = high, low
	}
	return v.CompareCore(low) >= 0 && v.CompareCore(high) <= 0
}

func (c Range) String() string {
	return fmt.Sprintf("[%s, %s]", c.Low, c.High)
}

// Caret matches versions that do not change the left-most non-zero component:
// ^1.2.3 is [1.2.3, 2.0.0), ^0.2.3 is [0.2.3, 0.3.0), ^0.0.3 is [0.0.3, 0.0.4).
type Caret struct {
	Version SemanticVersion
}

// Matches implements Constraint.
func (c Caret) Matches(v SemanticVersion) bool {
	if v.Compare(c.Version) < 0 {
		return false
	}

	base := c.Version
	var upper SemanticVersion
	switch {
	case base.Major > 0:
		upper = SemanticVersion{Major: base.Major + 1}
	case base.Minor > 0:
		upper = SemanticVersion{Minor: base.Minor + 1}
	default:
		upper = SemanticVersion{Patch: base.Patch + 1}
	}
	return v.CompareCore(upper) < 0
}

func (c Caret) String() string {
	return "^" + c.Version.String()
}

// Tilde matches patch-level changes: ~1.2.3 is [1.2.3, 1.3.0).
type Tilde struct {
	Version SemanticVersion
}

// Matches implements Constraint.
func (c Tilde) Matches(v SemanticVersion) bool {
	if v.Compare(c.Version) < 0 {
		return false
	}
	upper := SemanticVersion{Major: c.Version.Major, Minor: c.Version.Minor + 1}
	return v.CompareCore(upper) < 0
}

func (c Tilde) String() string {
	return "~" + c.Version.String()
}

// Any matches every version.
type Any struct{}

// Matches implements Constraint.
func (Any) Matches(SemanticVersion) bool {
	return true
}

func (Any) String() string {
	return "*"
}

// ParseConstraint parses a constraint expression.
func ParseConstraint(text string) (Constraint, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil, invalidConstraint(text, "constraint is blank", nil)
	}

	if s == "*" || strings.EqualFold(s, "any") {
		return Any{}, nil
	}

	switch {
	case strings.HasPrefix(s, "["):
		if !strings.HasSuffix(s, "]") {
			return nil, invalidConstraint(text, "range is missing closing bracket", nil)
		}
		bounds := strings.Split(s[1:len(s)-1], ",")
		if len(bounds) != 2 {
			return nil, invalidConstraint(text, "range needs exactly two bounds", nil)
		}
		low, err := Parse(bounds[0])
		if err != nil {
			return nil, invalidConstraint(text, "invalid lower bound", err)
		}
		high, err := Parse(bounds[1])
		if err != nil {
			return nil, invalidConstraint(text, "invalid upper bound", err)
		}
		return NewRange(low, high), nil

	case strings.HasPrefix(s, "^"):
		v, err := Parse(s[1:])
		if err != nil {
			return nil, invalidConstraint(text, "invalid caret version", err)
		}
		return Caret{Version: v}, nil

	case strings.HasPrefix(s, "~"):
		v, err := Parse(s[1:])
		if err != nil {
			return nil, invalidConstraint(text, "invalid tilde version", err)
		}
		return Tilde{Version: v}, nil
	}

	v, err := Parse(s)
	if err != nil {
		return nil, invalidConstraint(text, "unrecognized syntax", err)
	}
	return Exact{Version: v}, nil
}

// MustParseConstraint is like ParseConstraint but panics on malformed input.
func MustParseConstraint(text string) Constraint {
	c, err := ParseConstraint(text)
	if err != nil {
		panic(err)
	}
	return c
}

// Satisfies parses candidate and reports whether it satisfies c.
func Satisfies(c Constraint, candidate string) (bool, error) {
	v, err := Parse(candidate)
	if err != nil {
		return false, err
	}
	return c.Matches(v), nil
}

func invalidConstraint(text, reason string, err error) error {
	return engine.NewParseError(fmt.Sprintf("invalid version constraint %q: %s", text, reason), err).
		WithCode(engine.ErrCodeInvalidConstraint)
}
