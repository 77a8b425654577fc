package policy

import (
	"time"

	"github.com/tessera/modrt/pkg/mods"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are logged but do not block a mod.
	SeverityWarning Severity = "warning"

	// SeverityError rejects the mod.
	SeverityError Severity = "error"

	// SeverityCritical rejects the mod.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects a mod.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set produces violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is used for violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the runtime.
	Builtin bool `json:"builtin"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny result for a mod.
type Violation struct {
	Policy   string   `json:"policy"`
	ModID    string   `json:"mod_id"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// ModInput is the document a policy sees as input.mod.
type ModInput struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	PreRelease   bool              `json:"prerelease"`
	Entrypoint   string            `json:"entrypoint"`
	Kind         string            `json:"kind"`
	Path         string            `json:"path"`
	Description  string            `json:"description"`
	LoadPriority string            `json:"load_priority"`
	Authors      []string          `json:"authors"`
	Dependencies []DependencyInput `json:"dependencies"`
}

// DependencyInput is one entry of input.mod.dependencies.
type DependencyInput struct {
	ID         string `json:"id"`
	Constraint string `json:"constraint"`
	Optional   bool   `json:"optional"`
}

// AdmissionInput is the full policy input.
type AdmissionInput struct {
	Mod     ModInput         `json:"mod"`
	Context AdmissionContext `json:"context"`
}

// AdmissionContext describes the runtime doing the admission.
type AdmissionContext struct {
	Environment string    `json:"environment,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	// ModIDs lists every discovered mod, so policies can check dependencies.
	ModIDs []string `json:"mod_ids"`
}

// NewModInput converts a mod into policy input.
func NewModInput(m mods.Mod) ModInput {
	md := m.Metadata
	deps := make([]DependencyInput, 0, len(md.Dependencies))
	for _, d := range md.Dependencies {
		c := "*"
		if d.Constraint != nil {
			c = d.Constraint.String()
		}
		deps = append(deps, DependencyInput{ID: d.ModID, Constraint: c, Optional: d.Optional})
	}
	authors := md.Authors
	if authors == nil {
		authors = []string{}
	}
	return ModInput{
		ID:           md.ID,
		Name:         md.DisplayName(),
		Version:      md.Version.String(),
		PreRelease:   md.Version.IsPreRelease(),
		Entrypoint:   md.Entrypoint,
		Kind:         m.Kind(),
		Path:         m.Path,
		Description:  md.Description,
		LoadPriority: md.LoadPriority.String(),
		Authors:      authors,
		Dependencies: deps,
	}
}

// Decision is the admission verdict for one mod.
type Decision struct {
	ModID      string      `json:"mod_id"`
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
	// Warnings holds non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`
	// Errors lists policies that failed to evaluate for this mod.
	Errors []string `json:"errors,omitempty"`
}

// AdmissionResult is the outcome of admitting a set of mods.
type AdmissionResult struct {
	Admitted  []mods.Mod
	Rejected  []Decision
	Decisions map[string]Decision
	Duration  time.Duration
}
