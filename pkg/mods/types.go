package mods

import (
	"fmt"
	"strings"

	"github.com/tessera/modrt/pkg/version"
)

// LoadPriority is a coarse ordering hint used to break ties between mods
// that have no dependency relationship.
type LoadPriority int

const (
	// PriorityLow loads after other independent mods.
	PriorityLow LoadPriority = 1

	// PriorityNormal is the default.
	PriorityNormal LoadPriority = 2

	// PriorityHigh loads before other independent mods.
	PriorityHigh LoadPriority = 3
)

// Weight returns the numeric weight used by the resolver. Higher loads first.
func (p LoadPriority) Weight() int {
	return int(p)
}

func (p LoadPriority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("LoadPriority(%d)", int(p))
	}
}

// ParseLoadPriority parses "high", "normal" or "low". An empty string yields normal.
func ParseLoadPriority(s string) (LoadPriority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown load priority %q", s)
	}
}

// ModDependency declares that a mod needs another mod in a compatible version.
type ModDependency struct {
	ModID      string
	Constraint version.Constraint
	Optional   bool
}

// ModMetadata is the immutable description of a mod, read once from its manifest.
type ModMetadata struct {
	ID           string
	Name         string
	Version      version.SemanticVersion
	Entrypoint   string
	Description  string
	Dependencies []ModDependency
	LoadPriority LoadPriority
	Authors      []string
}

// DisplayName returns Name, falling back to ID.
func (m *ModMetadata) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

func (m *ModMetadata) String() string {
	return fmt.Sprintf("%s@%s", m.ID, m.Version)
}

// Mod pairs metadata with the directory the mod is installed in.
type Mod struct {
	Metadata *ModMetadata
	Path     string
}

// ID is shorthand for Metadata.ID.
func (m Mod) ID() string {
	return m.Metadata.ID
}

// Entrypoint kinds understood by the runtime.
const (
	KindNative   = "native"
	KindStarlark = "starlark"
	KindWasm     = "wasm"
	KindUnknown  = "unknown"
)

// NativePrefix marks entrypoints served by a compiled-in Go factory.
const NativePrefix = "native:"

// EntrypointKind classifies an entrypoint by prefix or file extension.
func EntrypointKind(entrypoint string) string {
	switch {
	case strings.HasPrefix(entrypoint, NativePrefix):
		return KindNative
	case strings.HasSuffix(entrypoint, ".star"):
		return KindStarlark
	case strings.HasSuffix(entrypoint, ".wasm"):
		return KindWasm
	default:
		return KindUnknown
	}
}

// Kind returns the entrypoint kind of the mod.
func (m Mod) Kind() string {
	return EntrypointKind(m.Metadata.Entrypoint)
}
