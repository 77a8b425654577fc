package policy

// BuiltinPolicies returns the policies shipped with the runtime.
func BuiltinPolicies() []Policy {
	return []Policy{
		entrypointConfinementPolicy(),
		entrypointKindPolicy(),
		dependencyHygienePolicy(),
		metadataPolicy(),
	}
}

// entrypointConfinementPolicy keeps file entrypoints inside the mod directory.
func entrypointConfinementPolicy() Policy {
	return Policy{
		Name:        "entrypoint-confinement",
		Description: "Rejects entrypoints that are absolute or escape the mod directory",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Rego: `package modrt.admission.confinement

import rego.v1

file_entrypoint if {
	input.mod.kind != "native"
}

deny contains violation if {
	file_entrypoint
	startswith(input.mod.entrypoint, "/")
	violation := {
		"message": sprintf("entrypoint %q of mod %s is an absolute path", [input.mod.entrypoint, input.mod.id]),
		"severity": "critical",
	}
}

deny contains violation if {
	file_entrypoint
	regex.match("^[A-Za-z]:[\\\\/]", input.mod.entrypoint)
	violation := {
		"message": sprintf("entrypoint %q of mod %s is an absolute path", [input.mod.entrypoint, input.mod.id]),
		"severity": "critical",
	}
}

deny contains violation if {
	file_entrypoint
	some segment in regex.split("[\\\\/]", input.mod.entrypoint)
	segment == ".."
	violation := {
		"message": sprintf("entrypoint %q of mod %s escapes the mod directory", [input.mod.entrypoint, input.mod.id]),
		"severity": "critical",
	}
}
`,
	}
}

// entrypointKindPolicy restricts entrypoints to the kinds the runtime allows.
func entrypointKindPolicy() Policy {
	return Policy{
		Name:        "entrypoint-kind",
		Description: "Rejects entrypoints whose kind is unknown or not allowed by configuration",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package modrt.admission.kinds

import rego.v1

deny contains violation if {
	not input.mod.kind in data.modrt.config.allowed_kinds
	violation := {
		"message": sprintf("mod %s uses a %s entrypoint, allowed kinds are %v", [input.mod.id, input.mod.kind, data.modrt.config.allowed_kinds]),
		"severity": "error",
	}
}
`,
	}
}

// dependencyHygienePolicy catches dependency declarations that can never resolve.
func dependencyHygienePolicy() Policy {
	return Policy{
		Name:        "dependency-hygiene",
		Description: "Rejects self dependencies and warns about duplicate declarations",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package modrt.admission.dependencies

import rego.v1

deny contains violation if {
	some dep in input.mod.dependencies
	dep.id == input.mod.id
	violation := {
		"message": sprintf("mod %s depends on itself", [input.mod.id]),
		"severity": "error",
	}
}

deny contains violation if {
	some i, j
	input.mod.dependencies[i].id == input.mod.dependencies[j].id
	i < j
	violation := {
		"message": sprintf("mod %s declares dependency %s more than once", [input.mod.id, input.mod.dependencies[i].id]),
		"severity": "warning",
	}
}
`,
	}
}

// metadataPolicy reports mods that ship without descriptive metadata.
func metadataPolicy() Policy {
	return Policy{
		Name:        "mod-metadata",
		Description: "Warns about mods without a description or authors",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package modrt.admission.metadata

import rego.v1

deny contains violation if {
	input.mod.description == ""
	violation := {
		"message": sprintf("mod %s has no description", [input.mod.id]),
		"severity": "info",
	}
}

deny contains violation if {
	count(input.mod.authors) == 0
	violation := {
		"message": sprintf("mod %s lists no authors", [input.mod.id]),
		"severity": "info",
	}
}
`,
	}
}
