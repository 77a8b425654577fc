// Package policy decides which discovered mods the runtime may load, using
// Open Policy Agent Rego policies.
//
// Each policy is a Rego module with a deny set. The engine evaluates every
// enabled policy once per mod with input of the form
//
//	{"mod": {"id": ..., "entrypoint": ..., "kind": ..., "dependencies": [...]},
//	 "context": {"environment": ..., "mod_ids": [...]}}
//
// and data.modrt.config.allowed_kinds holding the configured entrypoint
// kinds. A deny entry is either a message string or an object with
// "message" and "severity". Violations of severity error or critical
// reject the mod; lower severities are logged as warnings.
//
// Built-in policies:
//
//   - entrypoint-confinement: file entrypoints must be relative and stay
//     inside the mod directory
//   - entrypoint-kind: the entrypoint kind must be allowed
//   - dependency-hygiene: no self dependencies, no duplicate declarations
//   - mod-metadata: informational notes about missing description or authors
//
// Custom policies are loaded from .rego files or YAML bundles (see Loader)
// and can be reloaded on change with WatchPolicies:
//
//	eng, err := policy.NewEngine(logger, policy.Options{})
//	if err := eng.LoadPolicies(ctx, []string{"policies"}); err != nil {
//	    return err
//	}
//	result, err := eng.Admit(ctx, discovered)
package policy
