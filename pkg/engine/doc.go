// Package engine provides the shared building blocks of the modrt runtime.
//
// # Error Taxonomy
//
// Every component reports failures through *Error, which carries a class,
// an optional code and the mod and operation involved:
//
//   - dependency: the mod set cannot be ordered (missing, mismatched, cyclic)
//   - parse: a version, constraint or manifest is malformed
//   - registry: a registry mutation was rejected (duplicate or missing id)
//   - state: an operation was invoked on a shut down component
//   - policy: an admission policy rejected a mod
//   - internal: anything else
//
// Dependency errors are fatal to startup. Everything else is local to the
// caller. Use errors.Is with a template error to match on class and code:
//
//	if errors.Is(err, &engine.Error{Class: engine.ErrorClassDependency, Code: engine.ErrCodeCyclicDependency}) {
//	    ...
//	}
//
// # Phase Graph
//
// PhaseGraph orders abstract phases (game stages, pipeline steps) by their
// dependencies. It is validated on every mutation, so an edge that would close
// a cycle is rejected and leaves the graph untouched:
//
//	g := engine.NewPhaseGraph[string]()
//	_ = g.AddDependency("deal", "setup")
//	_ = g.AddDependency("play", "deal")
//	order, _ := g.ExecutionOrder() // [setup deal play]
package engine
