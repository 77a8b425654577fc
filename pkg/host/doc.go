// Package host boots and runs mods.
//
// A Runtime owns the event bus, the execution service, the registry catalog
// and the phase graph. Boot discovers mod directories, drops mods disabled
// in the store, applies admission policy, resolves the load order and then
// loads each mod:
//
//	rt, _ := host.New(host.Options{ModsDir: "mods", Natives: natives})
//	report, err := rt.Boot(ctx)
//
// Entrypoints come in three kinds. `native:<name>` is served by a Go factory
// from a NativeCatalog. A `.star` file runs in Starlark with the builtins
// register, on, emit, phase and log. A `.wasm` file runs in its own wazero
// runtime and reaches the host only through the `modrt` import module.
//
// Every mod sees the runtime through its Scope. Listeners, registry content
// and phases added through the scope are attributed to the mod and removed
// again by UnloadMod, which also unloads the mods that require it.
//
// Tick delivers the main-thread queue and then one PhaseEvent per phase.
// Watch hot-disables mods whose directory disappears.
package host
