// Package listeners discovers the event listeners each mod contributes and
// registers them on the event bus.
//
// A mod contributes listeners by implementing Source, typically with a
// SourceFunc returning Bind/BindCancelable bindings. Scanning runs one task
// per mod on the executor's general pool; registration happens afterwards
// in the order the mods were given, so the result does not depend on which
// scan finished first.
package listeners
