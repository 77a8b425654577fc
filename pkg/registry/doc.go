// Package registry provides Registry, a generic id-keyed store for content
// contributed by mods, and Catalog, the set of named registries a runtime
// exposes.
//
// Every entry records the mod that registered it, so UnregisterAll can
// remove one mod's content when it is unloaded or disabled. Mutations fire
// lifecycle events on the event bus: RegisterEvent after the fact, and the
// cancelable ReplaceEvent and UnregisterEvent before it. A listener that
// returns events.Canceled leaves the registry unchanged.
package registry
