package host

import (
	"context"

	"github.com/tessera/modrt/pkg/listeners"
)

// Instance is the runtime side of a loaded mod, created from its entrypoint.
// Hooks run on the booting goroutine, one mod at a time, in load order.
type Instance interface {
	// RegisterContent adds the mod's registry content and phases.
	RegisterContent(ctx context.Context, scope *Scope) error

	// Init runs after every mod registered its content.
	Init(ctx context.Context, scope *Scope) error
}

// Unloader is implemented by instances that release state when unloaded.
type Unloader interface {
	Unload(ctx context.Context, scope *Scope) error
}

// closer is implemented by sandboxed instances that hold an interpreter or VM.
type closer interface {
	Close(ctx context.Context) error
}

// Events dispatched by the runtime.

// ModsLoadedEvent is dispatched once at the end of a successful Boot.
type ModsLoadedEvent struct {
	// Mods lists the mods that finished loading, in load order.
	Mods []string
	// Failed lists mods that were resolved but failed to load.
	Failed []string
	BootID string
}

// ModsChangedEvent is queued for the main thread when files under the mods
// directory change.
type ModsChangedEvent struct {
	Paths []string
}

// ModUnloadedEvent is dispatched after a mod was unloaded.
type ModUnloadedEvent struct {
	ModID  string
	Reason string
}

// PhaseEvent is dispatched once per phase on every Tick.
type PhaseEvent struct {
	Phase string
	Tick  uint64
}

// ScriptEvent carries events emitted by Starlark and WASM mods.
type ScriptEvent struct {
	Name  string
	ModID string
	Data  map[string]any
}

// Unload reasons.
const (
	ReasonShutdown = "shutdown"
	ReasonRemoved  = "removed"
	ReasonFailed   = "failed"
	ReasonRequest  = "request"
)

// Funcs adapts plain functions to Instance. Nil hooks are no-ops.
type Funcs struct {
	Content   func(ctx context.Context, scope *Scope) error
	OnInit    func(ctx context.Context, scope *Scope) error
	OnUnload  func(ctx context.Context, scope *Scope) error
	Listeners []listeners.Binding
}

var (
	_ Instance         = (*Funcs)(nil)
	_ Unloader         = (*Funcs)(nil)
	_ listeners.Source = (*Funcs)(nil)
)

// RegisterContent calls f.Content.
func (f *Funcs) RegisterContent(ctx context.Context, scope *Scope) error {
	if f.Content == nil {
		return nil
	}
	return f.Content(ctx, scope)
}

// Init calls f.OnInit.
func (f *Funcs) Init(ctx context.Context, scope *Scope) error {
	if f.OnInit == nil {
		return nil
	}
	return f.OnInit(ctx, scope)
}

// Unload calls f.OnUnload.
func (f *Funcs) Unload(ctx context.Context, scope *Scope) error {
	if f.OnUnload == nil {
		return nil
	}
	return f.OnUnload(ctx, scope)
}

// ListenerBindings returns f.Listeners.
func (f *Funcs) ListenerBindings(context.Context) ([]listeners.Binding, error) {
	return f.Listeners, nil
}
