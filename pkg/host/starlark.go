package host

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/tessera/modrt/pkg/events"
	"github.com/tessera/modrt/pkg/listeners"
	"github.com/tessera/modrt/pkg/mods"
)

// Content is a registry element contributed by a scripted mod.
type Content struct {
	Kind   string
	ID     string
	ModID  string
	Fields map[string]any
}

// Script event names bound to runtime events; any other name in on()
// listens for ScriptEvents of that name.
const (
	scriptEventModsLoaded  = "mods_loaded"
	scriptEventModsChanged = "mods_changed"
	scriptEventModUnloaded = "mod_unloaded"
	scriptEventPhase       = "phase"
)

// scriptCancel is returned by a listener to cancel the event.
const scriptCancel = "cancel"

const threadContextKey = "modrt.context"

// starlarkMod runs a Starlark entrypoint. The file is executed once at
// instantiation; its globals are frozen afterwards so listeners can be
// called from any goroutine.
type starlarkMod struct {
	modID   string
	file    string
	timeout time.Duration
	logger  zerolog.Logger

	globals starlark.StringDict

	mu       sync.Mutex
	scope    *Scope
	pending  []func(ctx context.Context, scope *Scope) error
	bindings []listeners.Binding
}

var (
	_ Instance         = (*starlarkMod)(nil)
	_ Unloader         = (*starlarkMod)(nil)
	_ listeners.Source = (*starlarkMod)(nil)
)

func newStarlarkMod(ctx context.Context, mod mods.Mod, file string, timeout time.Duration, logger zerolog.Logger) (*starlarkMod, error) {
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	m := &starlarkMod{
		modID:   mod.ID(),
		file:    file,
		timeout: timeout,
		logger:  logger.With().Str("entrypoint", "starlark").Logger(),
	}

	predeclared := starlark.StringDict{
		"struct":   starlarkstruct.Default,
		"register": starlark.NewBuiltin("register", m.builtinRegister),
		"on":       starlark.NewBuiltin("on", m.builtinOn),
		"emit":     starlark.NewBuiltin("emit", m.builtinEmit),
		"phase":    starlark.NewBuiltin("phase", m.builtinPhase),
		"log":      starlark.NewBuiltin("log", m.builtinLog),
		"MOD_ID":   starlark.String(mod.ID()),
		"CANCEL":   starlark.String(scriptCancel),
	}

	var globals starlark.StringDict
	err = m.withThread(ctx, "load", func(thread *starlark.Thread) error {
		var execErr error
		globals, execErr = starlark.ExecFile(thread, file, src, predeclared)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("script %s failed: %w", mod.Metadata.Entrypoint, err)
	}

	globals.Freeze()
	m.globals = globals
	return m, nil
}

// withThread runs fn on a fresh thread that is canceled when the timeout
// elapses or ctx ends.
func (m *starlarkMod) withThread(ctx context.Context, name string, fn func(thread *starlark.Thread) error) error {
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: m.modID + ":" + name,
		Print: func(_ *starlark.Thread, msg string) {
			m.logger.Debug().Msg(msg)
		},
	}
	thread.SetLocal(threadContextKey, callCtx)

	stop := context.AfterFunc(callCtx, func() {
		thread.Cancel(callCtx.Err().Error())
	})
	defer stop()

	return fn(thread)
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(threadContextKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// callGlobal calls the top-level function name if the script defines one.
func (m *starlarkMod) callGlobal(ctx context.Context, name string) error {
	fn, ok := m.globals[name].(starlark.Callable)
	if !ok {
		return nil
	}
	return m.withThread(ctx, name, func(thread *starlark.Thread) error {
		_, err := starlark.Call(thread, fn, nil, nil)
		return err
	})
}

func (m *starlarkMod) currentScope() *Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scope
}

// RegisterContent applies the register() and phase() calls made while the
// file loaded, then calls register_content() if defined.
func (m *starlarkMod) RegisterContent(ctx context.Context, scope *Scope) error {
	m.mu.Lock()
	m.scope = scope
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, apply := range pending {
		if err := apply(ctx, scope); err != nil {
			return err
		}
	}
	return m.callGlobal(ctx, "register_content")
}

// Init calls init() if defined.
func (m *starlarkMod) Init(ctx context.Context, _ *Scope) error {
	return m.callGlobal(ctx, "init")
}

// Unload calls unload() if defined.
func (m *starlarkMod) Unload(ctx context.Context, _ *Scope) error {
	err := m.callGlobal(ctx, "unload")

	m.mu.Lock()
	m.scope = nil
	m.mu.Unlock()
	return err
}

// ListenerBindings returns the listeners declared with on() at load time.
func (m *starlarkMod) ListenerBindings(context.Context) ([]listeners.Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]listeners.Binding(nil), m.bindings...), nil
}

// register(kind, id, **fields)
func (m *starlarkMod) builtinRegister(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var kind, id string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 2, &kind, &id); err != nil {
		return nil, err
	}
	fields, err := kwargsToMap(kwargs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	apply := func(ctx context.Context, scope *Scope) error {
		_, err := Register(ctx, scope, kind, id, Content{Kind: kind, ID: id, ModID: m.modID, Fields: fields})
		return err
	}
	return starlark.None, m.applyOrDefer(thread, apply)
}

// phase(name, after=[])
func (m *starlarkMod) builtinPhase(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var afterValue starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "after?", &afterValue); err != nil {
		return nil, err
	}
	after, err := stringList(afterValue)
	if err != nil {
		return nil, fmt.Errorf("%s: after: %w", b.Name(), err)
	}

	apply := func(_ context.Context, scope *Scope) error {
		return scope.AddPhase(name, after...)
	}
	return starlark.None, m.applyOrDefer(thread, apply)
}

// applyOrDefer runs apply now when the mod has a scope, otherwise queues
// it for RegisterContent.
func (m *starlarkMod) applyOrDefer(thread *starlark.Thread, apply func(context.Context, *Scope) error) error {
	m.mu.Lock()
	scope := m.scope
	if scope == nil {
		m.pending = append(m.pending, apply)
	}
	m.mu.Unlock()

	if scope == nil {
		return nil
	}
	return apply(threadContext(thread), scope)
}

// on(event, fn, priority="normal")
func (m *starlarkMod) builtinOn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var event string
	var fn starlark.Callable
	priorityName := "normal"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "event", &event, "fn", &fn, "priority?", &priorityName); err != nil {
		return nil, err
	}
	priority, err := events.ParsePriority(priorityName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	binding := m.binding(event, fn, priority)

	scope := m.currentScope()
	if scope == nil {
		m.mu.Lock()
		m.bindings = append(m.bindings, binding)
		m.mu.Unlock()
		return starlark.None, nil
	}

	if _, err := scope.Bus().RegisterListener(m.modID, binding.EventType, binding.Priority, binding.Listener); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

// emit(event, **data) returns True when a listener canceled the event.
func (m *starlarkMod) builtinEmit(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 1, &name); err != nil {
		return nil, err
	}
	data, err := kwargsToMap(kwargs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	scope := m.currentScope()
	if scope == nil {
		return nil, fmt.Errorf("%s: not available while the script loads", b.Name())
	}

	outcome, err := scope.Emit(threadContext(thread), name, data)
	if err != nil {
		return nil, err
	}
	return starlark.Bool(outcome == events.Canceled), nil
}

// log(msg)
func (m *starlarkMod) builtinLog(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg); err != nil {
		return nil, err
	}
	m.logger.Info().Msg(msg)
	return starlark.None, nil
}

// binding adapts a script listener to the Go event it names.
func (m *starlarkMod) binding(event string, fn starlark.Callable, priority events.Priority) listeners.Binding {
	call := func(ctx context.Context, data map[string]any) (events.Outcome, error) {
		return m.callListener(ctx, event, fn, data)
	}

	switch event {
	case scriptEventModsLoaded:
		return listeners.BindCancelable(priority, func(ctx context.Context, e ModsLoadedEvent) (events.Outcome, error) {
			return call(ctx, map[string]any{"mods": e.Mods, "failed": e.Failed, "boot_id": e.BootID})
		})
	case scriptEventModsChanged:
		return listeners.BindCancelable(priority, func(ctx context.Context, e ModsChangedEvent) (events.Outcome, error) {
			return call(ctx, map[string]any{"paths": e.Paths})
		})
	case scriptEventModUnloaded:
		return listeners.BindCancelable(priority, func(ctx context.Context, e ModUnloadedEvent) (events.Outcome, error) {
			return call(ctx, map[string]any{"mod_id": e.ModID, "reason": e.Reason})
		})
	case scriptEventPhase:
		return listeners.BindCancelable(priority, func(ctx context.Context, e PhaseEvent) (events.Outcome, error) {
			return call(ctx, map[string]any{"phase": e.Phase, "tick": e.Tick})
		})
	default:
		return listeners.BindCancelable(priority, func(ctx context.Context, e ScriptEvent) (events.Outcome, error) {
			if e.Name != event {
				return events.Proceed, nil
			}
			data := make(map[string]any, len(e.Data)+1)
			for k, v := range e.Data {
				data[k] = v
			}
			data["source"] = e.ModID
			return call(ctx, data)
		})
	}
}

func (m *starlarkMod) callListener(ctx context.Context, event string, fn starlark.Callable, data map[string]any) (events.Outcome, error) {
	arg, err := toStarlark(data)
	if err != nil {
		return events.Proceed, fmt.Errorf("event %s: %w", event, err)
	}

	var result starlark.Value
	err = m.withThread(ctx, "on:"+event, func(thread *starlark.Thread) error {
		var callErr error
		result, callErr = starlark.Call(thread, fn, starlark.Tuple{arg}, nil)
		return callErr
	})
	if err != nil {
		return events.Proceed, err
	}

	if s, ok := starlark.AsString(result); ok && s == scriptCancel {
		return events.Canceled, nil
	}
	return events.Proceed, nil
}
