package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/tessera/modrt/pkg/mods"
)

// hostModuleName is the import module WASM mods link against.
const hostModuleName = "modrt"

// Exports a WASM mod may provide. modrt_init is required.
const (
	wasmInitExport   = "modrt_init"
	wasmUnloadExport = "modrt_unload"
)

// emitPayload is the JSON document passed to the emit host function.
type emitPayload struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// wasmMod runs a WASM entrypoint in its own wazero runtime. The mod can
// only reach the host through the modrt module and WASI.
type wasmMod struct {
	modID   string
	timeout time.Duration
	logger  zerolog.Logger

	runtime  wazero.Runtime
	module   api.Module
	initFn   api.Function
	unloadFn api.Function

	// callMu serializes calls; a module instance is single-threaded.
	callMu sync.Mutex

	scopeMu sync.RWMutex
	scope   *Scope
}

var (
	_ Instance = (*wasmMod)(nil)
	_ Unloader = (*wasmMod)(nil)
	_ closer   = (*wasmMod)(nil)
)

func newWasmMod(ctx context.Context, mod mods.Mod, file string, timeout time.Duration, memoryLimitPages uint32, logger zerolog.Logger) (*wasmMod, error) {
	code, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}

	m := &wasmMod{
		modID:   mod.ID(),
		timeout: timeout,
		logger:  logger.With().Str("entrypoint", "wasm").Logger(),
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memoryLimitPages).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	_, err = rt.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().WithFunc(m.hostLog).Export("log").
		NewFunctionBuilder().WithFunc(m.hostEmit).Export("emit").
		Instantiate(ctx)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	moduleConfig := wazero.NewModuleConfig().
		WithName(mod.ID()).
		WithStdout(m.logger).
		WithStderr(m.logger)

	module, err := rt.InstantiateWithConfig(ctx, code, moduleConfig)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	initFn := module.ExportedFunction(wasmInitExport)
	if initFn == nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("WASM module does not export %s", wasmInitExport)
	}
	if err := checkHookSignature(initFn); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	unloadFn := module.ExportedFunction(wasmUnloadExport)
	if unloadFn != nil {
		if err := checkHookSignature(unloadFn); err != nil {
			_ = rt.Close(ctx)
			return nil, err
		}
	}

	m.runtime = rt
	m.module = module
	m.initFn = initFn
	m.unloadFn = unloadFn
	return m, nil
}

// checkHookSignature accepts `() -> ()` and `() -> i32`.
func checkHookSignature(fn api.Function) error {
	def := fn.Definition()
	results := def.ResultTypes()
	if len(def.ParamTypes()) != 0 || len(results) > 1 || (len(results) == 1 && results[0] != api.ValueTypeI32) {
		return fmt.Errorf("export %s must have signature () or () -> i32", def.Name())
	}
	return nil
}

func (m *wasmMod) setScope(scope *Scope) {
	m.scopeMu.Lock()
	m.scope = scope
	m.scopeMu.Unlock()
}

func (m *wasmMod) currentScope() *Scope {
	m.scopeMu.RLock()
	defer m.scopeMu.RUnlock()
	return m.scope
}

// call invokes a hook export. A non-zero i32 result is an error.
func (m *wasmMod) call(ctx context.Context, fn api.Function) error {
	m.callMu.Lock()
	defer m.callMu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	results, err := fn.Call(callCtx)
	if err != nil {
		return fmt.Errorf("%s failed: %w", fn.Definition().Name(), err)
	}
	if len(results) == 1 {
		if status := api.DecodeI32(results[0]); status != 0 {
			return fmt.Errorf("%s returned status %d", fn.Definition().Name(), status)
		}
	}
	return nil
}

// RegisterContent binds the scope; WASM mods register content from modrt_init.
func (m *wasmMod) RegisterContent(_ context.Context, scope *Scope) error {
	m.setScope(scope)
	return nil
}

// Init calls modrt_init.
func (m *wasmMod) Init(ctx context.Context, scope *Scope) error {
	m.setScope(scope)
	return m.call(ctx, m.initFn)
}

// Unload calls modrt_unload when exported.
func (m *wasmMod) Unload(ctx context.Context, _ *Scope) error {
	defer m.setScope(nil)
	if m.unloadFn == nil {
		return nil
	}
	return m.call(ctx, m.unloadFn)
}

// Close releases the runtime and everything instantiated in it.
func (m *wasmMod) Close(ctx context.Context) error {
	m.callMu.Lock()
	defer m.callMu.Unlock()
	return m.runtime.Close(ctx)
}

// hostLog implements modrt.log(ptr, len).
func (m *wasmMod) hostLog(_ context.Context, mod api.Module, ptr, length uint32) {
	msg, ok := mod.Memory().Read(ptr, length)
	if !ok {
		m.logger.Warn().Uint32("ptr", ptr).Uint32("len", length).Msg("log called with out of range memory")
		return
	}
	m.logger.Info().Msg(string(msg))
}

// hostEmit implements modrt.emit(ptr, len). The memory holds an emitPayload.
func (m *wasmMod) hostEmit(ctx context.Context, mod api.Module, ptr, length uint32) {
	raw, ok := mod.Memory().Read(ptr, length)
	if !ok {
		m.logger.Warn().Uint32("ptr", ptr).Uint32("len", length).Msg("emit called with out of range memory")
		return
	}

	var payload emitPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		m.logger.Warn().Err(err).Msg("emit payload is not valid JSON")
		return
	}

	scope := m.currentScope()
	if scope == nil {
		m.logger.Warn().Str("event", payload.Event).Msg("emit called before the mod was bound")
		return
	}

	if _, err := scope.Emit(ctx, payload.Event, payload.Data); err != nil {
		m.logger.Warn().Err(err).Str("event", payload.Event).Msg("emit failed")
	}
}
