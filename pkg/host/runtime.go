package host

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tessera/modrt/pkg/engine"
	"github.com/tessera/modrt/pkg/events"
	"github.com/tessera/modrt/pkg/executor"
	"github.com/tessera/modrt/pkg/listeners"
	"github.com/tessera/modrt/pkg/mods"
	"github.com/tessera/modrt/pkg/policy"
	"github.com/tessera/modrt/pkg/registry"
	"github.com/tessera/modrt/pkg/stores"
	"github.com/tessera/modrt/pkg/telemetry"
)

const (
	DefaultScriptTimeout        = 5 * time.Second
	DefaultWasmMemoryLimitPages = 256 // 16MB
	DefaultWatchDebounce        = 500 * time.Millisecond
)

// Boot stages recorded on failures.
const (
	StageDiscover        = "discover"
	StageInstantiate     = "instantiate"
	StageListeners       = "listeners"
	StageRegisterContent = "register_content"
	StageInit            = "init"
	StagePersist         = "persist"
)

// Options configures a Runtime.
type Options struct {
	// ModsDir holds one subdirectory per installed mod. Required.
	ModsDir string

	// Natives serves `native:` entrypoints. Optional.
	Natives *NativeCatalog

	// Policy admits or rejects discovered mods. Optional.
	Policy *policy.Engine

	// Store filters disabled mods and records the load order. Optional.
	Store stores.Store

	// Telemetry defaults to telemetry.Nop().
	Telemetry *telemetry.Telemetry

	Executor executor.Config

	ScriptTimeout        time.Duration
	WasmMemoryLimitPages uint32
	WatchDebounce        time.Duration
}

// Failure records a mod that was discovered or resolved but did not load.
type Failure struct {
	ModID string
	Stage string
	Err   error
}

// BootReport summarizes a Boot.
type BootReport struct {
	Discovered int
	Disabled   []string
	Rejected   []policy.Decision

	// Order is the resolved load order.
	Order []string
	// Loaded lists the mods that finished loading, in load order.
	Loaded    []string
	Failures  []Failure
	Listeners int

	// Boot is the persisted boot record, nil without a store.
	Boot     *stores.Boot
	Duration time.Duration
}

// Failed reports whether modID failed at any stage.
func (r *BootReport) Failed(modID string) bool {
	for _, f := range r.Failures {
		if f.ModID == modID {
			return true
		}
	}
	return false
}

func (r *BootReport) failedIDs() []string {
	ids := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		if f.ModID != "" {
			ids = append(ids, f.ModID)
		}
	}
	return ids
}

type runtimeState int

const (
	stateNew runtimeState = iota
	stateBooting
	stateRunning
	stateShutdown
)

type loadedMod struct {
	mod      mods.Mod
	instance Instance
	scope    *Scope
}

// Runtime is the context object a set of mods runs in. It owns the event
// bus, the execution service, the registry catalog and the phase graph.
type Runtime struct {
	opts   Options
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	exec     *executor.Service
	bus      *events.Bus
	catalog  *registry.Catalog
	phases   *engine.PhaseGraph[string]
	scanner  *listeners.Scanner
	loader   *mods.ManifestLoader
	resolver *mods.Resolver

	mu     sync.RWMutex
	state  runtimeState
	order  []string
	loaded map[string]*loadedMod

	phaseMu     sync.Mutex
	phaseOwners map[string]string

	ticks atomic.Uint64
}

// New creates a runtime. Nothing is loaded until Boot.
func New(opts Options) (*Runtime, error) {
	if opts.ModsDir == "" {
		return nil, engine.NewStateError("mods directory is required", nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation("new_runtime")
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop()
	}
	if opts.ScriptTimeout <= 0 {
		opts.ScriptTimeout = DefaultScriptTimeout
	}
	if opts.WasmMemoryLimitPages == 0 {
		opts.WasmMemoryLimitPages = DefaultWasmMemoryLimitPages
	}
	if opts.WatchDebounce <= 0 {
		opts.WatchDebounce = DefaultWatchDebounce
	}
	if err := opts.Executor.Validate(); err != nil {
		return nil, fmt.Errorf("invalid executor configuration: %w", err)
	}

	loader, err := mods.NewManifestLoader()
	if err != nil {
		return nil, err
	}

	tel := opts.Telemetry
	logger := tel.Logger

	exec := executor.NewService(opts.Executor, logger, executor.WithMetrics(tel.Metrics))
	bus := events.NewBus(
		events.WithLogger(logger),
		events.WithMetrics(tel.Metrics),
		events.WithExecutor(exec),
	)

	return &Runtime{
		opts:        opts,
		tel:         tel,
		logger:      telemetry.ComponentLogger(logger, "runtime"),
		exec:        exec,
		bus:         bus,
		catalog:     registry.NewCatalog(bus, logger, tel.Metrics),
		phases:      engine.NewPhaseGraph[string](),
		scanner:     listeners.NewScanner(bus, exec, logger),
		loader:      loader,
		resolver:    mods.NewResolver(logger),
		loaded:      make(map[string]*loadedMod),
		phaseOwners: make(map[string]string),
	}, nil
}

// Bus returns the event bus.
func (r *Runtime) Bus() *events.Bus { return r.bus }

// Catalog returns the registry catalog.
func (r *Runtime) Catalog() *registry.Catalog { return r.catalog }

// Executor returns the execution service.
func (r *Runtime) Executor() *executor.Service { return r.exec }

// Phases returns the phase graph ticked by Tick.
func (r *Runtime) Phases() *engine.PhaseGraph[string] { return r.phases }

// ModsDir returns the directory mods are discovered in.
func (r *Runtime) ModsDir() string { return r.opts.ModsDir }

// Loaded returns the loaded mods in load order.
func (r *Runtime) Loaded() []mods.Mod {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mods.Mod, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.loaded[id].mod)
	}
	return out
}

// IsLoaded reports whether modID is loaded.
func (r *Runtime) IsLoaded(modID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loaded[modID]
	return ok
}

// Boot discovers, admits, resolves and loads the mods in ModsDir, then
// dispatches ModsLoadedEvent. Resolution and other structural errors are
// returned and leave nothing loaded. A mod that fails to instantiate or
// whose hooks fail is logged, unloaded and reported, and so are the mods
// that require it; the rest of the boot continues.
func (r *Runtime) Boot(ctx context.Context) (*BootReport, error) {
	r.mu.Lock()
	if r.state != stateNew {
		r.mu.Unlock()
		return nil, engine.NewStateError("runtime was already booted", nil).
			WithOperation("boot")
	}
	r.state = stateBooting
	r.mu.Unlock()

	start := time.Now()
	ctx, span := r.tel.Tracer.StartBootSpan(ctx, r.opts.ModsDir)
	report, err := r.boot(ctx)
	telemetry.EndSpan(span, err)

	r.mu.Lock()
	if err != nil {
		r.state = stateNew
		r.mu.Unlock()
		r.logger.Error().Err(err).Msg("Boot failed")
		return nil, err
	}
	r.state = stateRunning
	r.mu.Unlock()

	report.Duration = time.Since(start)
	r.logger.Info().
		Int("loaded", len(report.Loaded)).
		Int("failed", len(report.Failures)).
		Int("listeners", report.Listeners).
		Dur("duration", report.Duration).
		Msg("Boot complete")

	bootID := ""
	if report.Boot != nil {
		bootID = report.Boot.ID
	}
	if _, err := r.bus.Dispatch(ctx, ModsLoadedEvent{
		Mods:   report.Loaded,
		Failed: report.failedIDs(),
		BootID: bootID,
	}); err != nil {
		r.logger.Warn().Err(err).Msg("ModsLoadedEvent not delivered")
	}

	return report, nil
}

func (r *Runtime) boot(ctx context.Context) (*BootReport, error) {
	report := &BootReport{}

	candidates, err := r.discover(report)
	if err != nil {
		return nil, err
	}

	candidates, err = r.dropDisabled(ctx, candidates, report)
	if err != nil {
		return nil, err
	}

	candidates, err = r.admit(ctx, candidates, report)
	if err != nil {
		return nil, err
	}

	order, err := r.resolve(ctx, candidates)
	if err != nil {
		return nil, err
	}
	for _, m := range order {
		report.Order = append(report.Order, m.ID())
	}

	failed := make(map[string]bool)
	fail := func(lm *loadedMod, mod mods.Mod, stage string, err error) {
		r.logger.Error().Err(err).Str("mod", mod.ID()).Str("stage", stage).Msg("Mod failed to load")
		report.Failures = append(report.Failures, Failure{ModID: mod.ID(), Stage: stage, Err: err})
		failed[mod.ID()] = true
		if lm != nil {
			r.teardown(context.WithoutCancel(ctx), lm, false)
		}
	}

	// Instantiate in load order.
	instances := make([]*loadedMod, 0, len(order))
	for _, mod := range order {
		if err := ctx.Err(); err != nil {
			r.abort(ctx, instances, failed)
			return nil, err
		}
		if dep, ok := failedDependency(mod, failed); ok {
			fail(nil, mod, StageInstantiate, dependencyFailed(mod, dep))
			continue
		}
		inst, err := r.instantiate(ctx, mod)
		if err != nil {
			fail(nil, mod, StageInstantiate, err)
			continue
		}
		instances = append(instances, &loadedMod{mod: mod, instance: inst, scope: newScope(r, mod)})
	}

	// Collect listeners in parallel; registration follows load order.
	sources := make([]listeners.ModSource, len(instances))
	for i, lm := range instances {
		src, _ := lm.instance.(listeners.Source)
		sources[i] = listeners.ModSource{ModID: lm.mod.ID(), Source: src}
	}
	scan, err := r.scanner.ScanAndRegister(ctx, sources)
	if err != nil {
		r.abort(ctx, instances, failed)
		return nil, err
	}
	for _, f := range scan.Failures {
		lm := findLoaded(instances, f.ModID)
		if lm == nil || failed[f.ModID] {
			continue
		}
		fail(lm, lm.mod, StageListeners, f.Err)
	}

	// Lifecycle hooks, one mod at a time.
	var loaded []*loadedMod
	for _, lm := range instances {
		if failed[lm.mod.ID()] {
			continue
		}
		if err := ctx.Err(); err != nil {
			r.abort(ctx, instances, failed)
			return nil, err
		}
		if dep, ok := failedDependency(lm.mod, failed); ok {
			fail(lm, lm.mod, StageRegisterContent, dependencyFailed(lm.mod, dep))
			continue
		}
		if err := r.runHook(ctx, lm, StageRegisterContent, lm.instance.RegisterContent); err != nil {
			fail(lm, lm.mod, StageRegisterContent, err)
			continue
		}
		if err := r.runHook(ctx, lm, StageInit, lm.instance.Init); err != nil {
			fail(lm, lm.mod, StageInit, err)
			continue
		}

		r.mu.Lock()
		r.loaded[lm.mod.ID()] = lm
		r.order = append(r.order, lm.mod.ID())
		n := len(r.order)
		r.mu.Unlock()

		r.tel.Metrics.SetModsLoaded(n)
		loaded = append(loaded, lm)
		report.Loaded = append(report.Loaded, lm.mod.ID())
	}

	report.Listeners = r.bus.ListenerCount()

	if r.opts.Store != nil {
		loadedMods := make([]mods.Mod, len(loaded))
		for i, lm := range loaded {
			loadedMods[i] = lm.mod
		}
		boot, err := r.opts.Store.RecordLoadOrder(ctx, loadedMods)
		if err != nil {
			r.logger.Error().Err(err).Msg("Failed to persist load order")
			report.Failures = append(report.Failures, Failure{Stage: StagePersist, Err: err})
		} else {
			report.Boot = boot
		}
	}

	return report, nil
}

func (r *Runtime) discover(report *BootReport) ([]mods.Mod, error) {
	discovery, err := mods.NewDiscoverer(r.loader, r.logger).Discover(r.opts.ModsDir)
	if err != nil {
		return nil, engine.NewParseError("mod discovery failed", err).
			WithOperation("discover").
			WithDetail("mods_dir", r.opts.ModsDir)
	}

	report.Discovered = len(discovery.Mods)
	for _, f := range discovery.Failures {
		report.Failures = append(report.Failures, Failure{
			ModID: filepath.Base(f.Path),
			Stage: StageDiscover,
			Err:   f.Err,
		})
	}

	r.logger.Info().
		Int("mods", len(discovery.Mods)).
		Int("invalid", len(discovery.Failures)).
		Str("mods_dir", r.opts.ModsDir).
		Msg("Mods discovered")
	return discovery.Mods, nil
}

func (r *Runtime) dropDisabled(ctx context.Context, candidates []mods.Mod, report *BootReport) ([]mods.Mod, error) {
	if r.opts.Store == nil {
		return candidates, nil
	}

	disabled, err := r.opts.Store.DisabledIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read disabled mods: %w", err)
	}

	kept := make([]mods.Mod, 0, len(candidates))
	for _, m := range candidates {
		if slices.Contains(disabled, m.ID()) {
			r.logger.Info().Str("mod", m.ID()).Msg("Mod is disabled, skipping")
			report.Disabled = append(report.Disabled, m.ID())
			continue
		}
		kept = append(kept, m)
	}
	return kept, nil
}

func (r *Runtime) admit(ctx context.Context, candidates []mods.Mod, report *BootReport) ([]mods.Mod, error) {
	if r.opts.Policy == nil {
		return candidates, nil
	}

	result, err := r.opts.Policy.Admit(ctx, candidates)
	if err != nil {
		return nil, err
	}

	report.Rejected = result.Rejected
	for _, d := range result.Rejected {
		ev := r.logger.Warn().Str("mod", d.ModID)
		for _, v := range d.Violations {
			ev = ev.Str(v.Policy, v.Message)
		}
		ev.Msg("Mod rejected by admission policy")
	}
	return result.Admitted, nil
}

func (r *Runtime) resolve(ctx context.Context, candidates []mods.Mod) ([]mods.Mod, error) {
	_, span := r.tel.Tracer.StartResolveSpan(ctx, len(candidates))
	start := time.Now()

	order, err := r.resolver.ResolveLoadOrder(candidates)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	r.tel.Metrics.RecordResolution(outcome, time.Since(start))
	telemetry.EndSpan(span, err)
	return order, err
}

// instantiate creates the entrypoint instance for mod.
func (r *Runtime) instantiate(ctx context.Context, mod mods.Mod) (inst Instance, err error) {
	kind := mod.Kind()
	ctx, span := r.tel.Tracer.StartModSpan(ctx, "instantiate", mod.ID(), kind)
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		r.tel.Metrics.RecordModLoad(mod.ID(), kind, outcome, time.Since(start))
		telemetry.EndSpan(span, err)
	}()

	logger := telemetry.ModLogger(r.logger, mod.ID())

	switch kind {
	case mods.KindNative:
		return r.opts.Natives.instantiate(mod)
	case mods.KindStarlark:
		file, err := entrypointFile(mod)
		if err != nil {
			return nil, err
		}
		return newStarlarkMod(ctx, mod, file, r.opts.ScriptTimeout, logger)
	case mods.KindWasm:
		file, err := entrypointFile(mod)
		if err != nil {
			return nil, err
		}
		return newWasmMod(ctx, mod, file, r.opts.ScriptTimeout, r.opts.WasmMemoryLimitPages, logger)
	default:
		return nil, engine.NewParseError(fmt.Sprintf("unsupported entrypoint %q", mod.Metadata.Entrypoint), nil).
			WithCode(engine.ErrCodeValidation).
			WithMod(mod.ID()).
			WithOperation("instantiate")
	}
}

// entrypointFile resolves a file entrypoint inside the mod directory.
func entrypointFile(mod mods.Mod) (string, error) {
	entry := mod.Metadata.Entrypoint
	if filepath.IsAbs(entry) {
		return "", engine.NewParseError(fmt.Sprintf("entrypoint %q must be relative", entry), nil).
			WithCode(engine.ErrCodeValidation).
			WithMod(mod.ID())
	}
	file := filepath.Join(mod.Path, entry)
	rel, err := filepath.Rel(mod.Path, file)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", engine.NewParseError(fmt.Sprintf("entrypoint %q escapes the mod directory", entry), nil).
			WithCode(engine.ErrCodeValidation).
			WithMod(mod.ID())
	}
	return file, nil
}

// runHook runs one lifecycle hook, converting a panic into an error.
func (r *Runtime) runHook(ctx context.Context, lm *loadedMod, stage string, hook func(context.Context, *Scope) error) (err error) {
	ctx, span := r.tel.Tracer.StartModSpan(ctx, stage, lm.mod.ID(), lm.mod.Kind())
	defer func() {
		if p := recover(); p != nil {
			err = engine.NewInternalError(fmt.Sprintf("%s hook panicked: %v", stage, p), nil).
				WithMod(lm.mod.ID()).
				WithOperation(stage)
		}
		telemetry.EndSpan(span, err)
	}()
	return hook(ctx, lm.scope)
}

// teardown removes everything lm added and releases its instance. The
// unload hook runs only for mods that finished Init.
func (r *Runtime) teardown(ctx context.Context, lm *loadedMod, runUnloadHook bool) {
	modID := lm.mod.ID()
	logger := r.logger.With().Str("mod", modID).Logger()

	if u, ok := lm.instance.(Unloader); ok && runUnloadHook {
		if err := r.runHook(ctx, lm, "unload", u.Unload); err != nil {
			logger.Error().Err(err).Msg("Unload hook failed")
		}
	}

	if n, err := r.bus.UnregisterMod(modID); err != nil {
		logger.Warn().Err(err).Msg("Failed to unregister listeners")
	} else if n > 0 {
		logger.Debug().Int("listeners", n).Msg("Listeners unregistered")
	}

	if n, err := r.catalog.UnregisterMod(ctx, modID); err != nil {
		logger.Warn().Err(err).Int("removed", n).Msg("Failed to remove all registry content")
	} else if n > 0 {
		logger.Debug().Int("entries", n).Msg("Registry content removed")
	}
	// A listener may have canceled some removals; the owner is gone either way.
	for name, ids := range r.catalog.PurgeMod(modID) {
		logger.Warn().Str("registry", name).Strs("entries", ids).Msg("Purged content kept by a canceled unregister")
	}

	r.removeOwnedPhases(modID)

	if c, ok := lm.instance.(closer); ok {
		if err := c.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to close mod instance")
		}
	}
}

// abort tears down every instance created by an interrupted boot. Mods in
// failed were already torn down.
func (r *Runtime) abort(ctx context.Context, instances []*loadedMod, failed map[string]bool) {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	r.order = nil
	r.loaded = make(map[string]*loadedMod)
	r.mu.Unlock()

	for i := len(instances) - 1; i >= 0; i-- {
		if failed[instances[i].mod.ID()] {
			continue
		}
		r.teardown(ctx, instances[i], false)
	}
	r.tel.Metrics.SetModsLoaded(0)
}

// UnloadMod unloads modID and every loaded mod that requires it, dependents
// first. It returns the ids unloaded, in unload order.
func (r *Runtime) UnloadMod(ctx context.Context, modID string) ([]string, error) {
	return r.unloadCascade(ctx, modID, ReasonRequest)
}

func (r *Runtime) unloadCascade(ctx context.Context, modID, reason string) ([]string, error) {
	r.mu.Lock()
	switch r.state {
	case stateRunning:
	case stateShutdown:
		r.mu.Unlock()
		return nil, engine.ErrShutdown("runtime", "unload mod").WithMod(modID)
	default:
		r.mu.Unlock()
		return nil, engine.NewStateError("runtime is not running", nil).
			WithMod(modID).
			WithOperation("unload mod")
	}
	if _, ok := r.loaded[modID]; !ok {
		r.mu.Unlock()
		return nil, engine.NewStateError(fmt.Sprintf("mod %s is not loaded", modID), nil).
			WithCode(engine.ErrCodeNotFound).
			WithMod(modID).
			WithOperation("unload")
	}

	// Dependents always load after what they require, so one forward pass
	// over the load order collects the whole closure.
	doomed := map[string]bool{modID: true}
	var victims []*loadedMod
	for _, id := range r.order {
		lm := r.loaded[id]
		if !doomed[id] {
			if _, ok := failedDependency(lm.mod, doomed); !ok {
				continue
			}
			doomed[id] = true
		}
		victims = append(victims, lm)
	}

	r.order = slices.DeleteFunc(r.order, func(id string) bool { return doomed[id] })
	for id := range doomed {
		delete(r.loaded, id)
	}
	remaining := len(r.order)
	r.mu.Unlock()

	unloaded := make([]string, 0, len(victims))
	for i := len(victims) - 1; i >= 0; i-- {
		lm := victims[i]
		r.unloadOne(ctx, lm, reason)
		unloaded = append(unloaded, lm.mod.ID())
	}

	r.tel.Metrics.SetModsLoaded(remaining)
	return unloaded, nil
}

func (r *Runtime) unloadOne(ctx context.Context, lm *loadedMod, reason string) {
	ctx, span := r.tel.Tracer.StartModSpan(ctx, "unload", lm.mod.ID(), lm.mod.Kind())
	r.teardown(ctx, lm, true)
	telemetry.EndSpan(span, nil)

	r.logger.Info().Str("mod", lm.mod.ID()).Str("reason", reason).Msg("Mod unloaded")

	if _, err := r.bus.Dispatch(ctx, ModUnloadedEvent{ModID: lm.mod.ID(), Reason: reason}); err != nil {
		r.logger.Debug().Err(err).Msg("ModUnloadedEvent not delivered")
	}
}

// Tick delivers the events queued for the main thread, then dispatches a
// PhaseEvent for every phase in execution order. It returns the number of
// queued events delivered.
func (r *Runtime) Tick(ctx context.Context) (int, error) {
	r.mu.RLock()
	running := r.state == stateRunning
	r.mu.RUnlock()
	if !running {
		return 0, engine.NewStateError("runtime is not running", nil).WithOperation("tick")
	}

	drained, err := r.bus.DrainMainThread(ctx)
	if err != nil {
		return drained, err
	}

	order, err := r.phases.ExecutionOrder()
	if err != nil {
		return drained, err
	}

	tick := r.ticks.Add(1)
	for _, phase := range order {
		if _, err := r.bus.Dispatch(ctx, PhaseEvent{Phase: phase, Tick: tick}); err != nil {
			return drained, err
		}
	}
	return drained, nil
}

// Run calls Tick every interval on the calling goroutine until ctx ends.
func (r *Runtime) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Shutdown unloads every mod in reverse load order, then shuts down the
// bus and the execution service. Calling it again is a no-op.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.state == stateShutdown {
		r.mu.Unlock()
		return nil
	}
	r.state = stateShutdown
	victims := make([]*loadedMod, 0, len(r.order))
	for _, id := range r.order {
		victims = append(victims, r.loaded[id])
	}
	r.order = nil
	r.loaded = make(map[string]*loadedMod)
	r.mu.Unlock()

	for i := len(victims) - 1; i >= 0; i-- {
		r.unloadOne(ctx, victims[i], ReasonShutdown)
	}
	r.tel.Metrics.SetModsLoaded(0)

	var errs []error
	if err := r.bus.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("event bus: %w", err))
	}
	if err := r.exec.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("executor: %w", err))
	}

	r.logger.Info().Int("unloaded", len(victims)).Msg("Runtime shut down")
	return errors.Join(errs...)
}

func (r *Runtime) addPhase(modID, name string, after []string) error {
	r.phaseMu.Lock()
	defer r.phaseMu.Unlock()

	var created []string
	for _, p := range append([]string{name}, after...) {
		if !r.phases.Contains(p) {
			created = append(created, p)
		}
	}

	// All edges are kept or none are.
	if err := r.phases.AddDependencies(name, after...); err != nil {
		return fmt.Errorf("mod %s: %w", modID, err)
	}

	for _, p := range created {
		r.phaseOwners[p] = modID
	}
	return nil
}

func (r *Runtime) removeOwnedPhases(modID string) {
	r.phaseMu.Lock()
	defer r.phaseMu.Unlock()

	for phase, owner := range r.phaseOwners {
		if owner == modID {
			r.phases.RemovePhase(phase)
			delete(r.phaseOwners, phase)
		}
	}
}

// failedDependency returns the first required dependency of mod in failed.
func failedDependency(mod mods.Mod, failed map[string]bool) (string, bool) {
	for _, dep := range mod.Metadata.Dependencies {
		if !dep.Optional && failed[dep.ModID] {
			return dep.ModID, true
		}
	}
	return "", false
}

func dependencyFailed(mod mods.Mod, dep string) error {
	return engine.NewDependencyError(fmt.Sprintf("required dependency %s failed to load", dep), nil).
		WithCode(engine.ErrCodeMissingDependency).
		WithMod(mod.ID())
}

func findLoaded(instances []*loadedMod, modID string) *loadedMod {
	for _, lm := range instances {
		if lm.mod.ID() == modID {
			return lm
		}
	}
	return nil
}
