package module

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"modkit/internal/eventbus"
	"modkit/internal/messaging"
	"modkit/internal/storage"
	logx "modkit/pkg/logx"
)

// Kernel-to-host lifecycle events published by the loader.
const (
	// EventModulesReady fires exactly once per AutoLoad call, after every
	// candidate is processed. Payload: {"context": ..., "loaded_count": ...}.
	EventModulesReady = "modules:ready"

	// EventModuleLoaded fires after one candidate is registered.
	EventModuleLoaded = "module:loaded"

	// EventModuleFailed fires when a candidate's construction or init fails.
	EventModuleFailed = "module:init_failed"
)

// Factory constructs a fresh, unwired module instance.
// Registration is explicit and happens at startup; there is no runtime
// path-based resolution.
type Factory func() Module

// Loader translates the registered candidate list into live,
// context-appropriate, initialized module instances.
//
// One loader exists per execution context. A broken or absent candidate can
// never prevent the remaining candidates from loading.
type Loader struct {
	log     logx.Logger
	bus     *eventbus.Bus
	store   storage.Store
	channel messaging.Channel

	mu        sync.Mutex
	context   string
	order     []string
	factories map[string]Factory
	perms     map[string]Allowed
	defaults  map[string]json.RawMessage
	loaded    map[string]Module
}

func NewLoader(bus *eventbus.Bus, store storage.Store, channel messaging.Channel, log logx.Logger) *Loader {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loader{
		log:       log,
		bus:       bus,
		store:     store,
		channel:   channel,
		factories: map[string]Factory{},
		perms:     map[string]Allowed{},
		defaults:  map[string]json.RawMessage{},
		loaded:    map[string]Module{},
	}
}

// SetContext binds the loader to its execution context. Must be called
// before AutoLoad.
func (l *Loader) SetContext(name string) {
	l.mu.Lock()
	l.context = name
	l.mu.Unlock()
}

// Context returns the bound execution context ("" while unbound).
func (l *Loader) Context() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.context
}

// Register adds a candidate. Candidate order is registration order. With an
// empty name, the name is derived from the factory's concrete type
// (DeriveName). Re-registering a name replaces its factory in place.
func (l *Loader) Register(name string, f Factory) {
	if f == nil {
		return
	}
	if name == "" {
		name = DeriveName(f())
	}
	if name == "" {
		return
	}
	l.mu.Lock()
	if _, ok := l.factories[name]; !ok {
		l.order = append(l.order, name)
	}
	l.factories[name] = f
	l.mu.Unlock()
}

// Configure installs the permission entry and settings defaults for a
// candidate. Candidates never configured default to all contexts and no
// defaults.
func (l *Loader) Configure(name string, allowed Allowed, defaults json.RawMessage) {
	if name == "" {
		return
	}
	l.mu.Lock()
	l.perms[name] = allowed
	if len(defaults) > 0 {
		l.defaults[name] = defaults
	} else {
		delete(l.defaults, name)
	}
	l.mu.Unlock()
}

// AutoLoad runs the per-candidate sub-flow (resolve, gate, construct, init,
// register) strictly sequentially over all registered candidates, then
// publishes EventModulesReady. Failures are contained per candidate; the
// call itself never fails. Returns the number of modules loaded.
func (l *Loader) AutoLoad(ctx context.Context) int {
	l.mu.Lock()
	execCtx := l.context
	names := append([]string(nil), l.order...)
	l.mu.Unlock()

	if execCtx == "" {
		l.log.Warn("auto-load without a bound context; nothing loaded")
		return 0
	}

	loaded := 0
	for _, name := range names {
		if l.loadOne(ctx, execCtx, name) {
			loaded++
		}
	}

	l.log.Info("modules ready",
		logx.String("context", execCtx),
		logx.Int("loaded", loaded),
		logx.Int("candidates", len(names)),
	)
	if l.bus != nil {
		l.bus.Emit(ctx, EventModulesReady, eventbus.Payload{
			"context":      execCtx,
			"loaded_count": loaded,
		})
	}
	return loaded
}

func (l *Loader) loadOne(ctx context.Context, execCtx, name string) bool {
	// Resolve: a registered nil-producing factory is absence, not an error.
	l.mu.Lock()
	f := l.factories[name]
	allowed := l.perms[name] // zero value permits all contexts
	defaults := l.defaults[name]
	l.mu.Unlock()

	if f == nil {
		l.log.Debug("module not resolvable; skipping", logx.String("module", name))
		return false
	}

	// Gate: context permission table.
	if !allowed.Contains(execCtx) {
		l.log.Debug("module not permitted in context; skipping",
			logx.String("module", name),
			logx.String("context", execCtx),
		)
		return false
	}

	// Construct.
	m, err := l.safeConstruct(name, f)
	if err != nil {
		l.failOne(ctx, execCtx, name, "construct", err)
		return false
	}
	if m == nil {
		l.log.Debug("module factory returned nothing; skipping", logx.String("module", name))
		return false
	}

	if br, ok := m.(interface {
		InitBase(deps Deps, name string)
	}); ok {
		br.InitBase(Deps{
			Bus:      l.bus,
			Context:  execCtx,
			Loader:   l,
			Store:    l.store,
			Channel:  l.channel,
			Log:      l.log,
			Defaults: defaults,
		}, name)
	}

	// Init: an exception here fails only this candidate.
	if err := l.safeInit(ctx, name, m); err != nil {
		l.failOne(ctx, execCtx, name, "init", err)
		return false
	}

	// Register: loader-side and bus-side registries, together, as the last
	// step of a successful load.
	l.mu.Lock()
	l.loaded[name] = m
	l.mu.Unlock()
	if l.bus != nil {
		l.bus.RegisterModule(name, m)
	}

	l.log.Debug("module loaded", logx.String("module", name), logx.String("context", execCtx))
	if l.bus != nil {
		l.bus.Emit(ctx, EventModuleLoaded, eventbus.Payload{
			"module":  name,
			"context": execCtx,
		})
	}
	return true
}

func (l *Loader) failOne(ctx context.Context, execCtx, name, stage string, err error) {
	l.log.Error("module load failed",
		logx.String("module", name),
		logx.String("stage", stage),
		logx.Err(err),
	)
	if l.bus != nil {
		l.bus.Emit(ctx, EventModuleFailed, eventbus.Payload{
			"module":  name,
			"context": execCtx,
			"stage":   stage,
			"err":     err.Error(),
		})
	}
}

func (l *Loader) safeConstruct(name string, f Factory) (m Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic constructing module",
				logx.String("module", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			m = nil
			err = fmt.Errorf("panic constructing %s: %v", name, r)
		}
	}()
	return f(), nil
}

func (l *Loader) safeInit(ctx context.Context, name string, m Module) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic in module init",
				logx.String("module", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s init: %v", name, r)
		}
	}()
	return m.Init(ctx)
}

// ModuleByName returns the loaded instance, or nil.
func (l *Loader) ModuleByName(name string) Module {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded[name]
}

// Modules returns a snapshot of all currently loaded instances.
func (l *Loader) Modules() map[string]Module {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Module, len(l.loaded))
	for name, m := range l.loaded {
		out[name] = m
	}
	return out
}

// CleanupAll runs Cleanup on every loaded module (panic-contained) and
// clears the loader-side registry. Host teardown path; the bus-side
// registry keeps its entries, matching the "no unregister" contract.
func (l *Loader) CleanupAll() {
	l.mu.Lock()
	names := append([]string(nil), l.order...)
	mods := l.loaded
	l.loaded = map[string]Module{}
	l.mu.Unlock()

	for _, name := range names {
		m := mods[name]
		if m == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.log.Error("panic in module cleanup",
						logx.String("module", name),
						logx.Any("panic", r),
					)
				}
			}()
			m.Cleanup()
		}()
	}
}
