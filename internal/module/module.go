package module

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"sync"
	"time"

	"modkit/internal/eventbus"
	"modkit/internal/messaging"
	"modkit/internal/storage"
	logx "modkit/pkg/logx"
)

// Execution contexts a host may run. Module instances are created once per
// context; cross-context coordination happens only via the messaging channel
// or the shared store.
const (
	ContextBackground = "background"
	ContextContent    = "content"
	ContextPopup      = "popup"
)

// Module is the lifecycle contract every feature module implements.
//
// Embedding Base satisfies all three methods; modules typically override
// Init (calling Base.Init to keep the settings-loading behavior) and add
// their own subscriptions via Listen.
type Module interface {
	Name() string
	Init(ctx context.Context) error
	Cleanup()
}

// Deps is what the loader injects into every module at construction time.
type Deps struct {
	Bus     *eventbus.Bus
	Context string
	Loader  *Loader
	Store   storage.Store     // may be nil (storage disabled)
	Channel messaging.Channel // may be nil (no messaging in this host)
	Log     logx.Logger

	// Defaults is the module's raw settings block from host config; merged
	// beneath persisted settings on LoadSettings.
	Defaults json.RawMessage
}

// Base is a small helper to make writing modules faster and safer.
// Typical usage:
//
//	type Module struct { module.Base }
//	func New() *Module { return &Module{} }
//	func (m *Module) Init(ctx context.Context) error {
//		if err := m.Base.Init(ctx); err != nil {
//			return err
//		}
//		m.Listen("some:event", m.onEvent)
//		return nil
//	}
type Base struct {
	Log logx.Logger

	name string
	deps Deps

	mu        sync.Mutex
	enabled   bool
	listeners []func()
	settings  map[string]any
}

// InitBase wires deps + logger. Called by the loader before Init; the name
// is the loader's registration name for this module.
func (b *Base) InitBase(deps Deps, name string) {
	b.deps = deps
	b.name = name
	b.enabled = true
	b.settings = map[string]any{}
	if !deps.Log.IsZero() {
		b.Log = deps.Log.With(logx.String("module", name))
	} else {
		b.Log = logx.Nop().With(logx.String("module", name))
	}
}

func (b *Base) Name() string { return b.name }

// Context returns the execution context this instance is bound to.
func (b *Base) Context() string { return b.deps.Context }

// IsContext reports whether this instance runs in the named context.
func (b *Base) IsContext(name string) bool { return b.deps.Context == name }

// Enabled is a module-local flag (default true). The loader does not consult
// it; it is an extension point for module-level feature toggles.
func (b *Base) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

func (b *Base) SetEnabled(v bool) {
	b.mu.Lock()
	b.enabled = v
	b.mu.Unlock()
}

// Init is the default initialization: load persisted settings and report
// ready. Modules that override Init should call it (or LoadSettings) to
// preserve the settings-loading behavior.
func (b *Base) Init(ctx context.Context) error {
	b.LoadSettings(ctx)
	return nil
}

// Listen subscribes to the bus with this module's name as owner label and
// records the unsubscribe token for bulk Cleanup. This is the required
// subscription entry point: bypassing it (calling Bus().On directly) leaks
// the subscription past Cleanup.
func (b *Base) Listen(event string, h eventbus.Handler) {
	if b.deps.Bus == nil || h == nil {
		return
	}
	unsub := b.deps.Bus.On(event, h, b.name)
	b.mu.Lock()
	b.listeners = append(b.listeners, unsub)
	b.mu.Unlock()
}

// Emit publishes via the bus after stamping the payload with source and
// context, so every event carries provenance.
func (b *Base) Emit(ctx context.Context, event string, p eventbus.Payload) []any {
	if b.deps.Bus == nil {
		return nil
	}
	stamped := make(eventbus.Payload, len(p)+2)
	for k, v := range p {
		stamped[k] = v
	}
	stamped["source"] = b.name
	stamped["context"] = b.deps.Context
	return b.deps.Bus.Emit(ctx, event, stamped)
}

// Cleanup runs every recorded unsubscribe token and clears the listener
// list. This is the only teardown path for subscriptions.
func (b *Base) Cleanup() {
	b.mu.Lock()
	unsubs := b.listeners
	b.listeners = nil
	b.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// Bus exposes the injected event bus for cases Listen/Emit don't cover
// (diagnostics, registry lookups).
func (b *Base) Bus() *eventbus.Bus { return b.deps.Bus }

// ModuleByName consults the loader registry, letting one module reach
// another only by name, never by direct reference.
func (b *Base) ModuleByName(name string) Module {
	if b.deps.Loader == nil {
		return nil
	}
	return b.deps.Loader.ModuleByName(name)
}

// SendMessage delegates to the host's inter-context messaging channel,
// stamping source/context. Failures (including absence of a receiver) are
// swallowed: the caller gets a nil response, never an error.
func (b *Base) SendMessage(ctx context.Context, typ string, data map[string]any) *messaging.Response {
	if b.deps.Channel == nil {
		return nil
	}
	msg := messaging.NewMessage(typ, b.name, b.deps.Context, data)
	resp, err := b.deps.Channel.Send(ctx, msg)
	if err != nil {
		b.Log.Debug("message send failed", logx.String("type", typ), logx.Err(err))
		return nil
	}
	return resp
}

// Debounce returns a wrapper that invokes fn only once calls stop arriving
// for wait. A single wrapper serializes all calls through one pending timer;
// each call resets it. wait <= 0 defaults to 300ms.
func (b *Base) Debounce(fn func(), wait time.Duration) func() {
	if fn == nil {
		return func() {}
	}
	if wait <= 0 {
		wait = 300 * time.Millisecond
	}
	var mu sync.Mutex
	var timer *time.Timer
	return func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(wait, fn)
	}
}

// DeriveName derives a stable module name from the concrete type: the type
// name, lower-cased, with any trailing "Module" stripped. A pointer is
// dereferenced first.
func DeriveName(m any) string {
	if m == nil {
		return ""
	}
	t := reflect.TypeOf(m)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if name != "Module" {
		name = strings.TrimSuffix(name, "Module")
	}
	if name == "Module" || name == "" {
		// Anonymous or bare "Module" type: fall back to the package name.
		if pkg := t.PkgPath(); pkg != "" {
			if i := strings.LastIndexByte(pkg, '/'); i >= 0 {
				pkg = pkg[i+1:]
			}
			return strings.ToLower(pkg)
		}
	}
	return strings.ToLower(name)
}
