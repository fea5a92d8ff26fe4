package eventbus

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"

	logx "modkit/pkg/logx"
)

// Payload is the event payload shape shared by the bus and modules.
// Kept as a plain map alias so any map-producing caller can publish.
type Payload = map[string]any

// Handler processes one event delivery.
//
// Handlers run sequentially in registration order; a handler's error (or
// panic) is logged and swallowed at the bus boundary, it never aborts
// delivery to the remaining subscribers.
type Handler func(ctx context.Context, p Payload) (any, error)

// OwnerUnknown is the owner label used when a subscriber gives none.
const OwnerUnknown = "unknown"

type subscription struct {
	id    uint64
	event string
	owner string
	fn    Handler
}

// Bus is a process-wide publish/subscribe broker.
//
// It is the sole communication primitive between feature modules and between
// the kernel and the host. Construct one per execution context and pass it
// by reference; there is no package-level singleton.
type Bus struct {
	log logx.Logger

	mu   sync.Mutex
	seq  uint64
	subs map[string][]*subscription

	// bus-side module registry; populated by the loader, never auto-removed.
	modules map[string]any
}

func New(log logx.Logger) *Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bus{
		log:     log,
		subs:    map[string][]*subscription{},
		modules: map[string]any{},
	}
}

// On appends a subscription to the end of the event's sequence and returns
// an unsubscribe token that removes exactly this subscription. The token is
// idempotent: calling it twice is a no-op the second time.
//
// Prefer keeping the token over Off: two closures built from the same
// function literal are indistinguishable to Off.
func (b *Bus) On(event string, fn Handler, owner string) func() {
	if event == "" || fn == nil {
		return func() {}
	}
	if owner == "" {
		owner = OwnerUnknown
	}

	b.mu.Lock()
	b.seq++
	sub := &subscription{id: b.seq, event: event, owner: owner, fn: fn}
	b.subs[event] = append(b.subs[event], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.removeByID(event, sub.id) })
	}
}

// Off removes the first subscription for event whose handler is the same
// function as fn (compared by code pointer, registration order). No-op when
// the event or the handler is not found.
//
// Legacy surface: subscriptions added after the removal are unaffected, and
// a second identical registration needs a second Off call.
func (b *Bus) Off(event string, fn Handler) {
	if event == "" || fn == nil {
		return
	}
	ptr := reflect.ValueOf(fn).Pointer()

	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[event]
	for i, sub := range list {
		if reflect.ValueOf(sub.fn).Pointer() == ptr {
			b.subs[event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (b *Bus) removeByID(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[event]
	for i, sub := range list {
		if sub.id == id {
			b.subs[event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Emit delivers the event to all subscribers sequentially, in registration
// order, each handler running to completion before the next starts.
//
// Delivery iterates a snapshot taken at call start, so handlers may call
// On/Off (or Emit) without skipping or double-invoking their siblings.
//
// The returned slice holds successful results only, in delivery order.
// Failed subscribers contribute no slot; their failure is logged with the
// owner label and delivery continues. Emit itself never panics.
func (b *Bus) Emit(ctx context.Context, event string, p Payload) []any {
	if event == "" {
		return nil
	}
	if p == nil {
		p = Payload{}
	}

	b.mu.Lock()
	snapshot := append([]*subscription(nil), b.subs[event]...)
	b.mu.Unlock()

	results := make([]any, 0, len(snapshot))
	for _, sub := range snapshot {
		res, err := b.safeInvoke(ctx, sub, p)
		if err != nil {
			b.log.Warn("subscriber failed",
				logx.String("event", event),
				logx.String("owner", sub.owner),
				logx.Err(err),
			)
			continue
		}
		results = append(results, res)
	}
	return results
}

func (b *Bus) safeInvoke(ctx context.Context, sub *subscription, p Payload) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("panic in subscriber",
				logx.String("event", sub.event),
				logx.String("owner", sub.owner),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s subscriber %s: %v", sub.event, sub.owner, r)
		}
	}()
	return sub.fn(ctx, p)
}

// RegisterModule writes the instance into the bus-side module registry.
// A second registration under the same name silently overwrites the first.
func (b *Bus) RegisterModule(name string, m any) {
	if name == "" {
		return
	}
	b.mu.Lock()
	b.modules[name] = m
	b.mu.Unlock()
}

// Module returns the registered instance, or nil.
func (b *Bus) Module(name string) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.modules[name]
}

// Events returns a diagnostic snapshot mapping each event name to the
// ordered owner labels of its subscribers. The snapshot is a copy; mutating
// it cannot touch bus internals.
func (b *Bus) Events() map[string][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]string, len(b.subs))
	for event, list := range b.subs {
		owners := make([]string, 0, len(list))
		for _, sub := range list {
			owners = append(owners, sub.owner)
		}
		out[event] = owners
	}
	return out
}
