package messaging

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	logx "modkit/pkg/logx"
)

// ReceiveFunc handles one message delivered to a context. Returning a nil
// response means "not handled here"; delivery continues to other contexts.
type ReceiveFunc func(ctx context.Context, msg Message) (*Response, error)

// Router is the in-process Channel implementation bridging execution
// contexts running inside one host process.
//
// Each context registers at most one receiver. Send delivers to every
// context except the sender's, in registration order; the first non-nil
// response wins. Receiver panics and errors are contained per receiver.
type Router struct {
	log logx.Logger

	mu       sync.Mutex
	order    []string
	handlers map[string]ReceiveFunc
}

func NewRouter(log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		log:      log,
		handlers: map[string]ReceiveFunc{},
	}
}

// Handle installs the receiver for a context, replacing any previous one.
func (r *Router) Handle(contextName string, fn ReceiveFunc) {
	if contextName == "" || fn == nil {
		return
	}
	r.mu.Lock()
	if _, ok := r.handlers[contextName]; !ok {
		r.order = append(r.order, contextName)
	}
	r.handlers[contextName] = fn
	r.mu.Unlock()
}

// Send implements Channel. No receiver, or no receiver claiming the
// message, yields (nil, nil).
func (r *Router) Send(ctx context.Context, msg Message) (*Response, error) {
	r.mu.Lock()
	type target struct {
		name string
		fn   ReceiveFunc
	}
	targets := make([]target, 0, len(r.order))
	for _, name := range r.order {
		if name == msg.Context {
			continue // contexts never hear their own sends
		}
		targets = append(targets, target{name: name, fn: r.handlers[name]})
	}
	r.mu.Unlock()

	for _, t := range targets {
		resp, err := r.safeReceive(ctx, t.name, t.fn, msg)
		if err != nil {
			r.log.Warn("message receiver failed",
				logx.String("to", t.name),
				logx.String("type", msg.Type),
				logx.Err(err),
			)
			continue
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, nil
}

func (r *Router) safeReceive(ctx context.Context, name string, fn ReceiveFunc, msg Message) (resp *Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in message receiver",
				logx.String("to", name),
				logx.String("type", msg.Type),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())),
			)
			resp = nil
			err = fmt.Errorf("panic in %s receiver: %v", name, rec)
		}
	}()
	return fn(ctx, msg)
}
