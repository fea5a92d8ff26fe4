package echo

import (
	"context"
	"strings"

	"modkit/internal/eventbus"
	"modkit/internal/module"
)

// Module answers echo:request events with the text transformed per its
// settings. Permitted in every execution context; mostly useful as a
// liveness probe and as the smallest possible module example.
type Module struct {
	module.Base
}

func New() *Module { return &Module{} }

func (m *Module) Init(ctx context.Context) error {
	if err := m.Base.Init(ctx); err != nil {
		return err
	}
	m.Listen("echo:request", m.onRequest)
	return nil
}

func (m *Module) onRequest(ctx context.Context, p eventbus.Payload) (any, error) {
	text, _ := p["text"].(string)
	if strings.TrimSpace(text) == "" {
		text = "(empty)"
	}
	prefix, _ := m.GetSetting("prefix", "").(string)
	out := prefix + text

	m.Emit(ctx, "echo:response", eventbus.Payload{"text": out})
	return out, nil
}
