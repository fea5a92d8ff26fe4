package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"modkit/internal/eventbus"
	"modkit/internal/module"
	logx "modkit/pkg/logx"
)

const defaultSchedule = "@every 1m"

// Module periodically emits heartbeat:tick on its own bus and announces the
// beat to the other execution contexts over the messaging channel. Intended
// for the background context only (gate it there in host config).
//
// Settings:
//   - schedule: cron spec or "@every <duration>" (default "@every 1m")
//   - beats, last_beat: persisted counters, written on every beat
type Module struct {
	module.Base

	mu   sync.Mutex
	cron *cron.Cron
}

func New() *Module { return &Module{} }

func (m *Module) Init(ctx context.Context) error {
	if err := m.Base.Init(ctx); err != nil {
		return err
	}

	spec, _ := m.GetSetting("schedule", defaultSchedule).(string)
	if spec == "" {
		spec = defaultSchedule
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, m.beat); err != nil {
		m.Log.Warn("invalid heartbeat schedule; using default",
			logx.String("schedule", spec), logx.Err(err))
		if _, err := c.AddFunc(defaultSchedule, m.beat); err != nil {
			return err
		}
	}
	c.Start()

	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()

	m.Listen("heartbeat:status", m.onStatus)
	return nil
}

func (m *Module) Cleanup() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		c.Stop()
	}
	m.Base.Cleanup()
}

func (m *Module) beat() {
	ctx := context.Background()

	beats := toInt(m.GetSetting("beats", 0)) + 1
	now := time.Now().Format(time.RFC3339)
	m.SetSetting("beats", beats)
	m.SetSetting("last_beat", now)
	m.SaveSettings(ctx)

	m.Emit(ctx, "heartbeat:tick", eventbus.Payload{
		"beats": beats,
		"at":    now,
	})
	// Other contexts may not be listening; absence is fine.
	m.SendMessage(ctx, "heartbeat", map[string]any{
		"beats": beats,
		"at":    now,
	})
}

func (m *Module) onStatus(ctx context.Context, p eventbus.Payload) (any, error) {
	_ = p
	return map[string]any{
		"beats":     toInt(m.GetSetting("beats", 0)),
		"last_beat": m.GetSetting("last_beat", ""),
	}, nil
}

// Settings loaded from JSON arrive as float64.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
