package module

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"modkit/internal/eventbus"
	"modkit/internal/storage"
	logx "modkit/pkg/logx"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "store"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestBase(t *testing.T, deps Deps, name string) *Base {
	t.Helper()
	b := &Base{}
	b.InitBase(deps, name)
	return b
}

func TestEmitStampsSourceAndContext(t *testing.T) {
	bus := eventbus.New(logx.Nop())
	b := newTestBase(t, Deps{Bus: bus, Context: ContextBackground}, "alpha")

	var got eventbus.Payload
	bus.On("ev", func(ctx context.Context, p eventbus.Payload) (any, error) {
		got = p
		return nil, nil
	}, "test")

	b.Emit(context.Background(), "ev", eventbus.Payload{"k": "v"})
	if got == nil {
		t.Fatal("event not delivered")
	}
	if got["source"] != "alpha" || got["context"] != ContextBackground || got["k"] != "v" {
		t.Fatalf("payload stamping wrong: %v", got)
	}
}

func TestListenCleanupRemovesAllSubscriptions(t *testing.T) {
	bus := eventbus.New(logx.Nop())
	b := newTestBase(t, Deps{Bus: bus, Context: ContextPopup}, "alpha")

	calls := 0
	h := func(ctx context.Context, p eventbus.Payload) (any, error) {
		calls++
		return nil, nil
	}
	b.Listen("ev1", h)
	b.Listen("ev2", h)
	b.Listen("ev1", h)

	bus.Emit(context.Background(), "ev1", nil)
	bus.Emit(context.Background(), "ev2", nil)
	if calls != 3 {
		t.Fatalf("expected 3 deliveries before cleanup, got %d", calls)
	}

	b.Cleanup()
	b.Cleanup() // idempotent
	calls = 0
	bus.Emit(context.Background(), "ev1", nil)
	bus.Emit(context.Background(), "ev2", nil)
	if calls != 0 {
		t.Fatalf("subscriptions survived cleanup, calls=%d", calls)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	b := newTestBase(t, Deps{Store: st, Context: ContextBackground}, "alpha")
	b.SetSetting("count", 3)
	b.SetSetting("label", "hello")
	b.SaveSettings(ctx)

	// Fresh instance, same name: persisted values come back.
	b2 := newTestBase(t, Deps{Store: st, Context: ContextBackground}, "alpha")
	b2.LoadSettings(ctx)
	if got := b2.GetSetting("label", ""); got != "hello" {
		t.Fatalf("label not persisted: %v", got)
	}
	// JSON numbers round-trip as float64.
	if got, ok := b2.GetSetting("count", 0).(float64); !ok || got != 3 {
		t.Fatalf("count not persisted: %v", b2.GetSetting("count", 0))
	}

	// Different name: isolated.
	b3 := newTestBase(t, Deps{Store: st, Context: ContextBackground}, "beta")
	b3.LoadSettings(ctx)
	if got := b3.GetSetting("label", "absent"); got != "absent" {
		t.Fatalf("settings leaked across module names: %v", got)
	}
}

func TestLoadSettingsDefaultsMerge(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Persist one key that the defaults also carry.
	seed := newTestBase(t, Deps{Store: st}, "alpha")
	seed.SetSetting("shared", "persisted")
	seed.SaveSettings(ctx)

	defaults := json.RawMessage(`{"shared":"default","extra":true}`)
	b := newTestBase(t, Deps{Store: st, Defaults: defaults}, "alpha")
	b.LoadSettings(ctx)

	if got := b.GetSetting("shared", ""); got != "persisted" {
		t.Fatalf("persisted value must win over default: %v", got)
	}
	if got := b.GetSetting("extra", false); got != true {
		t.Fatalf("default-only key missing: %v", got)
	}
}

func TestSettingsWithoutStore(t *testing.T) {
	b := newTestBase(t, Deps{}, "alpha")
	// Must not panic or error; settings stay in memory.
	b.LoadSettings(context.Background())
	b.SetSetting("k", "v")
	b.SaveSettings(context.Background())
	if got := b.GetSetting("k", ""); got != "v" {
		t.Fatalf("in-memory settings broken without store: %v", got)
	}
}

func TestSettingsReturnsCopy(t *testing.T) {
	b := newTestBase(t, Deps{}, "alpha")
	b.SetSetting("k", "v")
	snap := b.Settings()
	snap["k"] = "mutated"
	if got := b.GetSetting("k", ""); got != "v" {
		t.Fatalf("Settings returned a live reference: %v", got)
	}
}

func TestDebounceCollapsesBursts(t *testing.T) {
	b := newTestBase(t, Deps{}, "alpha")

	var mu sync.Mutex
	fired := 0
	f := b.Debounce(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	}, 30*time.Millisecond)

	for i := 0; i < 5; i++ {
		f()
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	got := fired
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected one trailing invocation, got %d", got)
	}
}

type pingModule struct{ Base }

type weird struct{ Base }

func TestDeriveName(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{&pingModule{}, "ping"},
		{pingModule{}, "ping"},
		{&weird{}, "weird"},
		{&Base{}, "base"},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := DeriveName(tc.in); got != tc.want {
			t.Fatalf("DeriveName(%T) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsContext(t *testing.T) {
	b := newTestBase(t, Deps{Context: ContextContent}, "alpha")
	if !b.IsContext(ContextContent) || b.IsContext(ContextBackground) {
		t.Fatalf("IsContext wrong for context %q", b.Context())
	}
}
