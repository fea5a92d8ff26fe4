package eventbus

import (
	"context"
	"errors"
	"testing"

	logx "modkit/pkg/logx"
)

func newTestBus() *Bus { return New(logx.Nop()) }

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	b := newTestBus()
	var got []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		b.On("ev", func(ctx context.Context, p Payload) (any, error) {
			got = append(got, name)
			return name, nil
		}, name)
	}

	results := b.Emit(context.Background(), "ev", Payload{})
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("delivery order wrong: %v", got)
	}
	if len(results) != 3 || results[0] != "a" || results[2] != "c" {
		t.Fatalf("results wrong: %v", results)
	}
}

func TestEmitFailureIsolation(t *testing.T) {
	b := newTestBus()
	b.On("ev", func(ctx context.Context, p Payload) (any, error) {
		return "first", nil
	}, "a")
	b.On("ev", func(ctx context.Context, p Payload) (any, error) {
		return nil, errors.New("boom")
	}, "b")
	b.On("ev", func(ctx context.Context, p Payload) (any, error) {
		return "third", nil
	}, "c")

	results := b.Emit(context.Background(), "ev", nil)
	if len(results) != 2 {
		t.Fatalf("expected 2 successful results, got %d: %v", len(results), results)
	}
	if results[0] != "first" || results[1] != "third" {
		t.Fatalf("failed subscriber left a slot: %v", results)
	}
}

func TestEmitPanicContained(t *testing.T) {
	b := newTestBus()
	delivered := false
	b.On("ev", func(ctx context.Context, p Payload) (any, error) {
		panic("subscriber bug")
	}, "bad")
	b.On("ev", func(ctx context.Context, p Payload) (any, error) {
		delivered = true
		return "ok", nil
	}, "good")

	results := b.Emit(context.Background(), "ev", Payload{})
	if !delivered {
		t.Fatal("panic aborted delivery to remaining subscribers")
	}
	if len(results) != 1 || results[0] != "ok" {
		t.Fatalf("results wrong after panic: %v", results)
	}
}

func TestUnsubscribeTokenIdempotent(t *testing.T) {
	b := newTestBus()
	calls := 0
	fn := func(ctx context.Context, p Payload) (any, error) {
		calls++
		return nil, nil
	}
	unsub := b.On("ev", fn, "a")
	b.On("ev", fn, "b")

	unsub()
	unsub() // second call must not touch the surviving duplicate
	b.Emit(context.Background(), "ev", nil)
	if calls != 1 {
		t.Fatalf("expected exactly the second subscription to fire, calls=%d", calls)
	}
}

func TestOffRemovesFirstMatchOnly(t *testing.T) {
	b := newTestBus()
	calls := 0
	fn := func(ctx context.Context, p Payload) (any, error) {
		calls++
		return nil, nil
	}
	b.On("ev", fn, "a")
	b.On("ev", fn, "a")

	b.Off("ev", fn)
	b.Emit(context.Background(), "ev", nil)
	if calls != 1 {
		t.Fatalf("Off should remove one registration, calls=%d", calls)
	}

	b.Off("ev", fn)
	calls = 0
	b.Emit(context.Background(), "ev", nil)
	if calls != 0 {
		t.Fatalf("second Off should remove the remaining registration, calls=%d", calls)
	}

	// Unknown event and unknown handler are no-ops.
	b.Off("missing", fn)
	b.Off("ev", func(ctx context.Context, p Payload) (any, error) { return nil, nil })
}

func TestEmitSnapshotsSubscribers(t *testing.T) {
	b := newTestBus()
	lateCalled := false
	b.On("ev", func(ctx context.Context, p Payload) (any, error) {
		// Subscribing during delivery must not affect this emit.
		b.On("ev", func(ctx context.Context, p Payload) (any, error) {
			lateCalled = true
			return nil, nil
		}, "late")
		return nil, nil
	}, "first")

	b.Emit(context.Background(), "ev", nil)
	if lateCalled {
		t.Fatal("handler added during emit was invoked in the same emit")
	}
	b.Emit(context.Background(), "ev", nil)
	if !lateCalled {
		t.Fatal("handler added during emit missing from the next emit")
	}
}

func TestUnsubscribeDuringEmit(t *testing.T) {
	b := newTestBus()
	var unsubB func()
	got := []string{}
	b.On("ev", func(ctx context.Context, p Payload) (any, error) {
		unsubB()
		got = append(got, "a")
		return nil, nil
	}, "a")
	unsubB = b.On("ev", func(ctx context.Context, p Payload) (any, error) {
		got = append(got, "b")
		return nil, nil
	}, "b")

	// The snapshot was taken before a ran, so b still fires this round.
	b.Emit(context.Background(), "ev", nil)
	if len(got) != 2 {
		t.Fatalf("snapshot semantics violated: %v", got)
	}
	got = got[:0]
	b.Emit(context.Background(), "ev", nil)
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("b should be gone on the next emit: %v", got)
	}
}

func TestEmitNoSubscribers(t *testing.T) {
	b := newTestBus()
	if res := b.Emit(context.Background(), "nobody:listens", Payload{"k": 1}); len(res) != 0 {
		t.Fatalf("expected empty result set, got %v", res)
	}
	if res := b.Emit(context.Background(), "", Payload{}); res != nil {
		t.Fatalf("empty event name should yield nil, got %v", res)
	}
}

func TestModuleRegistry(t *testing.T) {
	b := newTestBus()
	if b.Module("x") != nil {
		t.Fatal("unregistered module should be nil")
	}
	first := &struct{ v int }{1}
	second := &struct{ v int }{2}
	b.RegisterModule("x", first)
	b.RegisterModule("x", second) // overwrite, no error
	if got := b.Module("x"); got != second {
		t.Fatalf("expected the later registration, got %v", got)
	}
}

func TestEventsSnapshot(t *testing.T) {
	b := newTestBus()
	h := func(ctx context.Context, p Payload) (any, error) { return nil, nil }
	b.On("ev", h, "alpha")
	b.On("ev", h, "") // owner defaults to unknown
	b.On("other", h, "beta")

	ev := b.Events()
	if len(ev["ev"]) != 2 || ev["ev"][0] != "alpha" || ev["ev"][1] != OwnerUnknown {
		t.Fatalf("owner labels wrong: %v", ev["ev"])
	}
	if len(ev["other"]) != 1 || ev["other"][0] != "beta" {
		t.Fatalf("owner labels wrong: %v", ev["other"])
	}

	// Mutating the snapshot must not leak into the bus.
	ev["ev"][0] = "mutated"
	delete(ev, "other")
	again := b.Events()
	if again["ev"][0] != "alpha" || len(again["other"]) != 1 {
		t.Fatal("Events returned a live reference, not a copy")
	}
}
