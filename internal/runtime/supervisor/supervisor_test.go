package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "modkit/pkg/logx"
)

func TestStopWaitsForGoroutines(t *testing.T) {
	s := New(context.Background(), WithLogger(logx.Nop()))
	done := make(chan struct{})
	s.Go("worker", func(ctx context.Context) error {
		<-ctx.Done()
		close(done)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-done:
	default:
		t.Fatal("Stop returned before the goroutine exited")
	}
}

func TestFirstErrorWins(t *testing.T) {
	s := New(context.Background())
	first := errors.New("first")
	s.Go("a", func(ctx context.Context) error { return first })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err == nil || !errors.Is(err, first) {
		t.Fatalf("expected the goroutine error, got %v", err)
	}
}

func TestPanicRecovered(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("bad", func(ctx context.Context) error { panic("worker bug") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil {
		t.Fatal("panic must surface as the first error")
	}
	if s.Context().Err() == nil {
		t.Fatal("cancel-on-error did not cancel the context")
	}
}

func TestContextCanceledNotAnError(t *testing.T) {
	s := New(context.Background())
	s.Go("worker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("context.Canceled must not count as a failure: %v", err)
	}
}
