package messaging

import (
	"context"
	"errors"
	"testing"

	logx "modkit/pkg/logx"
)

func TestSendNoReceiver(t *testing.T) {
	r := NewRouter(logx.Nop())
	resp, err := r.Send(context.Background(), NewMessage("ping", "alpha", "background", nil))
	if resp != nil || err != nil {
		t.Fatalf("absence of a receiver must yield (nil, nil), got (%v, %v)", resp, err)
	}
}

func TestSendSkipsSenderContext(t *testing.T) {
	r := NewRouter(logx.Nop())
	var heard []string
	for _, name := range []string{"background", "content"} {
		name := name
		r.Handle(name, func(ctx context.Context, msg Message) (*Response, error) {
			heard = append(heard, name)
			return nil, nil
		})
	}

	_, _ = r.Send(context.Background(), NewMessage("ping", "alpha", "background", nil))
	if len(heard) != 1 || heard[0] != "content" {
		t.Fatalf("sender context must not hear its own send: %v", heard)
	}
}

func TestSendFirstResponseWins(t *testing.T) {
	r := NewRouter(logx.Nop())
	r.Handle("background", func(ctx context.Context, msg Message) (*Response, error) {
		return nil, nil // not handled here
	})
	r.Handle("content", func(ctx context.Context, msg Message) (*Response, error) {
		return &Response{Data: map[string]any{"from": "content"}}, nil
	})
	popupHeard := false
	r.Handle("popup", func(ctx context.Context, msg Message) (*Response, error) {
		popupHeard = true
		return &Response{Data: map[string]any{"from": "popup"}}, nil
	})

	resp, err := r.Send(context.Background(), NewMessage("q", "m", "other", nil))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp == nil || resp.Data["from"] != "content" {
		t.Fatalf("first non-nil response must win: %v", resp)
	}
	if popupHeard {
		t.Fatal("delivery continued past the winning receiver")
	}
}

func TestSendReceiverFailureContained(t *testing.T) {
	r := NewRouter(logx.Nop())
	r.Handle("background", func(ctx context.Context, msg Message) (*Response, error) {
		return nil, errors.New("broken receiver")
	})
	r.Handle("content", func(ctx context.Context, msg Message) (*Response, error) {
		panic("receiver bug")
	})
	r.Handle("popup", func(ctx context.Context, msg Message) (*Response, error) {
		return &Response{Data: map[string]any{"ok": true}}, nil
	})

	resp, err := r.Send(context.Background(), NewMessage("q", "m", "other", nil))
	if err != nil {
		t.Fatalf("receiver failures must not surface to the sender: %v", err)
	}
	if resp == nil || resp.Data["ok"] != true {
		t.Fatalf("delivery did not reach the healthy receiver: %v", resp)
	}
}

func TestHandleReplacesReceiver(t *testing.T) {
	r := NewRouter(logx.Nop())
	r.Handle("background", func(ctx context.Context, msg Message) (*Response, error) {
		return &Response{Data: map[string]any{"v": 1}}, nil
	})
	r.Handle("background", func(ctx context.Context, msg Message) (*Response, error) {
		return &Response{Data: map[string]any{"v": 2}}, nil
	})

	resp, _ := r.Send(context.Background(), NewMessage("q", "m", "other", nil))
	if resp == nil || resp.Data["v"] != 2 {
		t.Fatalf("later Handle must replace the receiver: %v", resp)
	}
}

func TestNewMessageStampsID(t *testing.T) {
	a := NewMessage("t", "src", "ctx", map[string]any{"k": "v"})
	b := NewMessage("t", "src", "ctx", nil)
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("message ids must be unique and non-empty: %q vs %q", a.ID, b.ID)
	}
	if a.Type != "t" || a.Source != "src" || a.Context != "ctx" || a.Data["k"] != "v" {
		t.Fatalf("message fields wrong: %+v", a)
	}
}
