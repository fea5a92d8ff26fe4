package messaging

import (
	"context"

	"github.com/google/uuid"
)

// Message is one inter-context message. Source and Context identify the
// sending module and its execution context; Data is the free-form payload.
type Message struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Source  string         `json:"source,omitempty"`
	Context string         `json:"context,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Response is an optional reply from a receiving context.
type Response struct {
	Data map[string]any `json:"data,omitempty"`
}

// NewMessage stamps a fresh message with a unique id.
func NewMessage(typ, source, context string, data map[string]any) Message {
	return Message{
		ID:      uuid.NewString(),
		Type:    typ,
		Source:  source,
		Context: context,
		Data:    data,
	}
}

// Channel is the host's inter-context messaging capability.
//
// Send returns (nil, nil) when no receiver handled the message; absence of
// a receiver is not an error.
type Channel interface {
	Send(ctx context.Context, msg Message) (*Response, error)
}
