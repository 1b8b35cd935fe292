package ai

import (
	"context"
	"errors"
)

// Turn is one entry of the conversation history handed to a generator.
// Role uses the internal vocabulary ("user" / "ai"); generators translate to
// their provider's wire roles.
type Turn struct {
	Role    string
	Content string
}

// Generator produces the assistant reply for a conversation history.
type Generator interface {
	Complete(ctx context.Context, turns []Turn) (string, error)
}

// ErrUpstream marks a provider-side failure (non-2xx, transport error).
// ErrProtocol marks a 2xx response whose shape could not be used.
// Neither is retried: a retried completion risks double billing.
var (
	ErrUpstream = errors.New("model provider error")
	ErrProtocol = errors.New("unexpected model provider response")
)
