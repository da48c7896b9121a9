package ai

import (
	"context"
	"errors"
)

// ErrUnavailable is the only error surfaced for upstream provider
// failures. Provider internals are logged, never returned, so callers
// and audit rows stay free of vendor detail.
var ErrUnavailable = errors.New("ai provider unavailable")

// Message is one turn of a conversation sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tunes a single completion. Zero values fall back to the
// provider's configured defaults.
type Options struct {
	MaxTokens   int
	Temperature float32
}

// Result is a finished completion.
type Result struct {
	Content    string
	TokensUsed int
}

// ChunkFunc receives streamed fragments in delivery order.
type ChunkFunc func(chunk string)

// Provider is the uniform contract over completion backends. Both
// operations honor ctx cancellation and deadlines.
//
// CompleteStreaming invokes onChunk zero or more times in delivery
// order, then returns the full concatenation exactly once. Backend
// selection is configuration; no caller branches on which is active.
type Provider interface {
	Complete(ctx context.Context, messages []Message, opts Options) (Result, error)
	CompleteStreaming(ctx context.Context, messages []Message, onChunk ChunkFunc, opts Options) (Result, error)
}
