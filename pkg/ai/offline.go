package ai

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// OfflineProvider is a deterministic Provider for tests and air-gapped
// deployments. Responses depend only on the input messages, with a small
// synthetic latency per chunk so streaming consumers see realistic
// interleaving.
type OfflineProvider struct {
	chunkDelay time.Duration
}

// NewOfflineProvider builds the offline backend. chunkDelay <= 0
// disables synthetic latency.
func NewOfflineProvider(chunkDelay time.Duration) *OfflineProvider {
	return &OfflineProvider{chunkDelay: chunkDelay}
}

// Complete returns the deterministic response in one piece.
func (p *OfflineProvider) Complete(ctx context.Context, messages []Message, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	content := p.render(messages)
	return Result{Content: content, TokensUsed: approxTokens(content)}, nil
}

// CompleteStreaming delivers the deterministic response word by word.
func (p *OfflineProvider) CompleteStreaming(ctx context.Context, messages []Message, onChunk ChunkFunc, opts Options) (Result, error) {
	content := p.render(messages)
	words := strings.SplitAfter(content, " ")
	for _, word := range words {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if p.chunkDelay > 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(p.chunkDelay):
			}
		}
		if onChunk != nil {
			onChunk(word)
		}
	}
	return Result{Content: content, TokensUsed: approxTokens(content)}, nil
}

func (p *OfflineProvider) render(messages []Message) string {
	last := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = messages[i].Content
			break
		}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(last))
	return fmt.Sprintf("Offline response %08x: %s", h.Sum32(), summarize(last))
}

func summarize(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return "no query provided."
	}
	words := strings.Fields(query)
	if len(words) > 12 {
		words = words[:12]
	}
	return "considered " + strings.Join(words, " ")
}

func approxTokens(s string) int {
	return len(strings.Fields(s)) + 1
}
