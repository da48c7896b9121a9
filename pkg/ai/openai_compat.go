package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// OpenAICompatProvider calls any OpenAI-compatible /v1/chat/completions
// endpoint. Works with vLLM, LiteLLM, LocalAI, OpenRouter, self-hosted
// models, etc.
type OpenAICompatProvider struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatProvider builds the network-backed Provider.
// baseURL should include the /v1 prefix, e.g. "http://localhost:8000/v1".
// apiKey can be empty for local models that do not require authentication.
func NewOpenAICompatProvider(baseURL, apiKey, model string) (*OpenAICompatProvider, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("openai-compat base URL required")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, fmt.Errorf("openai-compat model required")
	}
	return &OpenAICompatProvider{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		model:   model,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}, nil
}

// Complete implements Provider with a whole-response request.
func (p *OpenAICompatProvider) Complete(ctx context.Context, messages []Message, opts Options) (Result, error) {
	resp, err := p.send(ctx, messages, opts, false)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		slog.Warn("ai provider response decode failed", "err", err)
		return Result{}, ErrUnavailable
	}
	if len(chatResp.Choices) == 0 {
		slog.Warn("ai provider returned no choices")
		return Result{}, ErrUnavailable
	}
	content := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if content == "" {
		slog.Warn("ai provider returned empty content")
		return Result{}, ErrUnavailable
	}
	return Result{Content: content, TokensUsed: chatResp.Usage.TotalTokens}, nil
}

// CompleteStreaming implements Provider over the SSE streaming variant
// of the chat completions API.
func (p *OpenAICompatProvider) CompleteStreaming(ctx context.Context, messages []Message, onChunk ChunkFunc, opts Options) (Result, error) {
	resp, err := p.send(ctx, messages, opts, true)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	var full strings.Builder
	tokensUsed := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var event oaiStreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			slog.Warn("ai provider stream decode failed", "err", err)
			continue
		}
		if event.Usage != nil && event.Usage.TotalTokens > 0 {
			tokensUsed = event.Usage.TotalTokens
		}
		if len(event.Choices) == 0 {
			continue
		}
		delta := event.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onChunk != nil {
			onChunk(delta)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		slog.Warn("ai provider stream read failed", "err", err)
		return Result{}, ErrUnavailable
	}
	content := full.String()
	if strings.TrimSpace(content) == "" {
		slog.Warn("ai provider stream produced no content")
		return Result{}, ErrUnavailable
	}
	return Result{Content: content, TokensUsed: tokensUsed}, nil
}

func (p *OpenAICompatProvider) send(ctx context.Context, messages []Message, opts Options, stream bool) (*http.Response, error) {
	reqBody := oaiChatRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   stream,
	}
	if opts.MaxTokens > 0 {
		reqBody.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		reqBody.Temperature = &opts.Temperature
	}
	if stream {
		reqBody.StreamOptions = &oaiStreamOptions{IncludeUsage: true}
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("ai provider request failed", "err", err)
		return nil, ErrUnavailable
	}
	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		resp.Body.Close()
		slog.Warn("ai provider api error", "status", resp.Status, "type", errResp.Error.Type)
		return nil, ErrUnavailable
	}
	return resp, nil
}

// OpenAI-compatible request/response types.

type oaiChatRequest struct {
	Model         string            `json:"model"`
	Messages      []Message         `json:"messages"`
	Stream        bool              `json:"stream,omitempty"`
	StreamOptions *oaiStreamOptions `json:"stream_options,omitempty"`
	MaxTokens     int               `json:"max_tokens,omitempty"`
	Temperature   *float32          `json:"temperature,omitempty"`
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiUsage struct {
	TotalTokens int `json:"total_tokens"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage oaiUsage `json:"usage"`
}

type oaiStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *oaiUsage `json:"usage,omitempty"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
