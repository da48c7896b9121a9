package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAICompatComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Fatalf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Hello back"}}],"usage":{"total_tokens":7}}`)
	}))
	defer srv.Close()

	p, err := NewOpenAICompatProvider(srv.URL+"/v1", "key-1", "test-model")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	res, err := p.Complete(context.Background(), []Message{{Role: "user", Content: "hello"}}, Options{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Content != "Hello back" {
		t.Fatalf("unexpected content %q", res.Content)
	}
	if res.TokensUsed != 7 {
		t.Fatalf("unexpected token count %d", res.TokensUsed)
	}
}

func TestOpenAICompatCompleteStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"total_tokens\":5}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := NewOpenAICompatProvider(srv.URL+"/v1", "", "test-model")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	var chunks []string
	res, err := p.CompleteStreaming(context.Background(), []Message{{Role: "user", Content: "hello"}}, func(chunk string) {
		chunks = append(chunks, chunk)
	}, Options{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(chunks, "") != "Hello" {
		t.Fatalf("unexpected chunks %v", chunks)
	}
	if res.Content != "Hello" {
		t.Fatalf("unexpected content %q", res.Content)
	}
	if res.TokensUsed != 5 {
		t.Fatalf("unexpected token count %d", res.TokensUsed)
	}
}

func TestOpenAICompatNormalizesUpstreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":{"message":"secret internal detail","type":"server_error"}}`)
	}))
	defer srv.Close()

	p, err := NewOpenAICompatProvider(srv.URL+"/v1", "", "test-model")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	_, err = p.Complete(context.Background(), []Message{{Role: "user", Content: "hello"}}, Options{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err != nil && strings.Contains(err.Error(), "secret") {
		t.Fatalf("provider internals leaked: %v", err)
	}
}
