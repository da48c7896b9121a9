package docclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsOwner(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/documents/doc1/owner":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"documentId":"doc1","ownerId":"alice"}`))
		case "/documents/missing/owner":
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		default:
			http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
		}
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	ctx := context.Background()

	ok, err := c.IsOwner(ctx, "doc1", "alice")
	if err != nil || !ok {
		t.Fatalf("owner: ok=%v err=%v", ok, err)
	}
	ok, err = c.IsOwner(ctx, "doc1", "mallory")
	if err != nil || ok {
		t.Fatalf("non-owner: ok=%v err=%v", ok, err)
	}
	ok, err = c.IsOwner(ctx, "missing", "alice")
	if err != nil || ok {
		t.Fatalf("unknown document: ok=%v err=%v", ok, err)
	}
	if _, err = c.IsOwner(ctx, "broken", "alice"); err == nil {
		t.Fatal("service error swallowed")
	}
}
