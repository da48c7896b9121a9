package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"veriscribe/internal/usertoken"
	"veriscribe/pkg/domain"
	"veriscribe/pkg/store"
	"veriscribe/services/events/internal/app"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	appCore, err := app.New(app.Config{Store: st})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	verifier, err := usertoken.NewVerifier(usertoken.Config{Secret: testSecret})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	srv := New(Config{App: appCore, TokenVerifier: verifier})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := usertoken.Sign(testSecret, "veriscribe-auth", "veriscribe-api", userID, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return token
}

func postEvents(t *testing.T, url, token string, events []domain.EditEvent) *http.Response {
	t.Helper()
	body, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestIngestBatch(t *testing.T) {
	ts, st := newTestServer(t)
	token := signToken(t, "alice")

	events := []domain.EditEvent{
		{Kind: domain.EventTyped, TextAfter: "hello"},
		{Kind: domain.EventPasted, TextAfter: "pasted text"},
	}
	resp := postEvents(t, ts.URL+"/documents/doc1/events", token, events)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var out struct {
		Accepted int      `json:"accepted"`
		EventIDs []string `json:"eventIds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Accepted != 2 || len(out.EventIDs) != 2 {
		t.Fatalf("out = %+v", out)
	}

	stored, _ := st.ListEditEvents("doc1", 0)
	if len(stored) != 2 || stored[0].TextAfter != "hello" {
		t.Fatalf("stored = %+v", stored)
	}
	if stored[0].ActorID != "alice" {
		t.Fatalf("actor = %q, want token subject", stored[0].ActorID)
	}
}

type soleOwner struct{ userID string }

func (o soleOwner) IsOwner(_ context.Context, _, userID string) (bool, error) {
	return userID == o.userID, nil
}

func TestIngestRequiresOwnership(t *testing.T) {
	st := store.NewMemoryStore()
	appCore, err := app.New(app.Config{Store: st, Owners: soleOwner{userID: "alice"}})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	verifier, err := usertoken.NewVerifier(usertoken.Config{Secret: testSecret})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	ts := httptest.NewServer(New(Config{App: appCore, TokenVerifier: verifier}).Router())
	t.Cleanup(ts.Close)

	forged := []domain.EditEvent{{Kind: domain.EventTyped, TextAfter: "not mine"}}
	for _, url := range []string{
		ts.URL + "/documents/doc1/events",
		ts.URL + "/documents/doc1/events?beacon=1",
	} {
		resp := postEvents(t, url, signToken(t, "mallory"), forged)
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("%s status = %d, want 403", url, resp.StatusCode)
		}
	}
	if stored, _ := st.ListEditEvents("doc1", 0); len(stored) != 0 {
		t.Fatalf("forged events persisted: %d", len(stored))
	}

	resp := postEvents(t, ts.URL+"/documents/doc1/events", signToken(t, "alice"), forged)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("owner ingest status = %d", resp.StatusCode)
	}
}

func TestIngestBeaconEmptyBody(t *testing.T) {
	ts, st := newTestServer(t)
	token := signToken(t, "alice")

	resp := postEvents(t, ts.URL+"/documents/doc1/events?beacon=1", token, []domain.EditEvent{
		{Kind: domain.EventTyped, TextAfter: "bye"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if resp.ContentLength > 0 {
		t.Fatalf("beacon response has body, length %d", resp.ContentLength)
	}
	if stored, _ := st.ListEditEvents("doc1", 0); len(stored) != 1 {
		t.Fatalf("stored = %d, want 1", len(stored))
	}
}

func TestIngestRejectsUnknownKind(t *testing.T) {
	ts, _ := newTestServer(t)
	token := signToken(t, "alice")

	resp := postEvents(t, ts.URL+"/documents/doc1/events", token, []domain.EditEvent{{Kind: "scribbled"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "INVALID_REQUEST" {
		t.Fatalf("code = %q", body["code"])
	}
}

func TestIngestRequiresAuth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/documents/doc1/events", "application/json", bytes.NewReader([]byte("{}")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthorshipEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	token := signToken(t, "alice")

	postEvents(t, ts.URL+"/documents/doc1/events", token, []domain.EditEvent{
		{Kind: domain.EventTyped, TextAfter: "abcde"},
		{Kind: domain.EventAIApplied, TextAfter: "0123456789"},
	})

	req, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/documents/doc1/authorship", ts.URL), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get authorship: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var stats domain.AuthorshipStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TypedChars != 5 || stats.AIAppliedChars != 10 || stats.EventCount != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}
