package server

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"veriscribe/pkg/store"
)

func dialWS(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) serverEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event serverEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return event
}

func TestWSExchange(t *testing.T) {
	ts, st := newTestServer(t)
	conn := dialWS(t, ts.URL, signToken(t, "alice"))

	if err := conn.WriteJSON(clientEvent{Type: "join-session", DocumentID: "doc1"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	joined := readEvent(t, conn)
	if joined.Type != "session-joined" || joined.SessionID == "" {
		t.Fatalf("join reply = %+v", joined)
	}

	if err := conn.WriteJSON(clientEvent{Type: "message", Text: "improve the flow of this paragraph"}); err != nil {
		t.Fatalf("message: %v", err)
	}

	var chunks []string
	var start, complete serverEvent
	for {
		event := readEvent(t, conn)
		switch event.Type {
		case "response-start":
			if len(chunks) != 0 {
				t.Fatal("response-start after chunks")
			}
			start = event
		case "response-chunk":
			chunks = append(chunks, event.Content)
		case "response-complete":
			complete = event
		case "error":
			t.Fatalf("error event: %+v", event)
		}
		if complete.Type != "" {
			break
		}
	}
	if len(chunks) == 0 {
		t.Fatal("no chunks streamed")
	}
	if start.Type == "" || start.SessionID != joined.SessionID {
		t.Fatalf("response-start = %+v", start)
	}
	if start.MessageID == "" || start.MessageID != complete.LogID {
		t.Fatalf("response-start messageId = %q, complete logId = %q", start.MessageID, complete.LogID)
	}
	if complete.Message == nil || complete.Message.Content != strings.Join(chunks, "") {
		t.Fatal("complete message does not match streamed chunks")
	}
	if complete.QueryType != "improve_writing" {
		t.Fatalf("queryType = %q", complete.QueryType)
	}
	entry, ok, _ := st.GetLog(complete.LogID)
	if !ok || entry.Status != "success" {
		t.Fatalf("log = %+v ok=%v", entry, ok)
	}
}

func TestWSRequiresJoin(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts.URL, signToken(t, "alice"))

	if err := conn.WriteJSON(clientEvent{Type: "message", Text: "hello"}); err != nil {
		t.Fatalf("message: %v", err)
	}
	event := readEvent(t, conn)
	if event.Type != "error" || event.Code != "INVALID_REQUEST" {
		t.Fatalf("event = %+v, want INVALID_REQUEST error", event)
	}
}

func TestWSMissingDocument(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts.URL, signToken(t, "alice"))

	if err := conn.WriteJSON(clientEvent{Type: "join-session"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	event := readEvent(t, conn)
	if event.Type != "error" || event.Code != "MISSING_DOCUMENT_ID" {
		t.Fatalf("event = %+v, want MISSING_DOCUMENT_ID error", event)
	}
}

func TestWSSuggestion(t *testing.T) {
	ts, st := newTestServer(t)
	conn := dialWS(t, ts.URL, signToken(t, "alice"))

	if err := conn.WriteJSON(clientEvent{
		Type:       "suggest",
		DocumentID: "doc1",
		ActionType: "formal",
		Text:       "this bit is kinda rough",
	}); err != nil {
		t.Fatalf("suggest: %v", err)
	}
	event := readEvent(t, conn)
	if event.Type != "suggestion" || event.Suggestion == nil || event.Suggestion.SuggestedText == "" {
		t.Fatalf("event = %+v", event)
	}
	// Silent variant: nothing persisted, no session created.
	if sessions, _ := st.ListSessionsByDocument("doc1", 10); len(sessions) != 0 {
		t.Fatalf("suggest created %d sessions", len(sessions))
	}
	if logs, _ := st.QueryLogs("doc1", store.LogFilter{}); len(logs) != 0 {
		t.Fatalf("suggest created %d log rows", len(logs))
	}
}

func TestWSUnauthorized(t *testing.T) {
	ts, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer not-a-token")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("dial with bad token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %+v", resp)
	}
}
