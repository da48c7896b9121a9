package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"veriscribe/internal/util"
	"veriscribe/pkg/domain"
	"veriscribe/services/assist/internal/app"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser origin enforcement happens at the gateway.
	CheckOrigin: func(*http.Request) bool { return true },
}

// clientEvent is one inbound frame.
type clientEvent struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	Text       string `json:"text,omitempty"`
	Context    string `json:"context,omitempty"`
	ActionType string `json:"actionType,omitempty"`
}

// serverEvent is one outbound frame.
type serverEvent struct {
	Type       string              `json:"type"`
	SessionID  string              `json:"sessionId,omitempty"`
	MessageID  string              `json:"messageId,omitempty"`
	LogID      string              `json:"logId,omitempty"`
	Content    string              `json:"content,omitempty"`
	Message    *domain.ChatMessage `json:"message,omitempty"`
	QueryType  string              `json:"queryType,omitempty"`
	Suggestion *app.Suggestion     `json:"suggestion,omitempty"`
	Code       string              `json:"code,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// wsConn serializes writes; the generation goroutine and the read loop
// both emit frames.
type wsConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(event serverEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(event)
}

func (c *wsConn) sendError(err error) {
	status, code := classifyError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	_ = c.send(serverEvent{Type: "error", Code: code, Error: msg})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, userID string) {
	logger := util.LoggerFromContext(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &wsConn{id: uuid.NewString(), conn: conn}
	defer conn.Close()
	logger = logger.With("conn_id", c.id, "user_id", userID)
	logger.Debug("websocket connected")

	// Room state for this connection. One joined session at a time.
	var documentID, sessionID string
	var generating sync.WaitGroup

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var event clientEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			_ = c.send(serverEvent{Type: "error", Code: codeInvalidRequest, Error: "invalid frame"})
			continue
		}
		switch event.Type {
		case "join-session":
			if event.DocumentID == "" {
				_ = c.send(serverEvent{Type: "error", Code: codeMissingDocumentID, Error: "documentId is required"})
				continue
			}
			session, err := s.app.GetOrCreateActiveSession(r.Context(), event.DocumentID, userID)
			if err != nil {
				c.sendError(err)
				continue
			}
			documentID, sessionID = event.DocumentID, session.ID
			_ = c.send(serverEvent{Type: "session-joined", SessionID: session.ID})
		case "leave-session":
			documentID, sessionID = "", ""
		case "message":
			if sessionID == "" {
				_ = c.send(serverEvent{Type: "error", Code: codeInvalidRequest, Error: "join a session first"})
				continue
			}
			req := app.AskRequest{
				DocumentID: documentID,
				UserID:     userID,
				SessionID:  sessionID,
				Text:       event.Text,
				Context:    event.Context,
			}
			generating.Add(1)
			go func(req app.AskRequest, sid string) {
				defer generating.Done()
				s.streamExchange(r.Context(), c, req, sid)
			}(req, sessionID)
		case "cancel":
			if sessionID != "" {
				s.app.Cancel(sessionID)
			}
		case "suggest":
			suggestion, err := s.app.SuggestSelection(r.Context(), app.SuggestRequest{
				DocumentID: event.DocumentID,
				UserID:     userID,
				ActionType: domain.SelectionActionType(event.ActionType),
				Text:       event.Text,
			})
			if err != nil {
				c.sendError(err)
				continue
			}
			_ = c.send(serverEvent{Type: "suggestion", Suggestion: &suggestion})
		default:
			_ = c.send(serverEvent{Type: "error", Code: codeInvalidRequest, Error: "unknown event type"})
		}
	}
	generating.Wait()
	logger.Debug("websocket disconnected")
}

func (s *Server) streamExchange(ctx context.Context, c *wsConn, req app.AskRequest, sessionID string) {
	onStart := func(logID string) {
		_ = c.send(serverEvent{Type: "response-start", SessionID: sessionID, MessageID: logID})
	}
	res, err := s.app.AskStreaming(ctx, req, onStart, func(chunk string) {
		_ = c.send(serverEvent{Type: "response-chunk", SessionID: sessionID, Content: chunk})
	})
	if errors.Is(err, app.ErrCancelled) {
		_ = c.send(serverEvent{Type: "response-complete", SessionID: sessionID, LogID: res.LogID, Code: codeCancelled})
		return
	}
	if err != nil {
		c.sendError(err)
		return
	}
	msg := res.Message
	_ = c.send(serverEvent{
		Type:      "response-complete",
		SessionID: sessionID,
		LogID:     res.LogID,
		Message:   &msg,
		QueryType: res.QueryType,
	})
}
