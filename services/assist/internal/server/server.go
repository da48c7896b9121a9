package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"veriscribe/internal/usertoken"
	"veriscribe/internal/util"
	"veriscribe/pkg/ai"
	"veriscribe/pkg/domain"
	"veriscribe/pkg/store"
	"veriscribe/services/assist/internal/app"
)

// Machine-readable error codes carried alongside HTTP status.
const (
	codeMissingDocumentID = "MISSING_DOCUMENT_ID"
	codeInvalidRequest    = "INVALID_REQUEST"
	codeUnauthorized      = "UNAUTHORIZED"
	codeSessionBusy       = "SESSION_BUSY"
	codeAIError           = "AI_ERROR"
	codeNotFound          = "NOT_FOUND"
	codeRateLimited       = "RATE_LIMITED"
	codeCancelled         = "CANCELLED"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *usertoken.Verifier
}

// Server exposes HTTP and websocket endpoints for the assist service.
type Server struct {
	app           *app.App
	tokenVerifier *usertoken.Verifier
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/messages", s.withUser(s.handleSendMessage))
	s.mux.Handle("/sessions/", s.withUser(s.handleSessionByID))
	s.mux.Handle("/documents/", s.withUser(s.handleDocumentScoped))
	s.mux.Handle("/logs/", s.withUser(s.handleLogByID))
	s.mux.Handle("/selections/suggest", s.withUser(s.handleSuggest))
	s.mux.Handle("/selections", s.withUser(s.handleSelectionDecision))
	s.mux.Handle("/ws", s.withUser(s.handleWS))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, codeInvalidRequest, "token verifier not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
			return
		}
		userID, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		DocumentID string `json:"documentId"`
		SessionID  string `json:"sessionId"`
		Text       string `json:"text"`
		Context    string `json:"context"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}
	res, err := s.app.Ask(r.Context(), app.AskRequest{
		DocumentID: req.DocumentID,
		UserID:     userID,
		SessionID:  req.SessionID,
		Text:       req.Text,
		Context:    req.Context,
	})
	if errors.Is(err, app.ErrCancelled) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "cancelled",
			"code":   codeCancelled,
			"logId":  res.LogID,
		})
		return
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":   res.Session,
		"message":   res.Message,
		"logId":     res.LogID,
		"queryType": res.QueryType,
	})
}

// /sessions/{id}, /sessions/{id}/messages, /sessions/{id}/close,
// /sessions/{id}/cancel
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request, userID string) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w)
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "messages":
			if r.Method != http.MethodGet {
				methodNotAllowed(w)
				return
			}
			msgs, err := s.app.ListMessages(r.Context(), id, userID, queryLimit(r))
			if err != nil {
				writeAppError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
		case "close":
			if r.Method != http.MethodPost {
				methodNotAllowed(w)
				return
			}
			if err := s.app.CloseSession(r.Context(), id, userID); err != nil {
				writeAppError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
		case "cancel":
			if r.Method != http.MethodPost {
				methodNotAllowed(w)
				return
			}
			cancelled, err := s.app.CancelSession(r.Context(), id, userID)
			if err != nil {
				writeAppError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
		default:
			notFound(w)
		}
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.DeleteSession(r.Context(), id, userID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// /documents/{id}/session, /documents/{id}/sessions,
// /documents/{id}/logs, /documents/{id}/selections,
// /documents/{id}/selections/stats
func (s *Server) handleDocumentScoped(w http.ResponseWriter, r *http.Request, userID string) {
	path := strings.TrimPrefix(r.URL.Path, "/documents/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		notFound(w)
		return
	}
	documentID := parts[0]
	switch parts[1] {
	case "session":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		session, err := s.app.GetOrCreateActiveSession(r.Context(), documentID, userID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	case "sessions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		sessions, err := s.app.ListSessions(r.Context(), documentID, userID, queryLimit(r))
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	case "logs":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		filter := store.LogFilter{
			Status:    domain.LogStatus(r.URL.Query().Get("status")),
			QueryType: r.URL.Query().Get("queryType"),
			Limit:     queryLimit(r),
		}
		logs, err := s.app.QueryLogs(r.Context(), documentID, userID, filter)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
	case "selections":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		actions, err := s.app.ListSelectionActions(r.Context(), documentID, userID, queryLimit(r))
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"selections": actions})
	case "selections/stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		stats, err := s.app.SelectionStats(r.Context(), documentID, userID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	default:
		notFound(w)
	}
}

// /logs/{id}/apply
func (s *Server) handleLogByID(w http.ResponseWriter, r *http.Request, userID string) {
	path := strings.TrimPrefix(r.URL.Path, "/logs/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] != "apply" {
		notFound(w)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Modification string `json:"modification"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}
	entry, err := s.app.ApplySuggestion(r.Context(), parts[0], userID, req.Modification)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		DocumentID string `json:"documentId"`
		ActionType string `json:"actionType"`
		Text       string `json:"text"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}
	suggestion, err := s.app.SuggestSelection(r.Context(), app.SuggestRequest{
		DocumentID: req.DocumentID,
		UserID:     userID,
		ActionType: domain.SelectionActionType(req.ActionType),
		Text:       req.Text,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestion)
}

func (s *Server) handleSelectionDecision(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		DocumentID     string `json:"documentId"`
		ActionType     string `json:"actionType"`
		OriginalText   string `json:"originalText"`
		SuggestedText  string `json:"suggestedText"`
		Decision       string `json:"decision"`
		ResponseTimeMs int64  `json:"responseTimeMs"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}
	action, err := s.app.RecordSelectionDecision(r.Context(), app.DecisionRequest{
		DocumentID:     req.DocumentID,
		UserID:         userID,
		ActionType:     domain.SelectionActionType(req.ActionType),
		OriginalText:   req.OriginalText,
		SuggestedText:  req.SuggestedText,
		Decision:       domain.Decision(req.Decision),
		ResponseTimeMs: req.ResponseTimeMs,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token, token != ""
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, codeNotFound, "not found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// writeAppError maps orchestrator sentinels to HTTP status and error
// code. Unknown errors become a generic 500 without internal detail.
func writeAppError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrValidation):
		if strings.Contains(err.Error(), "document id") {
			return http.StatusBadRequest, codeMissingDocumentID
		}
		return http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden, codeUnauthorized
	case errors.Is(err, app.ErrBusy):
		return http.StatusConflict, codeSessionBusy
	case errors.Is(err, app.ErrRateLimited):
		return http.StatusTooManyRequests, codeRateLimited
	case errors.Is(err, app.ErrCancelled):
		return http.StatusConflict, codeCancelled
	case errors.Is(err, app.ErrSessionNotFound), errors.Is(err, app.ErrLogNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, ai.ErrUnavailable):
		return http.StatusBadGateway, codeAIError
	default:
		return http.StatusInternalServerError, codeInvalidRequest
	}
}
