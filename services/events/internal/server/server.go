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
	"veriscribe/pkg/domain"
	"veriscribe/services/events/internal/app"
)

const (
	codeMissingDocumentID = "MISSING_DOCUMENT_ID"
	codeInvalidRequest    = "INVALID_REQUEST"
	codeUnauthorized      = "UNAUTHORIZED"
	codeNotFound          = "NOT_FOUND"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *usertoken.Verifier
}

// Server exposes HTTP endpoints for the events service.
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
	s.mux.Handle("/documents/", s.withUser(s.handleDocumentScoped))
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

// /documents/{id}/events, /documents/{id}/authorship
func (s *Server) handleDocumentScoped(w http.ResponseWriter, r *http.Request, userID string) {
	path := strings.TrimPrefix(r.URL.Path, "/documents/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		notFound(w)
		return
	}
	documentID := parts[0]
	switch parts[1] {
	case "events":
		switch r.Method {
		case http.MethodPost:
			s.handleIngest(w, r, documentID, userID)
		case http.MethodGet:
			s.handleListEvents(w, r, documentID, userID)
		default:
			methodNotAllowed(w)
		}
	case "authorship":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		stats, err := s.app.AuthorshipStats(r.Context(), documentID, userID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	default:
		notFound(w)
	}
}

type ingestRequest struct {
	Events []domain.EditEvent `json:"events"`
}

// handleIngest accepts a flushed capture batch. With ?beacon=1 the
// client is a page-teardown sendBeacon that never reads the response;
// the reply is 202 with an empty body either way the batch lands.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request, documentID, userID string) {
	var req ingestRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 8<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}
	saved, err := s.app.AppendBatch(r.Context(), documentID, userID, req.Events)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if r.URL.Query().Get("beacon") == "1" {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	ids := make([]string, 0, len(saved))
	for _, ev := range saved {
		ids = append(ids, ev.ID)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(saved), "eventIds": ids})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request, documentID, userID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.app.ListEvents(r.Context(), documentID, userID, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
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

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrValidation):
		code := codeInvalidRequest
		if strings.Contains(err.Error(), "document id") {
			code = codeMissingDocumentID
		}
		writeError(w, http.StatusBadRequest, code, err.Error())
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, codeUnauthorized, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, codeInvalidRequest, "internal error")
	}
}
