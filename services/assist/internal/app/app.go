package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"veriscribe/internal/util"
	"veriscribe/pkg/ai"
	"veriscribe/pkg/classify"
	"veriscribe/pkg/domain"
	"veriscribe/pkg/store"
)

const systemPrompt = "You are a writing assistant for academic authors. " +
	"Answer concisely, keep the author's voice, and never invent citations."

// OwnershipChecker gates every document-scoped operation. Implemented
// by the papers service client; tests inject a fake.
type OwnershipChecker interface {
	IsOwner(ctx context.Context, documentID, userID string) (bool, error)
}

// Limiter is the per-user AI request quota. Nil disables limiting.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Config wires dependencies for the orchestrator.
type Config struct {
	Store           store.Store
	Provider        ai.Provider
	Owners          OwnershipChecker
	Limiter         Limiter
	ExchangeTimeout time.Duration
	HistoryLimit    int
	MaxTokens       int
	Temperature     float32
	ModelVersion    string
}

// App orchestrates AI conversation lifecycle for documents. It owns the
// single-flight token registry; at most one generation is in flight per
// session at any time.
type App struct {
	store           store.Store
	provider        ai.Provider
	owners          OwnershipChecker
	limiter         Limiter
	tokens          *TokenRegistry
	exchangeTimeout time.Duration
	historyLimit    int
	maxTokens       int
	temperature     float32
	modelVersion    string
}

// New constructs the orchestrator.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("ai provider required")
	}
	if cfg.Owners == nil {
		return nil, fmt.Errorf("ownership checker required")
	}
	timeout := cfg.ExchangeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &App{
		store:           cfg.Store,
		provider:        cfg.Provider,
		owners:          cfg.Owners,
		limiter:         cfg.Limiter,
		tokens:          NewTokenRegistry(),
		exchangeTimeout: timeout,
		historyLimit:    historyLimit,
		maxTokens:       cfg.MaxTokens,
		temperature:     cfg.Temperature,
		modelVersion:    cfg.ModelVersion,
	}, nil
}

// AskRequest is one user query bound to a document.
type AskRequest struct {
	DocumentID string
	UserID     string
	SessionID  string
	Text       string
	Context    string
}

// AskResult is a finished exchange.
type AskResult struct {
	Session   domain.ChatSession
	Message   domain.ChatMessage
	LogID     string
	QueryType string
}

// GetOrCreateActiveSession returns the most recent active session for
// the (document, user) pair, creating one lazily. Never returns a
// closed session.
func (a *App) GetOrCreateActiveSession(ctx context.Context, documentID, userID string) (domain.ChatSession, error) {
	if err := a.checkOwner(ctx, documentID, userID); err != nil {
		return domain.ChatSession{}, err
	}
	return a.ensureSession(documentID, userID)
}

func (a *App) ensureSession(documentID, userID string) (domain.ChatSession, error) {
	session, ok, err := a.store.GetActiveSession(documentID, userID)
	if err != nil {
		return domain.ChatSession{}, fmt.Errorf("load active session: %w", err)
	}
	if ok {
		return session, nil
	}
	now := time.Now().UTC()
	session = domain.ChatSession{
		ID:         util.NewID(),
		DocumentID: documentID,
		UserID:     userID,
		Status:     domain.SessionActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := a.store.CreateSession(session); err != nil {
		return domain.ChatSession{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// CloseSession marks the session closed; its history stays queryable.
func (a *App) CloseSession(ctx context.Context, sessionID, userID string) error {
	if _, err := a.ownedSession(sessionID, userID); err != nil {
		return err
	}
	if err := a.store.CloseSession(sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// DeleteSession removes the session and its messages. Interaction logs
// are detached, never deleted, so authorship aggregates survive.
func (a *App) DeleteSession(ctx context.Context, sessionID, userID string) error {
	if _, err := a.ownedSession(sessionID, userID); err != nil {
		return err
	}
	a.tokens.Cancel(sessionID)
	if err := a.store.DeleteSessionCascade(sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Cancel flags the session's in-flight generation, if any. Idempotent.
// Chunk forwarding stops immediately; the in-flight exchange still
// resolves its log row exactly once, ultimately as cancelled.
func (a *App) Cancel(sessionID string) bool {
	return a.tokens.Cancel(sessionID)
}

// CancelSession cancels an in-flight generation after verifying the
// caller owns the session. The unchecked Cancel stays for callers that
// already hold an ownership proof, like a joined websocket.
func (a *App) CancelSession(ctx context.Context, sessionID, userID string) (bool, error) {
	if _, err := a.ownedSession(sessionID, userID); err != nil {
		return false, err
	}
	return a.tokens.Cancel(sessionID), nil
}

// Busy reports whether a generation is in flight for the session.
func (a *App) Busy(sessionID string) bool {
	return a.tokens.Active(sessionID)
}

// StartFunc is invoked once an exchange is accepted: the single-flight
// slot is held and the pending log exists, but no chunk has streamed.
type StartFunc func(logID string)

// Ask runs one synchronous exchange without chunk delivery.
func (a *App) Ask(ctx context.Context, req AskRequest) (AskResult, error) {
	return a.exchange(ctx, req, nil, nil)
}

// AskStreaming runs one exchange delivering chunks through onChunk in
// generation order. onStart, if non-nil, fires before the first chunk.
// Chunks stop as soon as cancellation is observed, even while the
// provider call keeps running.
func (a *App) AskStreaming(ctx context.Context, req AskRequest, onStart StartFunc, onChunk ai.ChunkFunc) (AskResult, error) {
	return a.exchange(ctx, req, onStart, onChunk)
}

func (a *App) exchange(ctx context.Context, req AskRequest, onStart StartFunc, onChunk ai.ChunkFunc) (AskResult, error) {
	req.Text = strings.TrimSpace(req.Text)
	if strings.TrimSpace(req.DocumentID) == "" {
		return AskResult{}, fmt.Errorf("%w: document id required", ErrValidation)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return AskResult{}, fmt.Errorf("%w: user id required", ErrValidation)
	}
	if req.Text == "" {
		return AskResult{}, fmt.Errorf("%w: message text required", ErrValidation)
	}
	if err := a.checkOwner(ctx, req.DocumentID, req.UserID); err != nil {
		return AskResult{}, err
	}
	if a.limiter != nil && !a.limiter.Allow(ctx, req.UserID) {
		return AskResult{}, ErrRateLimited
	}

	var session domain.ChatSession
	if req.SessionID != "" {
		owned, err := a.ownedSession(req.SessionID, req.UserID)
		if err != nil {
			return AskResult{}, err
		}
		if owned.DocumentID != req.DocumentID {
			return AskResult{}, fmt.Errorf("%w: session belongs to another document", ErrValidation)
		}
		session = owned
	} else {
		var err error
		session, err = a.ensureSession(req.DocumentID, req.UserID)
		if err != nil {
			return AskResult{}, err
		}
	}

	// Single-flight gate comes before any persistence so a rejected
	// duplicate leaves no log row behind.
	token, err := a.tokens.Start(session.ID)
	if err != nil {
		return AskResult{}, err
	}
	defer a.tokens.Release(session.ID, token)

	queryType := classify.QueryType(req.Text)
	logID := util.NewID()
	entry := domain.InteractionLog{
		ID:               logID,
		DocumentID:       req.DocumentID,
		UserID:           req.UserID,
		SessionID:        session.ID,
		Query:            req.Text,
		QueryType:        queryType,
		ContextSnapshot:  req.Context,
		Status:           domain.LogPending,
		QuestionCategory: queryType,
		CreatedAt:        time.Now().UTC(),
	}
	if err := a.store.CreateLog(entry); err != nil {
		return AskResult{}, fmt.Errorf("create interaction log: %w", err)
	}
	if onStart != nil {
		onStart(logID)
	}
	messages, err := a.buildMessages(session.ID, req)
	if err != nil {
		a.finishLog(logID, store.LogResult{Status: domain.LogError})
		return AskResult{}, err
	}
	userMsg := domain.ChatMessage{
		ID:        util.NewID(),
		SessionID: session.ID,
		Role:      "user",
		Content:   req.Text,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.AppendMessage(userMsg); err != nil {
		a.finishLog(logID, store.LogResult{Status: domain.LogError})
		return AskResult{}, fmt.Errorf("save user message: %w", err)
	}

	started := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, a.exchangeTimeout)
	defer cancel()

	guarded := onChunk
	if guarded != nil {
		inner := onChunk
		guarded = func(chunk string) {
			if !token.Cancelled() {
				inner(chunk)
			}
		}
	}
	opts := ai.Options{MaxTokens: a.maxTokens, Temperature: a.temperature}
	var result ai.Result
	var provErr error
	if guarded != nil {
		result, provErr = a.provider.CompleteStreaming(callCtx, messages, guarded, opts)
	} else {
		result, provErr = a.provider.Complete(callCtx, messages, opts)
	}
	elapsed := time.Since(started).Milliseconds()

	if token.Cancelled() {
		a.finishLog(logID, store.LogResult{
			Status:         domain.LogCancelled,
			Response:       result.Content,
			ResponseTimeMs: elapsed,
			TokensUsed:     result.TokensUsed,
		})
		return AskResult{Session: session, LogID: logID, QueryType: queryType}, ErrCancelled
	}
	if provErr != nil {
		a.finishLog(logID, store.LogResult{Status: domain.LogError, ResponseTimeMs: elapsed})
		if errors.Is(provErr, context.DeadlineExceeded) || errors.Is(provErr, context.Canceled) {
			return AskResult{}, fmt.Errorf("exchange timed out: %w", ai.ErrUnavailable)
		}
		return AskResult{}, provErr
	}

	assistantMsg := domain.ChatMessage{
		ID:        util.NewID(),
		SessionID: session.ID,
		Role:      "assistant",
		Content:   result.Content,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.AppendMessage(assistantMsg); err != nil {
		a.finishLog(logID, store.LogResult{Status: domain.LogError, ResponseTimeMs: elapsed})
		return AskResult{}, fmt.Errorf("save assistant message: %w", err)
	}
	a.finishLog(logID, store.LogResult{
		Status:         domain.LogSuccess,
		Response:       result.Content,
		ResponseTimeMs: elapsed,
		TokensUsed:     result.TokensUsed,
	})
	return AskResult{
		Session:   session,
		Message:   assistantMsg,
		LogID:     logID,
		QueryType: queryType,
	}, nil
}

// buildMessages loads prior turns and appends the new user turn. Called
// before the new turn is persisted so history never contains it.
func (a *App) buildMessages(sessionID string, req AskRequest) ([]ai.Message, error) {
	history, err := a.store.ListMessages(sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if len(history) > a.historyLimit {
		history = history[len(history)-a.historyLimit:]
	}
	messages := []ai.Message{{Role: "system", Content: systemPrompt}}
	for _, msg := range history {
		if msg.Role == "user" || msg.Role == "assistant" {
			messages = append(messages, ai.Message{Role: msg.Role, Content: msg.Content})
		}
	}
	content := req.Text
	if strings.TrimSpace(req.Context) != "" {
		content = fmt.Sprintf("Document excerpt:\n%s\n\nRequest: %s", req.Context, req.Text)
	}
	return append(messages, ai.Message{Role: "user", Content: content}), nil
}

func (a *App) finishLog(logID string, result store.LogResult) {
	if err := a.store.FinishLog(logID, result); err != nil && !errors.Is(err, store.ErrLogTerminal) {
		// The exchange outcome stands; only the audit row update failed.
		// Surfacing would double-report, so log and move on.
		util.LoggerFromContext(context.Background()).Error("finish interaction log failed",
			"log_id", logID, "status", string(result.Status), "err", err)
	}
}

func (a *App) checkOwner(ctx context.Context, documentID, userID string) error {
	ok, err := a.owners.IsOwner(ctx, documentID, userID)
	if err != nil {
		return fmt.Errorf("ownership check: %w", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func (a *App) ownedSession(sessionID, userID string) (domain.ChatSession, error) {
	session, ok, err := a.store.GetSession(sessionID)
	if err != nil {
		return domain.ChatSession{}, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return domain.ChatSession{}, ErrSessionNotFound
	}
	if session.UserID != userID {
		return domain.ChatSession{}, ErrForbidden
	}
	return session, nil
}

// ListSessions lists a document's sessions, newest first.
func (a *App) ListSessions(ctx context.Context, documentID, userID string, limit int) ([]domain.ChatSession, error) {
	if err := a.checkOwner(ctx, documentID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	sessions, err := a.store.ListSessionsByDocument(documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// ListMessages lists a session's messages in send/receive order.
func (a *App) ListMessages(ctx context.Context, sessionID, userID string, limit int) ([]domain.ChatMessage, error) {
	if _, err := a.ownedSession(sessionID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	messages, err := a.store.ListMessages(sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// QueryLogs filters a document's interaction logs.
func (a *App) QueryLogs(ctx context.Context, documentID, userID string, filter store.LogFilter) ([]domain.InteractionLog, error) {
	if err := a.checkOwner(ctx, documentID, userID); err != nil {
		return nil, err
	}
	logs, err := a.store.QueryLogs(documentID, filter)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	return logs, nil
}

// ApplySuggestion records that the user applied an AI response to the
// document, appending the modification to the audit row.
func (a *App) ApplySuggestion(ctx context.Context, logID, userID, modification string) (domain.InteractionLog, error) {
	entry, ok, err := a.store.GetLog(logID)
	if err != nil {
		return domain.InteractionLog{}, fmt.Errorf("load interaction log: %w", err)
	}
	if !ok {
		return domain.InteractionLog{}, ErrLogNotFound
	}
	if entry.UserID != userID {
		return domain.InteractionLog{}, ErrForbidden
	}
	if strings.TrimSpace(modification) == "" {
		modification = entry.Response
	}
	if err := a.store.MarkLogApplied(logID, modification); err != nil {
		return domain.InteractionLog{}, fmt.Errorf("mark applied: %w", err)
	}
	updated, _, err := a.store.GetLog(logID)
	if err != nil {
		return domain.InteractionLog{}, fmt.Errorf("reload interaction log: %w", err)
	}
	return updated, nil
}
