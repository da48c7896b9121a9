package app

import (
	"sync"
	"sync/atomic"
)

// CancellationToken is the ephemeral, process-local handle for one
// in-flight generation. It only carries a cooperative cancel flag;
// the underlying provider call may run to completion after Cancel,
// but chunk forwarding and result application stop immediately.
type CancellationToken struct {
	cancelled atomic.Bool
}

// Cancel sets the flag. Safe to call any number of times.
func (t *CancellationToken) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called.
func (t *CancellationToken) Cancelled() bool {
	return t.cancelled.Load()
}

// TokenRegistry enforces the per-session single-flight rule. It is
// owned by an orchestrator instance and passed by dependency, so tests
// can run isolated orchestrators side by side.
type TokenRegistry struct {
	mu     sync.Mutex
	tokens map[string]*CancellationToken
}

// NewTokenRegistry creates an empty registry.
func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{tokens: make(map[string]*CancellationToken)}
}

// Start registers a fresh token for the session. A session with a live
// token is busy: the second caller gets ErrBusy, never a queue slot.
func (r *TokenRegistry) Start(sessionID string) (*CancellationToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tokens[sessionID]; exists {
		return nil, ErrBusy
	}
	token := &CancellationToken{}
	r.tokens[sessionID] = token
	return token, nil
}

// Cancel sets the live token's flag and removes it. Idempotent: without
// a live token it reports false and does nothing.
func (r *TokenRegistry) Cancel(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, exists := r.tokens[sessionID]
	if !exists {
		return false
	}
	token.Cancel()
	delete(r.tokens, sessionID)
	return true
}

// Release removes the session's token if it still is the given one.
// Called on natural completion; a Cancel that already removed it wins.
func (r *TokenRegistry) Release(sessionID string, token *CancellationToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, exists := r.tokens[sessionID]; exists && current == token {
		delete(r.tokens, sessionID)
	}
}

// Active reports whether a generation is in flight for the session.
func (r *TokenRegistry) Active(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.tokens[sessionID]
	return exists
}
