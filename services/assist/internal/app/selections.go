package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"veriscribe/internal/util"
	"veriscribe/pkg/ai"
	"veriscribe/pkg/domain"
)

var selectionPrompts = map[domain.SelectionActionType]string{
	domain.ActionGrammar:  "Fix the grammar and spelling of the following text. Reply with the corrected text only.",
	domain.ActionImprove:  "Improve the clarity and flow of the following text. Reply with the improved text only.",
	domain.ActionSimplify: "Simplify the following text without losing meaning. Reply with the simplified text only.",
	domain.ActionFormal:   "Rewrite the following text in a formal academic register. Reply with the rewritten text only.",
}

// SuggestRequest asks for an inline rewrite of a selected passage.
type SuggestRequest struct {
	DocumentID string
	UserID     string
	ActionType domain.SelectionActionType
	Text       string
}

// Suggestion is a proposed replacement awaiting the user's verdict.
type Suggestion struct {
	DocumentID     string                     `json:"documentId"`
	ActionType     domain.SelectionActionType `json:"actionType"`
	OriginalText   string                     `json:"originalText"`
	SuggestedText  string                     `json:"suggestedText"`
	ResponseTimeMs int64                      `json:"responseTimeMs"`
	ModelVersion   string                     `json:"modelVersion,omitempty"`
}

// SuggestSelection produces an inline rewrite. No session or log row
// is involved; nothing is persisted until the user decides.
func (a *App) SuggestSelection(ctx context.Context, req SuggestRequest) (Suggestion, error) {
	req.Text = strings.TrimSpace(req.Text)
	if strings.TrimSpace(req.DocumentID) == "" {
		return Suggestion{}, fmt.Errorf("%w: document id required", ErrValidation)
	}
	if req.Text == "" {
		return Suggestion{}, fmt.Errorf("%w: selection text required", ErrValidation)
	}
	prompt, ok := selectionPrompts[req.ActionType]
	if !ok {
		return Suggestion{}, fmt.Errorf("%w: unknown action type %q", ErrValidation, req.ActionType)
	}
	if err := a.checkOwner(ctx, req.DocumentID, req.UserID); err != nil {
		return Suggestion{}, err
	}
	if a.limiter != nil && !a.limiter.Allow(ctx, req.UserID) {
		return Suggestion{}, ErrRateLimited
	}

	callCtx, cancel := context.WithTimeout(ctx, a.exchangeTimeout)
	defer cancel()
	started := time.Now()
	result, err := a.provider.Complete(callCtx, []ai.Message{
		{Role: "system", Content: prompt},
		{Role: "user", Content: req.Text},
	}, ai.Options{MaxTokens: a.maxTokens, Temperature: a.temperature})
	if err != nil {
		return Suggestion{}, err
	}
	return Suggestion{
		DocumentID:     req.DocumentID,
		ActionType:     req.ActionType,
		OriginalText:   req.Text,
		SuggestedText:  strings.TrimSpace(result.Content),
		ResponseTimeMs: time.Since(started).Milliseconds(),
		ModelVersion:   a.modelVersion,
	}, nil
}

// DecisionRequest records the user's verdict on a suggestion.
type DecisionRequest struct {
	DocumentID     string
	UserID         string
	ActionType     domain.SelectionActionType
	OriginalText   string
	SuggestedText  string
	Decision       domain.Decision
	ResponseTimeMs int64
}

// RecordSelectionDecision persists an accept/reject verdict. The final
// text is always derived here: the suggestion on accept, the original
// on reject. Attribution of AI spans depends on that equality holding.
func (a *App) RecordSelectionDecision(ctx context.Context, req DecisionRequest) (domain.SelectionAction, error) {
	if strings.TrimSpace(req.DocumentID) == "" {
		return domain.SelectionAction{}, fmt.Errorf("%w: document id required", ErrValidation)
	}
	if req.Decision != domain.DecisionAccepted && req.Decision != domain.DecisionRejected {
		return domain.SelectionAction{}, fmt.Errorf("%w: decision must be accepted or rejected", ErrValidation)
	}
	if _, ok := selectionPrompts[req.ActionType]; !ok {
		return domain.SelectionAction{}, fmt.Errorf("%w: unknown action type %q", ErrValidation, req.ActionType)
	}
	if err := a.checkOwner(ctx, req.DocumentID, req.UserID); err != nil {
		return domain.SelectionAction{}, err
	}
	final := req.OriginalText
	if req.Decision == domain.DecisionAccepted {
		final = req.SuggestedText
	}
	action := domain.SelectionAction{
		ID:             util.NewID(),
		DocumentID:     req.DocumentID,
		UserID:         req.UserID,
		ActionType:     req.ActionType,
		OriginalText:   req.OriginalText,
		SuggestedText:  req.SuggestedText,
		Decision:       req.Decision,
		FinalText:      final,
		ResponseTimeMs: req.ResponseTimeMs,
		ModelVersion:   a.modelVersion,
		CreatedAt:      time.Now().UTC(),
	}
	if err := a.store.CreateSelectionAction(action); err != nil {
		return domain.SelectionAction{}, fmt.Errorf("save selection action: %w", err)
	}
	return action, nil
}

// SelectionStats aggregates accept/reject decisions for a document.
func (a *App) SelectionStats(ctx context.Context, documentID, userID string) (domain.SelectionStats, error) {
	if err := a.checkOwner(ctx, documentID, userID); err != nil {
		return domain.SelectionStats{}, err
	}
	stats, err := a.store.SelectionStats(documentID)
	if err != nil {
		return domain.SelectionStats{}, fmt.Errorf("selection stats: %w", err)
	}
	return stats, nil
}

// ListSelectionActions lists a document's recorded decisions.
func (a *App) ListSelectionActions(ctx context.Context, documentID, userID string, limit int) ([]domain.SelectionAction, error) {
	if err := a.checkOwner(ctx, documentID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	actions, err := a.store.ListSelectionActions(documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list selection actions: %w", err)
	}
	return actions, nil
}
