package domain

import "time"

// EventKind classifies a single captured editor mutation.
type EventKind string

const (
	EventTyped     EventKind = "typed"
	EventPasted    EventKind = "pasted"
	EventDeleted   EventKind = "deleted"
	EventAIApplied EventKind = "ai_applied"
	EventSelection EventKind = "selection"
)

// SessionStatus tracks the lifecycle of a chat session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// LogStatus tracks the lifecycle of an interaction log row.
// A row is created pending and moves exactly once to a terminal status.
type LogStatus string

const (
	LogPending   LogStatus = "pending"
	LogSuccess   LogStatus = "success"
	LogError     LogStatus = "error"
	LogCancelled LogStatus = "cancelled"
)

// Terminal reports whether the status ends an exchange.
func (s LogStatus) Terminal() bool {
	return s == LogSuccess || s == LogError || s == LogCancelled
}

// SelectionActionType names the inline rewrite the user asked for.
type SelectionActionType string

const (
	ActionGrammar  SelectionActionType = "grammar"
	ActionImprove  SelectionActionType = "improve"
	ActionSimplify SelectionActionType = "simplify"
	ActionFormal   SelectionActionType = "formal"
)

// Decision is the user's explicit verdict on a suggested replacement.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
)

// EditEvent is one immutable captured document mutation.
type EditEvent struct {
	ID             string            `json:"id"`
	DocumentID     string            `json:"documentId"`
	ActorID        string            `json:"actorId"`
	Kind           EventKind         `json:"kind"`
	Timestamp      time.Time         `json:"timestamp"`
	TextBefore     string            `json:"textBefore"`
	TextAfter      string            `json:"textAfter"`
	CursorPosition int               `json:"cursorPosition"`
	SnapshotBefore string            `json:"snapshotBefore,omitempty"`
	SnapshotAfter  string            `json:"snapshotAfter,omitempty"`
	SnapshotKey    string            `json:"snapshotKey,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ChatSession groups AI messages for one (document, user) pair.
// At most one active session exists per pair.
type ChatSession struct {
	ID         string        `json:"id"`
	DocumentID string        `json:"documentId"`
	UserID     string        `json:"userId"`
	Status     SessionStatus `json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// ChatMessage is one append-only message within a session.
type ChatMessage struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"createdAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// InteractionLog is the durable audit record of one AI exchange.
// SessionID is nulled when its session is deleted; the row itself
// survives so authorship aggregates keep counting it.
type InteractionLog struct {
	ID                   string            `json:"id"`
	DocumentID           string            `json:"documentId"`
	UserID               string            `json:"userId"`
	SessionID            string            `json:"sessionId,omitempty"`
	Query                string            `json:"query"`
	QueryType            string            `json:"queryType"`
	ContextSnapshot      string            `json:"contextSnapshot,omitempty"`
	Response             string            `json:"response,omitempty"`
	ResponseTimeMs       int64             `json:"responseTimeMs"`
	TokensUsed           int               `json:"tokensUsed"`
	ModificationsApplied bool              `json:"modificationsApplied"`
	Modifications        []string          `json:"modifications,omitempty"`
	Status               LogStatus         `json:"status"`
	QuestionCategory     string            `json:"questionCategory,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
}

// SelectionAction records one explicit accept/reject decision on an
// inline AI suggestion. Written once, never updated.
type SelectionAction struct {
	ID             string              `json:"id"`
	DocumentID     string              `json:"documentId"`
	UserID         string              `json:"userId"`
	ActionType     SelectionActionType `json:"actionType"`
	OriginalText   string              `json:"originalText"`
	SuggestedText  string              `json:"suggestedText"`
	Decision       Decision            `json:"decision"`
	FinalText      string              `json:"finalText"`
	ResponseTimeMs int64               `json:"responseTimeMs,omitempty"`
	ModelVersion   string              `json:"modelVersion,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
}

// AuthorshipStats is the read-only aggregate handed to certificate
// generation.
type AuthorshipStats struct {
	DocumentID          string         `json:"documentId"`
	TypedChars          int64          `json:"typedChars"`
	PastedChars         int64          `json:"pastedChars"`
	AIAppliedChars      int64          `json:"aiAppliedChars"`
	DeletedChars        int64          `json:"deletedChars"`
	EventCount          int64          `json:"eventCount"`
	InteractionCount    int64          `json:"interactionCount"`
	QuestionsByCategory map[string]int `json:"questionsByCategory"`
	SelectionTotal      int64          `json:"selectionTotal"`
	SelectionAccepted   int64          `json:"selectionAccepted"`
	AcceptanceRate      float64        `json:"acceptanceRate"`
}

// SelectionStats summarizes accept/reject decisions for a document.
type SelectionStats struct {
	DocumentID string           `json:"documentId"`
	Total      int64            `json:"total"`
	Accepted   int64            `json:"accepted"`
	Rejected   int64            `json:"rejected"`
	Rate       float64          `json:"acceptanceRate"`
	ByAction   map[string]int64 `json:"byAction"`
}
