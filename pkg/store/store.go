package store

import (
	"errors"

	"veriscribe/pkg/domain"
)

var (
	// ErrNotFound is returned for unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrLogTerminal is returned when a finished interaction log is
	// asked to transition again. Each log leaves pending exactly once.
	ErrLogTerminal = errors.New("interaction log already terminal")
)

// LogFilter narrows interaction-log queries. Zero values mean "any".
type LogFilter struct {
	Status    domain.LogStatus
	QueryType string
	UserID    string
	Limit     int
}

// LogResult carries terminal data for an interaction log.
type LogResult struct {
	Status         domain.LogStatus
	Response       string
	ResponseTimeMs int64
	TokensUsed     int
}

// Store defines persistence for edit events, AI sessions, interaction
// logs, and selection actions.
type Store interface {
	// edit events
	AppendEditEvents(events []domain.EditEvent) error
	ListEditEvents(documentID string, limit int) ([]domain.EditEvent, error)
	GetEditEvent(id string) (domain.EditEvent, bool, error)
	SetEventSnapshotKey(eventID, key string) error

	// sessions
	CreateSession(domain.ChatSession) error
	GetSession(id string) (domain.ChatSession, bool, error)
	GetActiveSession(documentID, userID string) (domain.ChatSession, bool, error)
	ListSessionsByDocument(documentID string, limit int) ([]domain.ChatSession, error)
	CloseSession(id string) error
	// DeleteSessionCascade nulls sessionId on interaction logs, deletes
	// the session's messages, then the session row, in that order.
	DeleteSessionCascade(id string) error

	// messages
	AppendMessage(domain.ChatMessage) error
	ListMessages(sessionID string, limit int) ([]domain.ChatMessage, error)

	// interaction logs
	CreateLog(domain.InteractionLog) error
	GetLog(id string) (domain.InteractionLog, bool, error)
	// FinishLog moves a pending log to a terminal status. Returns
	// ErrLogTerminal when the log already left pending.
	FinishLog(id string, result LogResult) error
	MarkLogApplied(id string, modification string) error
	QueryLogs(documentID string, filter LogFilter) ([]domain.InteractionLog, error)

	// selection actions
	CreateSelectionAction(domain.SelectionAction) error
	ListSelectionActions(documentID string, limit int) ([]domain.SelectionAction, error)

	// aggregates
	AuthorshipStats(documentID string) (domain.AuthorshipStats, error)
	SelectionStats(documentID string) (domain.SelectionStats, error)
}
