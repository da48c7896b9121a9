package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.

// EditEventModel rows are append-only. Seq is a bigserial so listing by
// Seq returns events in the exact order they were persisted.
type EditEventModel struct {
	Seq            int64  `gorm:"primaryKey;autoIncrement"`
	ID             string `gorm:"uniqueIndex;not null"`
	DocumentID     string `gorm:"not null;index:idx_edit_events_doc_ts,priority:1"`
	ActorID        string `gorm:"not null;index"`
	Kind           string `gorm:"not null"`
	Timestamp      time.Time `gorm:"not null;index:idx_edit_events_doc_ts,priority:2"`
	TextBefore     string    `gorm:"type:text"`
	TextAfter      string    `gorm:"type:text"`
	CursorPosition int
	SnapshotBefore string         `gorm:"type:text"`
	SnapshotAfter  string         `gorm:"type:text"`
	SnapshotKey    string
	Metadata       datatypes.JSON `gorm:"type:jsonb"`
}

type ChatSessionModel struct {
	ID         string    `gorm:"primaryKey"`
	DocumentID string    `gorm:"not null;index:idx_sessions_doc_user,priority:1"`
	UserID     string    `gorm:"not null;index:idx_sessions_doc_user,priority:2"`
	Status     string    `gorm:"not null;index"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

type ChatMessageModel struct {
	ID        string         `gorm:"primaryKey"`
	SessionID string         `gorm:"not null;index"`
	Role      string         `gorm:"not null"`
	Content   string         `gorm:"type:text;not null"`
	Metadata  datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null;index"`
}

// InteractionLogModel keeps SessionID nullable: deleting a session nulls
// the reference but never deletes the row.
type InteractionLogModel struct {
	ID                   string  `gorm:"primaryKey"`
	DocumentID           string  `gorm:"not null;index"`
	UserID               string  `gorm:"not null;index"`
	SessionID            *string `gorm:"index"`
	Query                string  `gorm:"type:text;not null"`
	QueryType            string  `gorm:"not null"`
	ContextSnapshot      string  `gorm:"type:text"`
	Response             string  `gorm:"type:text"`
	ResponseTimeMs       int64
	TokensUsed           int
	ModificationsApplied bool
	Modifications        datatypes.JSON `gorm:"type:jsonb"`
	Status               string         `gorm:"not null;index"`
	QuestionCategory     string
	Metadata             datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt            time.Time      `gorm:"not null;index"`
}

type SelectionActionModel struct {
	ID             string `gorm:"primaryKey"`
	DocumentID     string `gorm:"not null;index"`
	UserID         string `gorm:"not null;index"`
	ActionType     string `gorm:"not null"`
	OriginalText   string `gorm:"type:text;not null"`
	SuggestedText  string `gorm:"type:text;not null"`
	Decision       string `gorm:"not null"`
	FinalText      string `gorm:"type:text;not null"`
	ResponseTimeMs int64
	ModelVersion   string
	CreatedAt      time.Time `gorm:"not null;index"`
}
