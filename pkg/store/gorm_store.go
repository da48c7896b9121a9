package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"veriscribe/pkg/domain"
)

const migrateLockID int64 = 52195219

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory
// lock so concurrent replicas do not race on schema changes.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		return tx.AutoMigrate(
			&EditEventModel{},
			&ChatSessionModel{},
			&ChatMessageModel{},
			&InteractionLogModel{},
			&SelectionActionModel{},
		)
	}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", migrateLockID).Error; err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		return fn(tx)
	})
}

// AppendEditEvents persists a batch in slice order within one
// transaction, so the bigserial Seq preserves capture order.
func (s *GormStore) AppendEditEvents(events []domain.EditEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, ev := range events {
			row := editEventToModel(ev)
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("insert edit event %s: %w", ev.ID, err)
			}
		}
		return nil
	})
}

func (s *GormStore) ListEditEvents(documentID string, limit int) ([]domain.EditEvent, error) {
	q := s.db.Where("document_id = ?", documentID).Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []EditEventModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list edit events: %w", err)
	}
	events := make([]domain.EditEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, editEventFromModel(row))
	}
	return events, nil
}

func (s *GormStore) GetEditEvent(id string) (domain.EditEvent, bool, error) {
	var row EditEventModel
	err := s.db.Where("id = ?", id).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return domain.EditEvent{}, false, nil
	}
	if err != nil {
		return domain.EditEvent{}, false, fmt.Errorf("get edit event: %w", err)
	}
	return editEventFromModel(row), true, nil
}

func (s *GormStore) SetEventSnapshotKey(eventID, key string) error {
	res := s.db.Model(&EditEventModel{}).Where("id = ?", eventID).Updates(map[string]any{
		"snapshot_key":    key,
		"snapshot_before": "",
		"snapshot_after":  "",
	})
	if res.Error != nil {
		return fmt.Errorf("set snapshot key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CreateSession(session domain.ChatSession) error {
	row := sessionToModel(session)
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *GormStore) GetSession(id string) (domain.ChatSession, bool, error) {
	var row ChatSessionModel
	err := s.db.Where("id = ?", id).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return domain.ChatSession{}, false, nil
	}
	if err != nil {
		return domain.ChatSession{}, false, fmt.Errorf("get session: %w", err)
	}
	return sessionFromModel(row), true, nil
}

func (s *GormStore) GetActiveSession(documentID, userID string) (domain.ChatSession, bool, error) {
	var row ChatSessionModel
	err := s.db.
		Where("document_id = ? AND user_id = ? AND status = ?", documentID, userID, string(domain.SessionActive)).
		Order("created_at DESC").
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return domain.ChatSession{}, false, nil
	}
	if err != nil {
		return domain.ChatSession{}, false, fmt.Errorf("get active session: %w", err)
	}
	return sessionFromModel(row), true, nil
}

func (s *GormStore) ListSessionsByDocument(documentID string, limit int) ([]domain.ChatSession, error) {
	q := s.db.Where("document_id = ?", documentID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []ChatSessionModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions := make([]domain.ChatSession, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, sessionFromModel(row))
	}
	return sessions, nil
}

func (s *GormStore) CloseSession(id string) error {
	res := s.db.Model(&ChatSessionModel{}).Where("id = ?", id).Updates(map[string]any{
		"status":     string(domain.SessionClosed),
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("close session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteSessionCascade(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var row ChatSessionModel
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNotFound
			}
			return fmt.Errorf("load session: %w", err)
		}
		// Detach logs first so referential integrity never orphans them.
		if err := tx.Model(&InteractionLogModel{}).
			Where("session_id = ?", id).
			Update("session_id", nil).Error; err != nil {
			return fmt.Errorf("detach interaction logs: %w", err)
		}
		if err := tx.Where("session_id = ?", id).Delete(&ChatMessageModel{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if err := tx.Delete(&ChatSessionModel{ID: id}).Error; err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

func (s *GormStore) AppendMessage(msg domain.ChatMessage) error {
	row := messageToModel(msg)
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *GormStore) ListMessages(sessionID string, limit int) ([]domain.ChatMessage, error) {
	q := s.db.Where("session_id = ?", sessionID).Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []ChatMessageModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	messages := make([]domain.ChatMessage, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, messageFromModel(row))
	}
	return messages, nil
}

func (s *GormStore) CreateLog(entry domain.InteractionLog) error {
	row := logToModel(entry)
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("create interaction log: %w", err)
	}
	return nil
}

func (s *GormStore) GetLog(id string) (domain.InteractionLog, bool, error) {
	var row InteractionLogModel
	err := s.db.Where("id = ?", id).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return domain.InteractionLog{}, false, nil
	}
	if err != nil {
		return domain.InteractionLog{}, false, fmt.Errorf("get interaction log: %w", err)
	}
	return logFromModel(row), true, nil
}

// FinishLog guards the exactly-once transition with a conditional
// update on status = pending.
func (s *GormStore) FinishLog(id string, result LogResult) error {
	if !result.Status.Terminal() {
		return fmt.Errorf("finish log: %q is not a terminal status", result.Status)
	}
	res := s.db.Model(&InteractionLogModel{}).
		Where("id = ? AND status = ?", id, string(domain.LogPending)).
		Updates(map[string]any{
			"status":           string(result.Status),
			"response":         result.Response,
			"response_time_ms": result.ResponseTimeMs,
			"tokens_used":      result.TokensUsed,
		})
	if res.Error != nil {
		return fmt.Errorf("finish log: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.Model(&InteractionLogModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("finish log: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrLogTerminal
	}
	return nil
}

func (s *GormStore) MarkLogApplied(id string, modification string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var row InteractionLogModel
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNotFound
			}
			return fmt.Errorf("load interaction log: %w", err)
		}
		mods := stringsFromJSON(row.Modifications)
		mods = append(mods, modification)
		if err := tx.Model(&InteractionLogModel{}).Where("id = ?", id).Updates(map[string]any{
			"modifications_applied": true,
			"modifications":         stringsToJSON(mods),
		}).Error; err != nil {
			return fmt.Errorf("mark log applied: %w", err)
		}
		return nil
	})
}

func (s *GormStore) QueryLogs(documentID string, filter LogFilter) ([]domain.InteractionLog, error) {
	q := s.db.Where("document_id = ?", documentID).Order("created_at DESC, id DESC")
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.QueryType != "" {
		q = q.Where("query_type = ?", filter.QueryType)
	}
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []InteractionLogModel
	if err := q.Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query interaction logs: %w", err)
	}
	logs := make([]domain.InteractionLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, logFromModel(row))
	}
	return logs, nil
}

func (s *GormStore) CreateSelectionAction(action domain.SelectionAction) error {
	row := selectionToModel(action)
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("create selection action: %w", err)
	}
	return nil
}

func (s *GormStore) ListSelectionActions(documentID string, limit int) ([]domain.SelectionAction, error) {
	q := s.db.Where("document_id = ?", documentID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []SelectionActionModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list selection actions: %w", err)
	}
	actions := make([]domain.SelectionAction, 0, len(rows))
	for _, row := range rows {
		actions = append(actions, selectionFromModel(row))
	}
	return actions, nil
}

func (s *GormStore) AuthorshipStats(documentID string) (domain.AuthorshipStats, error) {
	stats := domain.AuthorshipStats{
		DocumentID:          documentID,
		QuestionsByCategory: map[string]int{},
	}

	type charRow struct {
		Kind  string
		Chars int64
		Count int64
	}
	var charRows []charRow
	if err := s.db.Model(&EditEventModel{}).
		Select("kind, COALESCE(SUM(LENGTH(text_after)), 0) AS chars, COUNT(*) AS count").
		Where("document_id = ?", documentID).
		Group("kind").
		Scan(&charRows).Error; err != nil {
		return stats, fmt.Errorf("aggregate edit events: %w", err)
	}
	for _, row := range charRows {
		stats.EventCount += row.Count
		switch domain.EventKind(row.Kind) {
		case domain.EventTyped:
			stats.TypedChars = row.Chars
		case domain.EventPasted:
			stats.PastedChars = row.Chars
		case domain.EventAIApplied:
			stats.AIAppliedChars = row.Chars
		}
	}
	var deleted int64
	if err := s.db.Model(&EditEventModel{}).
		Select("COALESCE(SUM(LENGTH(text_before)), 0)").
		Where("document_id = ? AND kind = ?", documentID, string(domain.EventDeleted)).
		Scan(&deleted).Error; err != nil {
		return stats, fmt.Errorf("aggregate deleted chars: %w", err)
	}
	stats.DeletedChars = deleted

	type catRow struct {
		QueryType string
		Count     int64
	}
	var catRows []catRow
	if err := s.db.Model(&InteractionLogModel{}).
		Select("query_type, COUNT(*) AS count").
		Where("document_id = ?", documentID).
		Group("query_type").
		Scan(&catRows).Error; err != nil {
		return stats, fmt.Errorf("aggregate interactions: %w", err)
	}
	for _, row := range catRows {
		stats.InteractionCount += row.Count
		stats.QuestionsByCategory[row.QueryType] = int(row.Count)
	}

	selection, err := s.SelectionStats(documentID)
	if err != nil {
		return stats, err
	}
	stats.SelectionTotal = selection.Total
	stats.SelectionAccepted = selection.Accepted
	stats.AcceptanceRate = selection.Rate
	return stats, nil
}

func (s *GormStore) SelectionStats(documentID string) (domain.SelectionStats, error) {
	stats := domain.SelectionStats{
		DocumentID: documentID,
		ByAction:   map[string]int64{},
	}
	type row struct {
		ActionType string
		Decision   string
		Count      int64
	}
	var rows []row
	if err := s.db.Model(&SelectionActionModel{}).
		Select("action_type, decision, COUNT(*) AS count").
		Where("document_id = ?", documentID).
		Group("action_type, decision").
		Scan(&rows).Error; err != nil {
		return stats, fmt.Errorf("aggregate selection actions: %w", err)
	}
	for _, r := range rows {
		stats.Total += r.Count
		stats.ByAction[r.ActionType] += r.Count
		switch domain.Decision(r.Decision) {
		case domain.DecisionAccepted:
			stats.Accepted += r.Count
		case domain.DecisionRejected:
			stats.Rejected += r.Count
		}
	}
	if stats.Total > 0 {
		stats.Rate = float64(stats.Accepted) / float64(stats.Total)
	}
	return stats, nil
}

// model conversions

func editEventToModel(ev domain.EditEvent) EditEventModel {
	return EditEventModel{
		ID:             ev.ID,
		DocumentID:     ev.DocumentID,
		ActorID:        ev.ActorID,
		Kind:           string(ev.Kind),
		Timestamp:      ev.Timestamp,
		TextBefore:     ev.TextBefore,
		TextAfter:      ev.TextAfter,
		CursorPosition: ev.CursorPosition,
		SnapshotBefore: ev.SnapshotBefore,
		SnapshotAfter:  ev.SnapshotAfter,
		SnapshotKey:    ev.SnapshotKey,
		Metadata:       mapToJSON(ev.Metadata),
	}
}

func editEventFromModel(row EditEventModel) domain.EditEvent {
	return domain.EditEvent{
		ID:             row.ID,
		DocumentID:     row.DocumentID,
		ActorID:        row.ActorID,
		Kind:           domain.EventKind(row.Kind),
		Timestamp:      row.Timestamp,
		TextBefore:     row.TextBefore,
		TextAfter:      row.TextAfter,
		CursorPosition: row.CursorPosition,
		SnapshotBefore: row.SnapshotBefore,
		SnapshotAfter:  row.SnapshotAfter,
		SnapshotKey:    row.SnapshotKey,
		Metadata:       mapFromJSON(row.Metadata),
	}
}

func sessionToModel(s domain.ChatSession) ChatSessionModel {
	return ChatSessionModel{
		ID:         s.ID,
		DocumentID: s.DocumentID,
		UserID:     s.UserID,
		Status:     string(s.Status),
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

func sessionFromModel(row ChatSessionModel) domain.ChatSession {
	return domain.ChatSession{
		ID:         row.ID,
		DocumentID: row.DocumentID,
		UserID:     row.UserID,
		Status:     domain.SessionStatus(row.Status),
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
}

func messageToModel(m domain.ChatMessage) ChatMessageModel {
	return ChatMessageModel{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      m.Role,
		Content:   m.Content,
		Metadata:  mapToJSON(m.Metadata),
		CreatedAt: m.CreatedAt,
	}
}

func messageFromModel(row ChatMessageModel) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        row.ID,
		SessionID: row.SessionID,
		Role:      row.Role,
		Content:   row.Content,
		Metadata:  mapFromJSON(row.Metadata),
		CreatedAt: row.CreatedAt,
	}
}

func logToModel(l domain.InteractionLog) InteractionLogModel {
	var sessionID *string
	if l.SessionID != "" {
		id := l.SessionID
		sessionID = &id
	}
	return InteractionLogModel{
		ID:                   l.ID,
		DocumentID:           l.DocumentID,
		UserID:               l.UserID,
		SessionID:            sessionID,
		Query:                l.Query,
		QueryType:            l.QueryType,
		ContextSnapshot:      l.ContextSnapshot,
		Response:             l.Response,
		ResponseTimeMs:       l.ResponseTimeMs,
		TokensUsed:           l.TokensUsed,
		ModificationsApplied: l.ModificationsApplied,
		Modifications:        stringsToJSON(l.Modifications),
		Status:               string(l.Status),
		QuestionCategory:     l.QuestionCategory,
		Metadata:             mapToJSON(l.Metadata),
		CreatedAt:            l.CreatedAt,
	}
}

func logFromModel(row InteractionLogModel) domain.InteractionLog {
	sessionID := ""
	if row.SessionID != nil {
		sessionID = *row.SessionID
	}
	return domain.InteractionLog{
		ID:                   row.ID,
		DocumentID:           row.DocumentID,
		UserID:               row.UserID,
		SessionID:            sessionID,
		Query:                row.Query,
		QueryType:            row.QueryType,
		ContextSnapshot:      row.ContextSnapshot,
		Response:             row.Response,
		ResponseTimeMs:       row.ResponseTimeMs,
		TokensUsed:           row.TokensUsed,
		ModificationsApplied: row.ModificationsApplied,
		Modifications:        stringsFromJSON(row.Modifications),
		Status:               domain.LogStatus(row.Status),
		QuestionCategory:     row.QuestionCategory,
		Metadata:             mapFromJSON(row.Metadata),
		CreatedAt:            row.CreatedAt,
	}
}

func selectionToModel(a domain.SelectionAction) SelectionActionModel {
	return SelectionActionModel{
		ID:             a.ID,
		DocumentID:     a.DocumentID,
		UserID:         a.UserID,
		ActionType:     string(a.ActionType),
		OriginalText:   a.OriginalText,
		SuggestedText:  a.SuggestedText,
		Decision:       string(a.Decision),
		FinalText:      a.FinalText,
		ResponseTimeMs: a.ResponseTimeMs,
		ModelVersion:   a.ModelVersion,
		CreatedAt:      a.CreatedAt,
	}
}

func selectionFromModel(row SelectionActionModel) domain.SelectionAction {
	return domain.SelectionAction{
		ID:             row.ID,
		DocumentID:     row.DocumentID,
		UserID:         row.UserID,
		ActionType:     domain.SelectionActionType(row.ActionType),
		OriginalText:   row.OriginalText,
		SuggestedText:  row.SuggestedText,
		Decision:       domain.Decision(row.Decision),
		FinalText:      row.FinalText,
		ResponseTimeMs: row.ResponseTimeMs,
		ModelVersion:   row.ModelVersion,
		CreatedAt:      row.CreatedAt,
	}
}

func mapToJSON(m map[string]string) datatypes.JSON {
	if len(m) == 0 {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}

func mapFromJSON(data datatypes.JSON) map[string]string {
	if len(data) == 0 {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func stringsToJSON(items []string) datatypes.JSON {
	if len(items) == 0 {
		return nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}

func stringsFromJSON(data datatypes.JSON) []string {
	if len(data) == 0 {
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return nil
	}
	return items
}
