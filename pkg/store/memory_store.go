package store

import (
	"sort"
	"sync"
	"time"

	"veriscribe/pkg/domain"
)

// MemoryStore keeps everything in-process. It backs unit tests and
// single-node development without Postgres.
type MemoryStore struct {
	mu         sync.RWMutex
	events     []domain.EditEvent
	sessions   map[string]domain.ChatSession
	messages   map[string][]domain.ChatMessage
	logs       map[string]domain.InteractionLog
	logOrder   []string
	selections map[string][]domain.SelectionAction
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]domain.ChatSession),
		messages:   make(map[string][]domain.ChatMessage),
		logs:       make(map[string]domain.InteractionLog),
		selections: make(map[string][]domain.SelectionAction),
	}
}

func (m *MemoryStore) AppendEditEvents(events []domain.EditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *MemoryStore) ListEditEvents(documentID string, limit int) ([]domain.EditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.EditEvent, 0)
	for _, ev := range m.events {
		if ev.DocumentID != documentID {
			continue
		}
		res = append(res, ev)
		if limit > 0 && len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (m *MemoryStore) GetEditEvent(id string) (domain.EditEvent, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.events {
		if ev.ID == id {
			return ev, true, nil
		}
	}
	return domain.EditEvent{}, false, nil
}

func (m *MemoryStore) SetEventSnapshotKey(eventID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID == eventID {
			m.events[i].SnapshotKey = key
			m.events[i].SnapshotBefore = ""
			m.events[i].SnapshotAfter = ""
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) CreateSession(s domain.ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) GetSession(id string) (domain.ChatSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok, nil
}

func (m *MemoryStore) GetActiveSession(documentID, userID string) (domain.ChatSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest domain.ChatSession
	found := false
	for _, s := range m.sessions {
		if s.DocumentID != documentID || s.UserID != userID || s.Status != domain.SessionActive {
			continue
		}
		if !found || s.CreatedAt.After(newest.CreatedAt) {
			newest = s
			found = true
		}
	}
	return newest, found, nil
}

func (m *MemoryStore) ListSessionsByDocument(documentID string, limit int) ([]domain.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.ChatSession, 0)
	for _, s := range m.sessions {
		if s.DocumentID == documentID {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) CloseSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = domain.SessionClosed
	s.UpdatedAt = time.Now().UTC()
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) DeleteSessionCascade(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	for logID, entry := range m.logs {
		if entry.SessionID == id {
			entry.SessionID = ""
			m.logs[logID] = entry
		}
	}
	delete(m.messages, id)
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) AppendMessage(msg domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg)
	return nil
}

func (m *MemoryStore) ListMessages(sessionID string, limit int) ([]domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	res := make([]domain.ChatMessage, len(msgs))
	copy(res, msgs)
	return res, nil
}

func (m *MemoryStore) CreateLog(entry domain.InteractionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[entry.ID] = entry
	m.logOrder = append(m.logOrder, entry.ID)
	return nil
}

func (m *MemoryStore) GetLog(id string) (domain.InteractionLog, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.logs[id]
	return entry, ok, nil
}

func (m *MemoryStore) FinishLog(id string, result LogResult) error {
	if !result.Status.Terminal() {
		return ErrLogTerminal
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.logs[id]
	if !ok {
		return ErrNotFound
	}
	if entry.Status != domain.LogPending {
		return ErrLogTerminal
	}
	entry.Status = result.Status
	entry.Response = result.Response
	entry.ResponseTimeMs = result.ResponseTimeMs
	entry.TokensUsed = result.TokensUsed
	m.logs[id] = entry
	return nil
}

func (m *MemoryStore) MarkLogApplied(id string, modification string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.logs[id]
	if !ok {
		return ErrNotFound
	}
	entry.ModificationsApplied = true
	entry.Modifications = append(entry.Modifications, modification)
	m.logs[id] = entry
	return nil
}

func (m *MemoryStore) QueryLogs(documentID string, filter LogFilter) ([]domain.InteractionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	res := make([]domain.InteractionLog, 0)
	for i := len(m.logOrder) - 1; i >= 0 && len(res) < limit; i-- {
		entry := m.logs[m.logOrder[i]]
		if entry.DocumentID != documentID {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		if filter.QueryType != "" && entry.QueryType != filter.QueryType {
			continue
		}
		if filter.UserID != "" && entry.UserID != filter.UserID {
			continue
		}
		res = append(res, entry)
	}
	return res, nil
}

func (m *MemoryStore) CreateSelectionAction(action domain.SelectionAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selections[action.DocumentID] = append(m.selections[action.DocumentID], action)
	return nil
}

func (m *MemoryStore) ListSelectionActions(documentID string, limit int) ([]domain.SelectionAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	actions := m.selections[documentID]
	res := make([]domain.SelectionAction, 0, len(actions))
	for i := len(actions) - 1; i >= 0; i-- {
		res = append(res, actions[i])
		if limit > 0 && len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (m *MemoryStore) AuthorshipStats(documentID string) (domain.AuthorshipStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := domain.AuthorshipStats{
		DocumentID:          documentID,
		QuestionsByCategory: map[string]int{},
	}
	for _, ev := range m.events {
		if ev.DocumentID != documentID {
			continue
		}
		stats.EventCount++
		switch ev.Kind {
		case domain.EventTyped:
			stats.TypedChars += int64(len(ev.TextAfter))
		case domain.EventPasted:
			stats.PastedChars += int64(len(ev.TextAfter))
		case domain.EventAIApplied:
			stats.AIAppliedChars += int64(len(ev.TextAfter))
		case domain.EventDeleted:
			stats.DeletedChars += int64(len(ev.TextBefore))
		}
	}
	for _, id := range m.logOrder {
		entry := m.logs[id]
		if entry.DocumentID != documentID {
			continue
		}
		stats.InteractionCount++
		stats.QuestionsByCategory[entry.QueryType]++
	}
	selection := m.selectionStatsLocked(documentID)
	stats.SelectionTotal = selection.Total
	stats.SelectionAccepted = selection.Accepted
	stats.AcceptanceRate = selection.Rate
	return stats, nil
}

func (m *MemoryStore) SelectionStats(documentID string) (domain.SelectionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectionStatsLocked(documentID), nil
}

func (m *MemoryStore) selectionStatsLocked(documentID string) domain.SelectionStats {
	stats := domain.SelectionStats{
		DocumentID: documentID,
		ByAction:   map[string]int64{},
	}
	for _, action := range m.selections[documentID] {
		stats.Total++
		stats.ByAction[string(action.ActionType)]++
		switch action.Decision {
		case domain.DecisionAccepted:
			stats.Accepted++
		case domain.DecisionRejected:
			stats.Rejected++
		}
	}
	if stats.Total > 0 {
		stats.Rate = float64(stats.Accepted) / float64(stats.Total)
	}
	return stats
}
