package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blufio/blufio/pkg/models"
)

// maxMessagesPerSession bounds in-memory history growth for long-lived test
// runs; old messages are trimmed once the limit is hit.
const maxMessagesPerSession = 1000

// MemoryStore is an in-memory Store for tests and local runs without a
// SQLite file on disk.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	byKey    map[string]string
	messages map[string][]*models.Message
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		byKey:    make(map[string]string),
		messages: make(map[string][]*models.Message),
	}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, channel, senderID string) (*models.Session, error) {
	key := channel + ":" + senderID
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[key]; ok {
		return cloneSession(m.sessions[id]), nil
	}
	now := time.Now()
	session := &models.Session{
		ID:        uuid.NewString(),
		Channel:   channel,
		SenderID:  senderID,
		State:     models.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[session.ID] = cloneSession(session)
	m.byKey[key] = session.ID
	return cloneSession(session), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := cloneSession(session)
	clone.UpdatedAt = time.Now()
	m.sessions[clone.ID] = clone
	m.byKey[clone.Channel+":"+clone.SenderID] = clone.ID
	return nil
}

func (m *MemoryStore) List(ctx context.Context, state models.SessionState) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Session
	for _, s := range m.sessions {
		if s.State == state {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.SessionID = sessionID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msgs := append(m.messages[sessionID], msg)
	if len(msgs) > maxMessagesPerSession {
		msgs = msgs[len(msgs)-maxMessagesPerSession:]
	}
	m.messages[sessionID] = msgs
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func cloneSession(s *models.Session) *models.Session {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}
