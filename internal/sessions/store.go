// Package sessions adapts the agent runtime's session/history needs onto
// internal/storage's embedded SQLite store. It exists as a narrow seam so
// internal/agent depends on a small interface instead of the full storage
// surface.
package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blufio/blufio/internal/storage"
	"github.com/blufio/blufio/pkg/models"
)

// Store is the session persistence surface the agent runtime needs: finding
// or creating a session for an inbound message, appending to and reading its
// history, and updating session state (routing decision, last-active time).
type Store interface {
	GetOrCreate(ctx context.Context, channel, senderID string) (*models.Session, error)
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	List(ctx context.Context, state models.SessionState) ([]*models.Session, error)
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}

// StorageStore implements Store over an internal/storage.Store, which is the
// only session/message persistence blufio has (there is no separate
// conversation-branching or multi-tenant session layer).
type StorageStore struct {
	db storage.Store
}

// NewStorageStore wraps a storage.Store as a sessions.Store.
func NewStorageStore(db storage.Store) *StorageStore {
	return &StorageStore{db: db}
}

func (s *StorageStore) GetOrCreate(ctx context.Context, channel, senderID string) (*models.Session, error) {
	existing, err := s.db.GetSession(ctx, channel, senderID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if existing != nil {
		return existing, nil
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
	if err := s.db.UpsertSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// Get retrieves a session by its own sessions-package identifier. There is
// no id-keyed lookup on storage.SessionStore (sessions are found by
// channel+sender), so this scans the active/stale/closed lists; callers on
// the hot path should prefer the (channel, senderID) form above.
func (s *StorageStore) Get(ctx context.Context, id string) (*models.Session, error) {
	for _, state := range []models.SessionState{models.SessionActive, models.SessionStale, models.SessionClosed} {
		sessions, err := s.db.ListSessions(ctx, state)
		if err != nil {
			return nil, err
		}
		for _, sess := range sessions {
			if sess.ID == id {
				return sess, nil
			}
		}
	}
	return nil, fmt.Errorf("session not found: %s", id)
}

func (s *StorageStore) Update(ctx context.Context, session *models.Session) error {
	session.UpdatedAt = time.Now()
	return s.db.UpsertSession(ctx, session)
}

func (s *StorageStore) List(ctx context.Context, state models.SessionState) ([]*models.Session, error) {
	return s.db.ListSessions(ctx, state)
}

func (s *StorageStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.SessionID = sessionID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return s.db.InsertMessage(ctx, msg)
}

func (s *StorageStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	return s.db.ListMessages(ctx, sessionID, limit, storage.NewestFirst)
}
