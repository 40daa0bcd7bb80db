// Package storage is the single-writer, WAL-journaled embedded store that
// backs every other component: sessions, messages, the inbound queue,
// memories, the cost ledger, and the skill registry. Exactly one writer
// goroutine (see sqlite.go) serializes all mutations; reads go straight to
// the shared *sql.DB connection pool, which SQLite's WAL mode allows to run
// lock-free and concurrently with the writer.
package storage

import (
	"context"
	"time"

	"github.com/blufio/blufio/pkg/models"
)

// Ordering controls the sort direction of ListMessages.
type Ordering int

const (
	OldestFirst Ordering = iota
	NewestFirst
)

// TimeWindow bounds a cost-ledger aggregation query.
type TimeWindow struct {
	From time.Time
	To   time.Time
}

// SessionStore persists Session rows.
type SessionStore interface {
	UpsertSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, channel, senderID string) (*models.Session, error)
	ListSessions(ctx context.Context, state models.SessionState) ([]*models.Session, error)
	// MarkStaleSessions transitions every non-Closed session to Stale. It is
	// called exactly once, at startup, to recover sessions that were
	// mid-turn when the process died.
	MarkStaleSessions(ctx context.Context) (int, error)
}

// MessageStore persists Message rows.
type MessageStore interface {
	InsertMessage(ctx context.Context, m *models.Message) error
	ListMessages(ctx context.Context, sessionID string, limit int, order Ordering) ([]*models.Message, error)
}

// QueueStore is the crash-safe inbound backlog.
type QueueStore interface {
	Enqueue(ctx context.Context, e *models.QueueEntry) error
	// Claim atomically moves up to n Pending entries (oldest first) for the
	// named queue to Processing, stamping LockDeadline = now+lockFor.
	Claim(ctx context.Context, queue string, n int, lockFor time.Duration) ([]*models.QueueEntry, error)
	Ack(ctx context.Context, id string) error
	// Fail increments Attempts; if Attempts >= MaxAttempts the entry moves to
	// Failed, otherwise it reverts to Pending for retry.
	Fail(ctx context.Context, id string, reason string) error
	// ReleaseExpiredLocks reverts Processing entries whose LockDeadline has
	// passed back to Pending. Called once at startup.
	ReleaseExpiredLocks(ctx context.Context) (int, error)
}

// MemoryStore persists Memory rows and exposes the two ranked-list primitives
// retrieval fuses together.
type MemoryStore interface {
	InsertMemory(ctx context.Context, m *models.Memory) error
	SearchVector(ctx context.Context, queryVec []float32, topK int) ([]models.ScoredMemory, error)
	SearchKeyword(ctx context.Context, queryText string, topK int) ([]models.ScoredMemory, error)
	SoftDeleteMemory(ctx context.Context, id string) error
	SupersedeMemory(ctx context.Context, oldID, newID string) error
	GetMemory(ctx context.Context, id string) (*models.Memory, error)
}

// CostStore persists CostRecord rows.
type CostStore interface {
	InsertCostRecord(ctx context.Context, r *models.CostRecord) error
	SumRange(ctx context.Context, window TimeWindow) (float64, error)
	SumBySession(ctx context.Context, sessionID string) (float64, error)
	SumByFeature(ctx context.Context, feature models.FeatureType, window TimeWindow) (float64, error)
}

// SkillStore persists SkillManifest registrations.
type SkillStore interface {
	InstallSkill(ctx context.Context, m *models.SkillManifest) error
	RemoveSkill(ctx context.Context, name string) error
	ListSkills(ctx context.Context) ([]*models.SkillManifest, error)
	GetSkill(ctx context.Context, name string) (*models.SkillManifest, error)
}

// VaultStore persists VaultEntry rows. The plaintext is never materialized
// through this interface; callers unwrap Ciphertext themselves.
type VaultStore interface {
	PutVaultEntry(ctx context.Context, e *models.VaultEntry) error
	GetVaultEntry(ctx context.Context, name string) (*models.VaultEntry, error)
}

// Store is the full storage surface the rest of the core depends on.
type Store interface {
	SessionStore
	MessageStore
	QueueStore
	MemoryStore
	CostStore
	SkillStore
	VaultStore

	Close() error
}
