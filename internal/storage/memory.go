package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/blufio/blufio/internal/errs"
	"github.com/blufio/blufio/pkg/models"
)

// MemStore is an in-memory Store implementation used by unit tests that
// need a Store but shouldn't pay for SQLite setup. It mirrors SQLiteStore's
// external behavior (ordering, lock semantics, FTS-less substring keyword
// search) closely enough that callers can't tell which one they got.
type MemStore struct {
	mu sync.Mutex

	sessions map[string]*models.Session // keyed by channel:sender
	messages map[string][]*models.Message
	queue    map[string]*models.QueueEntry
	memories map[string]*models.Memory
	costs    []*models.CostRecord
	skills   map[string]*models.SkillManifest
	vault    map[string]*models.VaultEntry
}

// NewMemStore constructs an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]*models.Session),
		messages: make(map[string][]*models.Message),
		queue:    make(map[string]*models.QueueEntry),
		memories: make(map[string]*models.Memory),
		skills:   make(map[string]*models.SkillManifest),
		vault:    make(map[string]*models.VaultEntry),
	}
}

func (m *MemStore) Close() error { return nil }

// ---- Sessions ----

func (m *MemStore) UpsertSession(ctx context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	cp := *s
	m.sessions[s.Key()] = &cp
	return nil
}

func (m *MemStore) GetSession(ctx context.Context, channel, senderID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[channel+":"+senderID]
	if !ok {
		return nil, errs.New(errs.KindStorage, errs.ErrNotFound, "session %s:%s", channel, senderID)
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) ListSessions(ctx context.Context, state models.SessionState) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Session
	for _, s := range m.sessions {
		if s.State == state {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemStore) MarkStaleSessions(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.State != models.SessionClosed && s.State != models.SessionStale {
			s.State = models.SessionStale
			s.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// ---- Messages ----

func (m *MemStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	cp := *msg
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], &cp)
	return nil
}

func (m *MemStore) ListMessages(ctx context.Context, sessionID string, limit int, order Ordering) ([]*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.messages[sessionID]
	out := make([]*models.Message, len(all))
	copy(out, all)
	sort.Slice(out, func(i, j int) bool {
		if order == NewestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- Queue ----

func (m *MemStore) Enqueue(ctx context.Context, e *models.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = models.QueuePending
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = 5
	}
	cp := *e
	m.queue[e.ID] = &cp
	return nil
}

func (m *MemStore) Claim(ctx context.Context, queue string, n int, lockFor time.Duration) ([]*models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*models.QueueEntry
	for _, e := range m.queue {
		if e.Queue == queue && e.Status == models.QueuePending {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	deadline := time.Now().Add(lockFor)
	out := make([]*models.QueueEntry, 0, len(candidates))
	for _, e := range candidates {
		e.Status = models.QueueProcessing
		e.LockDeadline = &deadline
		e.UpdatedAt = time.Now()
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemStore) Ack(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queue[id]
	if !ok {
		return errs.New(errs.KindStorage, errs.ErrNotFound, "queue entry %s", id)
	}
	e.Status = models.QueueCompleted
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) Fail(ctx context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queue[id]
	if !ok {
		return errs.New(errs.KindStorage, errs.ErrNotFound, "queue entry %s", id)
	}
	e.Attempts++
	if e.Attempts >= e.MaxAttempts {
		e.Status = models.QueueFailed
	} else {
		e.Status = models.QueuePending
	}
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) ReleaseExpiredLocks(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := time.Now()
	for _, e := range m.queue {
		if e.Status == models.QueueProcessing && e.LockDeadline != nil && e.LockDeadline.Before(now) {
			e.Status = models.QueuePending
			e.LockDeadline = nil
			e.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// ---- Memories ----

func (m *MemStore) InsertMemory(ctx context.Context, mem *models.Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = now
	}
	mem.UpdatedAt = now
	if mem.Status == "" {
		mem.Status = models.MemoryActive
	}
	cp := *mem
	m.memories[mem.ID] = &cp
	return nil
}

func (m *MemStore) GetMemory(ctx context.Context, id string) (*models.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memories[id]
	if !ok {
		return nil, errs.New(errs.KindMemory, errs.ErrNotFound, "memory %s", id)
	}
	cp := *mem
	return &cp, nil
}

func (m *MemStore) SearchVector(ctx context.Context, queryVec []float32, topK int) ([]models.ScoredMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var scored []models.ScoredMemory
	for _, mem := range m.memories {
		if mem.Status != models.MemoryActive {
			continue
		}
		cp := *mem
		scored = append(scored, models.ScoredMemory{Memory: &cp, Score: float64(dot(queryVec, mem.Embedding))})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// SearchKeyword does a naive substring match as a stand-in for FTS5 BM25;
// good enough for exercising fusion logic in tests without a real database.
func (m *MemStore) SearchKeyword(ctx context.Context, queryText string, topK int) ([]models.ScoredMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if queryText == "" {
		return nil, nil
	}
	var scored []models.ScoredMemory
	for _, mem := range m.memories {
		if mem.Status != models.MemoryActive {
			continue
		}
		if containsFold(mem.Content, queryText) {
			cp := *mem
			scored = append(scored, models.ScoredMemory{Memory: &cp, Score: 1.0})
		}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Memory.CreatedAt.After(scored[j].Memory.CreatedAt) })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func containsFold(haystack, needle string) bool {
	hl, nl := []rune(haystack), []rune(needle)
	toLower := func(rs []rune) []rune {
		out := make([]rune, len(rs))
		for i, r := range rs {
			if r >= 'A' && r <= 'Z' {
				r += 'a' - 'A'
			}
			out[i] = r
		}
		return out
	}
	hl, nl = toLower(hl), toLower(nl)
	if len(nl) == 0 || len(nl) > len(hl) {
		return len(nl) == 0
	}
	for i := 0; i+len(nl) <= len(hl); i++ {
		match := true
		for j := range nl {
			if hl[i+j] != nl[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func (m *MemStore) SoftDeleteMemory(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memories[id]
	if !ok {
		return errs.New(errs.KindMemory, errs.ErrNotFound, "memory %s", id)
	}
	mem.Status = models.MemoryForgotten
	mem.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) SupersedeMemory(ctx context.Context, oldID, newID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memories[oldID]
	if !ok {
		return errs.New(errs.KindMemory, errs.ErrNotFound, "memory %s", oldID)
	}
	mem.Status = models.MemorySuperseded
	mem.SupersededByID = newID
	mem.UpdatedAt = time.Now()
	return nil
}

// ---- Cost ledger ----

func (m *MemStore) InsertCostRecord(ctx context.Context, r *models.CostRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	cp := *r
	m.costs = append(m.costs, &cp)
	return nil
}

func (m *MemStore) SumRange(ctx context.Context, window TimeWindow) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, r := range m.costs {
		if !r.CreatedAt.Before(window.From) && r.CreatedAt.Before(window.To) {
			sum += r.CostUSD
		}
	}
	return sum, nil
}

func (m *MemStore) SumBySession(ctx context.Context, sessionID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, r := range m.costs {
		if r.SessionID == sessionID {
			sum += r.CostUSD
		}
	}
	return sum, nil
}

func (m *MemStore) SumByFeature(ctx context.Context, feature models.FeatureType, window TimeWindow) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, r := range m.costs {
		if r.FeatureType == feature && !r.CreatedAt.Before(window.From) && r.CreatedAt.Before(window.To) {
			sum += r.CostUSD
		}
	}
	return sum, nil
}

// ---- Skills ----

func (m *MemStore) InstallSkill(ctx context.Context, manifest *models.SkillManifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *manifest
	m.skills[manifest.Name] = &cp
	return nil
}

func (m *MemStore) RemoveSkill(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.skills, name)
	return nil
}

func (m *MemStore) ListSkills(ctx context.Context) ([]*models.SkillManifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.SkillManifest, 0, len(m.skills))
	for _, s := range m.skills {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemStore) GetSkill(ctx context.Context, name string) (*models.SkillManifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.skills[name]
	if !ok {
		return nil, errs.New(errs.KindSkill, errs.ErrNotFound, "skill %s", name)
	}
	cp := *s
	return &cp, nil
}

// ---- Vault ----

func (m *MemStore) PutVaultEntry(ctx context.Context, e *models.VaultEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.vault[e.Name] = &cp
	return nil
}

func (m *MemStore) GetVaultEntry(ctx context.Context, name string) (*models.VaultEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.vault[name]
	if !ok {
		return nil, errs.New(errs.KindSecurity, errs.ErrNotFound, "vault entry %s", name)
	}
	cp := *e
	return &cp, nil
}

var _ Store = (*MemStore)(nil)
