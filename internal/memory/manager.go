// Package memory implements long-term memory: hybrid dense+keyword
// retrieval fused by reciprocal rank fusion, idle-triggered extraction of
// durable facts from conversation turns, and lazy contradiction resolution.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blufio/blufio/internal/errs"
	"github.com/blufio/blufio/internal/storage"
	"github.com/blufio/blufio/pkg/models"
)

// Embedder is the narrow surface Manager needs from internal/memory/embed's
// *Embedder; kept as an interface so tests can substitute a fake without
// loading an ONNX model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// rrfK is reciprocal rank fusion's rank-smoothing constant.
const rrfK = 60

// Config controls retrieval and extraction behavior.
type Config struct {
	TopKDense   int           // candidates considered from the dense search, default 20
	TopKKeyword int           // candidates considered from the keyword search, default 20
	FusedLimit  int           // memories returned after fusion, default 5
	MinScore    float64       // fused scores below this are dropped, default 0.35
	IdleQuiet   time.Duration // session idle period before extraction runs, default 5m
}

func (c *Config) applyDefaults() {
	if c.TopKDense == 0 {
		c.TopKDense = 20
	}
	if c.TopKKeyword == 0 {
		c.TopKKeyword = 20
	}
	if c.FusedLimit == 0 {
		c.FusedLimit = 5
	}
	if c.MinScore == 0 {
		c.MinScore = 0.35
	}
	if c.IdleQuiet == 0 {
		c.IdleQuiet = 5 * time.Minute
	}
}

// Extractor is the narrow LLM surface the Manager needs to run fact
// extraction without depending on the full router/provider stack.
type Extractor interface {
	// ExtractFacts asks the configured small model to pull discrete,
	// storable facts out of transcript. The returned cost is recorded
	// against feature=extraction by the caller.
	ExtractFacts(ctx context.Context, transcript string) ([]ExtractedFact, TokenUsage, error)
}

// ExtractedFact is one fact surfaced by extraction, prior to embedding.
type ExtractedFact struct {
	Content  string `json:"content"`
	Category string `json:"category"`
}

// TokenUsage mirrors the subset of billing fields the cost ledger needs.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// Manager owns retrieval, extraction, and lifecycle for long-term memories.
type Manager struct {
	store     storage.MemoryStore
	embedder  Embedder
	extractor Extractor
	cfg       Config
	logger    *slog.Logger

	currentQuery string
}

// New constructs a Manager. extractor may be nil if extraction is disabled.
func New(store storage.MemoryStore, embedder Embedder, extractor Extractor, cfg Config, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, embedder: embedder, extractor: extractor, cfg: cfg, logger: logger}
}

// ---- Conditional provider (Context Engine integration) ----

// SetCurrentQuery primes the provider for the current turn. Retrieval is
// cached per call to Provide within the same turn.
func (m *Manager) SetCurrentQuery(query string) {
	m.currentQuery = query
}

// ShouldInclude reports whether a query has been set for this turn.
func (m *Manager) ShouldInclude() bool {
	return strings.TrimSpace(m.currentQuery) != ""
}

// Provide runs retrieval once and formats the result as a content block
// consumable by the Context Engine's conditional zone.
func (m *Manager) Provide(ctx context.Context) (string, error) {
	if !m.ShouldInclude() {
		return "", nil
	}
	results, err := m.Retrieve(ctx, m.currentQuery)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}
	var sb strings.Builder
	sb.WriteString("## Relevant Memories\n")
	for _, r := range results {
		sb.WriteString("- ")
		sb.WriteString(r.Memory.Content)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// ---- Retrieval ----

// Retrieve runs hybrid dense+keyword search and fuses the two ranked lists
// via reciprocal rank fusion, dropping anything below the configured
// minimum score.
func (m *Manager) Retrieve(ctx context.Context, query string) ([]models.ScoredMemory, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	queryVec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, errs.New(errs.KindMemory, err, "embed query")
	}

	dense, err := m.store.SearchVector(ctx, queryVec, m.cfg.TopKDense)
	if err != nil {
		return nil, errs.New(errs.KindMemory, err, "dense search")
	}
	keyword, err := m.store.SearchKeyword(ctx, query, m.cfg.TopKKeyword)
	if err != nil {
		return nil, errs.New(errs.KindMemory, err, "keyword search")
	}

	fused := fuseRRF(rrfK, dense, keyword)

	var out []models.ScoredMemory
	for _, f := range fused {
		if f.Score < m.cfg.MinScore {
			continue
		}
		out = append(out, f)
		if len(out) >= m.cfg.FusedLimit {
			break
		}
	}
	return out, nil
}

// fuseRRF combines any number of ranked lists by reciprocal rank fusion:
// score(d) = Σ 1/(k + rank_in_list_i(d)) over every list d appears in.
// Ranks are 1-based. The fused score is not itself a similarity score in
// [0,1]; Config.MinScore is tuned against this fused scale.
func fuseRRF(k int, lists ...[]models.ScoredMemory) []models.ScoredMemory {
	scores := make(map[string]float64)
	byID := make(map[string]*models.Memory)
	for _, list := range lists {
		for rank, sm := range list {
			scores[sm.Memory.ID] += 1.0 / float64(k+rank+1)
			byID[sm.Memory.ID] = sm.Memory
		}
	}
	out := make([]models.ScoredMemory, 0, len(scores))
	for id, score := range scores {
		out = append(out, models.ScoredMemory{Memory: byID[id], Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// ---- Explicit memory ----

// Remember stores an explicit, user-flagged memory with high confidence.
// Any prior active memory on a near-duplicate topic is marked superseded.
func (m *Manager) Remember(ctx context.Context, sessionID, content string) (*models.Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errs.New(errs.KindMemory, nil, "empty memory content")
	}
	vec, err := m.embedder.Embed(ctx, content)
	if err != nil {
		return nil, errs.New(errs.KindMemory, err, "embed explicit memory")
	}

	if dup, err := m.findSupersedeCandidate(ctx, vec); err == nil && dup != nil {
		mem := &models.Memory{
			ID: uuid.NewString(), Content: content, Embedding: vec,
			Source: models.MemorySourceExplicit, Confidence: 0.95,
			Status: models.MemoryActive, OriginSessionID: sessionID,
		}
		if err := m.store.InsertMemory(ctx, mem); err != nil {
			return nil, err
		}
		if err := m.store.SupersedeMemory(ctx, dup.ID, mem.ID); err != nil {
			return nil, errs.New(errs.KindMemory, err, "supersede prior memory")
		}
		return mem, nil
	}

	mem := &models.Memory{
		ID: uuid.NewString(), Content: content, Embedding: vec,
		Source: models.MemorySourceExplicit, Confidence: 0.95,
		Status: models.MemoryActive, OriginSessionID: sessionID,
	}
	if err := m.store.InsertMemory(ctx, mem); err != nil {
		return nil, errs.New(errs.KindMemory, err, "insert explicit memory")
	}
	return mem, nil
}

// supersedeThreshold is the cosine similarity above which an incoming
// explicit memory is treated as contradicting/refining an existing one
// rather than adding a new, unrelated fact.
const supersedeThreshold = 0.92

func (m *Manager) findSupersedeCandidate(ctx context.Context, vec []float32) (*models.Memory, error) {
	results, err := m.store.SearchVector(ctx, vec, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || results[0].Score < supersedeThreshold {
		return nil, nil
	}
	return results[0].Memory, nil
}

// Forget soft-deletes every active memory matching query (by keyword
// search), idempotently — re-forgetting an already-forgotten memory is a
// no-op, not an error.
func (m *Manager) Forget(ctx context.Context, query string) (int, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return 0, nil
	}
	matches, err := m.store.SearchKeyword(ctx, query, 50)
	if err != nil {
		return 0, errs.New(errs.KindMemory, err, "forget: keyword search")
	}
	n := 0
	for _, sm := range matches {
		if sm.Memory.Status != models.MemoryActive {
			continue
		}
		if err := m.store.SoftDeleteMemory(ctx, sm.Memory.ID); err != nil {
			return n, errs.New(errs.KindMemory, err, "forget: soft delete %s", sm.Memory.ID)
		}
		n++
	}
	return n, nil
}

// ---- Extraction ----

// ShouldExtract reports whether a session idle since lastActivity has
// crossed the configured quiet period and extraction should run.
func (m *Manager) ShouldExtract(lastActivity time.Time) bool {
	return time.Since(lastActivity) >= m.cfg.IdleQuiet
}

// Extract runs end-of-conversation fact extraction over transcript (the
// turns since the last extraction), storing each returned fact with
// source=extracted, confidence=medium. It returns the token usage so the
// caller can record it against feature=extraction in the cost ledger.
func (m *Manager) Extract(ctx context.Context, sessionID, transcript string) ([]*models.Memory, TokenUsage, error) {
	if m.extractor == nil || strings.TrimSpace(transcript) == "" {
		return nil, TokenUsage{}, nil
	}
	facts, usage, err := m.extractor.ExtractFacts(ctx, transcript)
	if err != nil {
		return nil, usage, errs.New(errs.KindMemory, err, "extract facts")
	}

	var stored []*models.Memory
	for _, f := range facts {
		content := strings.TrimSpace(f.Content)
		if content == "" {
			continue
		}
		vec, err := m.embedder.Embed(ctx, content)
		if err != nil {
			m.logger.Warn("failed to embed extracted fact", "error", err)
			continue
		}
		mem := &models.Memory{
			ID: uuid.NewString(), Content: content, Embedding: vec,
			Source: models.MemorySourceExtracted, Confidence: 0.6,
			Status: models.MemoryActive, OriginSessionID: sessionID,
		}
		if err := m.store.InsertMemory(ctx, mem); err != nil {
			m.logger.Warn("failed to store extracted fact", "error", err)
			continue
		}
		stored = append(stored, mem)
	}
	return stored, usage, nil
}

// ExtractionPrompt is the structured instruction sent to the small model;
// exported so the router/provider wiring can build the full request around
// it without this package knowing about providers.
func ExtractionPrompt(transcript string) string {
	return fmt.Sprintf(`Extract discrete, durable facts worth remembering long-term from the
conversation below. Respond with ONLY a JSON array, each element shaped as
{"content": "...", "category": "preference|fact|decision|entity|other"}.
Omit anything trivial, already-obvious, or purely conversational.

Conversation:
%s`, transcript)
}

// ParseExtractionResponse decodes the small model's raw JSON array reply
// into ExtractedFact values.
func ParseExtractionResponse(raw string) ([]ExtractedFact, error) {
	var facts []ExtractedFact
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &facts); err != nil {
		return nil, errs.New(errs.KindMemory, err, "parse extraction response")
	}
	return facts, nil
}
