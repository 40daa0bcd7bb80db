// Package costledger prices and records every LLM call against a per-model
// rate card, and answers the daily/monthly/per-session/per-feature spend
// queries the router and heartbeat scheduler consult before committing to a
// model.
package costledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	catalog "github.com/blufio/blufio/internal/models"
	"github.com/blufio/blufio/internal/storage"
	"github.com/blufio/blufio/pkg/models"
)

// Usage carries the exact token counters a provider reports for one
// completion, before pricing is applied.
type Usage struct {
	SessionID           string
	Feature             models.FeatureType
	Model               string
	IntendedModel       string
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
}

// Budget bounds total spend. Zero fields mean "no cap" for that window.
type Budget struct {
	DailyUSD   float64
	MonthlyUSD float64
}

// Ledger prices Usage against a rate card, persists the resulting
// CostRecord, and answers spend queries.
type Ledger struct {
	store  storage.CostStore
	prices *catalog.Catalog
	budget Budget
	now    func() time.Time

	mu sync.Mutex
}

// New creates a Ledger backed by store, pricing each model via prices (the
// model catalog's InputPrice/OutputPrice fields).
func New(store storage.CostStore, prices *catalog.Catalog, budget Budget) *Ledger {
	if prices == nil {
		prices = catalog.DefaultCatalog
	}
	return &Ledger{store: store, prices: prices, budget: budget, now: time.Now}
}

// cacheReadDiscount and cacheCreationPremium approximate the Anthropic/OpenAI
// prompt-caching rate card (cache reads are cheap, cache writes cost a
// little more than a plain input token) since the catalog only carries a
// flat input/output price per model.
const (
	cacheReadDiscount    = 0.1
	cacheCreationPremium = 1.25
)

func (l *Ledger) price(model string) (input, output, cacheRead, cacheCreation float64) {
	m, ok := l.prices.Get(model)
	if !ok {
		return 0, 0, 0, 0
	}
	return m.InputPrice, m.OutputPrice, m.InputPrice * cacheReadDiscount, m.InputPrice * cacheCreationPremium
}

func costUSD(tokens int64, pricePerMillion float64) float64 {
	return (float64(tokens) / 1_000_000) * pricePerMillion
}

// Record prices u and appends it to the ledger, returning the persisted
// CostRecord (with CostUSD filled in).
func (l *Ledger) Record(ctx context.Context, u Usage) (*models.CostRecord, error) {
	in, out, cr, cc := l.price(u.Model)
	rec := &models.CostRecord{
		SessionID:           u.SessionID,
		Model:               u.Model,
		IntendedModel:       u.IntendedModel,
		FeatureType:         u.Feature,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CostUSD: costUSD(u.InputTokens, in) +
			costUSD(u.OutputTokens, out) +
			costUSD(u.CacheReadTokens, cr) +
			costUSD(u.CacheCreationTokens, cc),
		CreatedAt: l.now(),
	}
	if rec.IntendedModel == "" {
		rec.IntendedModel = rec.Model
	}
	if err := l.store.InsertCostRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("costledger: record: %w", err)
	}
	return rec, nil
}

// EstimateCost prices a hypothetical call without recording it, for the
// router's pre-flight budget check.
func (l *Ledger) EstimateCost(model string, estInputTokens, estOutputTokens int64) float64 {
	in, out, _, _ := l.price(model)
	return costUSD(estInputTokens, in) + costUSD(estOutputTokens, out)
}

func (l *Ledger) dayWindow() storage.TimeWindow {
	now := l.now()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return storage.TimeWindow{From: from, To: now}
}

func (l *Ledger) monthWindow() storage.TimeWindow {
	now := l.now()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return storage.TimeWindow{From: from, To: now}
}

// DailySpend returns total USD spent since local midnight.
func (l *Ledger) DailySpend(ctx context.Context) (float64, error) {
	return l.store.SumRange(ctx, l.dayWindow())
}

// MonthlySpend returns total USD spent since the 1st of the current month.
func (l *Ledger) MonthlySpend(ctx context.Context) (float64, error) {
	return l.store.SumRange(ctx, l.monthWindow())
}

// SessionSpend returns total USD spent by a single session, all-time.
func (l *Ledger) SessionSpend(ctx context.Context, sessionID string) (float64, error) {
	return l.store.SumBySession(ctx, sessionID)
}

// FeatureSpend returns total USD spent by feature within the current month.
func (l *Ledger) FeatureSpend(ctx context.Context, feature models.FeatureType) (float64, error) {
	return l.store.SumByFeature(ctx, feature, l.monthWindow())
}

// WouldExceedDaily reports whether adding estimatedUSD to today's spend
// would breach the configured daily cap. A zero cap means unbounded.
func (l *Ledger) WouldExceedDaily(ctx context.Context, estimatedUSD float64) (bool, error) {
	if l.budget.DailyUSD <= 0 {
		return false, nil
	}
	spent, err := l.DailySpend(ctx)
	if err != nil {
		return false, err
	}
	return spent+estimatedUSD > l.budget.DailyUSD, nil
}

// WouldExceedMonthly reports whether adding estimatedUSD to this month's
// spend would breach the configured monthly cap. A zero cap means unbounded.
func (l *Ledger) WouldExceedMonthly(ctx context.Context, estimatedUSD float64) (bool, error) {
	if l.budget.MonthlyUSD <= 0 {
		return false, nil
	}
	spent, err := l.MonthlySpend(ctx)
	if err != nil {
		return false, err
	}
	return spent+estimatedUSD > l.budget.MonthlyUSD, nil
}
