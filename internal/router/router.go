// Package router classifies each inbound turn into a complexity tier and
// maps that tier to a model, downgrading one tier at a time when the cost
// ledger reports the selected model would breach the daily or monthly
// budget.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Tier is a turn's heuristic complexity classification.
type Tier string

const (
	TierSimple   Tier = "simple"
	TierStandard Tier = "standard"
	TierComplex  Tier = "complex"
)

// downgrade returns the next cheaper tier, or false if tier is already the
// cheapest.
func downgrade(tier Tier) (Tier, bool) {
	switch tier {
	case TierComplex:
		return TierStandard, true
	case TierStandard:
		return TierSimple, true
	default:
		return "", false
	}
}

// Decision is the router's choice for one turn. ActualModel is reused for
// every follow-up LLM call within the same turn; IntendedModel records what
// would have been chosen absent budget pressure, for auditability.
type Decision struct {
	Tier          Tier
	ActualModel   string
	IntendedModel string
	MaxTokens     int
}

// TurnInput is the subset of a turn the classifier needs. Content is the
// inbound message text; HistoryTurns is the number of prior turns in the
// session.
type TurnInput struct {
	Content      string
	HistoryTurns int
	HasTools     bool
}

// TierModel names the model and output budget for one tier.
type TierModel struct {
	Model     string
	MaxTokens int
}

// Config maps tiers to models. When Enabled is false, Select always returns
// DefaultModel regardless of classification.
type Config struct {
	Enabled          bool
	Tiers            map[Tier]TierModel
	DefaultModel     string
	DefaultMaxTokens int
}

// BudgetChecker is the narrow view of the cost ledger the router consults
// before committing to a model.
type BudgetChecker interface {
	WouldExceedDaily(ctx context.Context, estimatedUSD float64) (bool, error)
	WouldExceedMonthly(ctx context.Context, estimatedUSD float64) (bool, error)
	EstimateCost(model string, estInputTokens, estOutputTokens int64) float64
}

// ErrBudgetExhausted is returned when even the cheapest tier would breach
// the configured budget; the caller must surface a quota-exceeded message
// without calling the LLM.
var ErrBudgetExhausted = errors.New("router: budget exhausted")

// BudgetExhaustedError carries the tier that was being evaluated when every
// cheaper alternative ran out.
type BudgetExhaustedError struct {
	Tier Tier
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("router: budget exhausted at tier %q with no cheaper tier available", e.Tier)
}

func (e *BudgetExhaustedError) Unwrap() error { return ErrBudgetExhausted }

// estimatedInputTokens approximates token count as one token per four
// characters, matching the classifier's own length heuristic.
func estimatedInputTokens(content string) int64 {
	return int64(len(content)) / 4
}

// Router selects a model per turn and downgrades tiers under budget
// pressure.
type Router struct {
	config Config
	budget BudgetChecker
}

// New creates a Router. budget may be nil, in which case no budget downgrade
// is ever applied.
func New(cfg Config, budget BudgetChecker) *Router {
	return &Router{config: cfg, budget: budget}
}

// Classify assigns a deterministic complexity tier to a turn using token
// count, code-fence presence, tool-worthy verbs, and conversation depth.
func Classify(input TurnInput) Tier {
	tokens := estimatedInputTokens(input.Content)
	hasCodeFence := strings.Contains(input.Content, "```")
	lower := strings.ToLower(input.Content)

	complexVerbs := []string{"refactor", "architect", "design", "debug", "analyze", "implement", "migrate", "investigate"}
	hasComplexVerb := false
	for _, v := range complexVerbs {
		if strings.Contains(lower, v) {
			hasComplexVerb = true
			break
		}
	}

	switch {
	case tokens > 2000 || hasCodeFence || hasComplexVerb || input.HistoryTurns > 20 || input.HasTools:
		return TierComplex
	case tokens > 200 || input.HistoryTurns > 5:
		return TierStandard
	default:
		return TierSimple
	}
}

func (r *Router) tierModel(tier Tier) TierModel {
	if tm, ok := r.config.Tiers[tier]; ok && tm.Model != "" {
		return tm
	}
	return TierModel{Model: r.config.DefaultModel, MaxTokens: r.config.DefaultMaxTokens}
}

// Select classifies input and returns the routing decision for the turn,
// downgrading one tier at a time while the cost ledger reports the
// candidate model would breach the daily or monthly budget.
func (r *Router) Select(ctx context.Context, input TurnInput) (Decision, error) {
	if r == nil || !r.config.Enabled {
		return Decision{
			Tier:          TierStandard,
			ActualModel:   r.defaultModel(),
			IntendedModel: r.defaultModel(),
			MaxTokens:     r.defaultMaxTokens(),
		}, nil
	}

	tier := Classify(input)
	intended := r.tierModel(tier)

	current := tier
	candidate := intended
	for {
		if r.budget == nil {
			break
		}
		estInput := estimatedInputTokens(input.Content)
		estOutput := int64(candidate.MaxTokens)
		estUSD := r.budget.EstimateCost(candidate.Model, estInput, estOutput)

		exceedsDaily, err := r.budget.WouldExceedDaily(ctx, estUSD)
		if err != nil {
			return Decision{}, fmt.Errorf("router: daily budget check: %w", err)
		}
		exceedsMonthly, err := r.budget.WouldExceedMonthly(ctx, estUSD)
		if err != nil {
			return Decision{}, fmt.Errorf("router: monthly budget check: %w", err)
		}
		if !exceedsDaily && !exceedsMonthly {
			break
		}

		next, ok := downgrade(current)
		if !ok {
			return Decision{}, &BudgetExhaustedError{Tier: tier}
		}
		current = next
		candidate = r.tierModel(current)
	}

	return Decision{
		Tier:          tier,
		ActualModel:   candidate.Model,
		IntendedModel: intended.Model,
		MaxTokens:     candidate.MaxTokens,
	}, nil
}

func (r *Router) defaultModel() string {
	if r == nil {
		return ""
	}
	return r.config.DefaultModel
}

func (r *Router) defaultMaxTokens() int {
	if r == nil || r.config.DefaultMaxTokens <= 0 {
		return 4096
	}
	return r.config.DefaultMaxTokens
}
