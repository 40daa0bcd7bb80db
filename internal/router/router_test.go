package router

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func testConfig() Config {
	return Config{
		Enabled: true,
		Tiers: map[Tier]TierModel{
			TierSimple:   {Model: "gpt-4o-mini", MaxTokens: 1024},
			TierStandard: {Model: "claude-3-5-sonnet-latest", MaxTokens: 4096},
			TierComplex:  {Model: "claude-opus-4", MaxTokens: 8192},
		},
		DefaultModel:     "claude-3-5-sonnet-latest",
		DefaultMaxTokens: 4096,
	}
}

func TestClassifySimple(t *testing.T) {
	tier := Classify(TurnInput{Content: "hey, what time is it?"})
	if tier != TierSimple {
		t.Fatalf("tier = %s, want simple", tier)
	}
}

func TestClassifyComplexOnCodeFence(t *testing.T) {
	tier := Classify(TurnInput{Content: "can you review this?\n```go\nfunc f() {}\n```"})
	if tier != TierComplex {
		t.Fatalf("tier = %s, want complex", tier)
	}
}

func TestClassifyComplexOnVerb(t *testing.T) {
	tier := Classify(TurnInput{Content: "please refactor the session store"})
	if tier != TierComplex {
		t.Fatalf("tier = %s, want complex", tier)
	}
}

func TestClassifyComplexOnTools(t *testing.T) {
	tier := Classify(TurnInput{Content: "ok", HasTools: true})
	if tier != TierComplex {
		t.Fatalf("tier = %s, want complex", tier)
	}
}

func TestClassifyStandardOnLength(t *testing.T) {
	tier := Classify(TurnInput{Content: strings.Repeat("word ", 250)})
	if tier != TierStandard {
		t.Fatalf("tier = %s, want standard", tier)
	}
}

func TestClassifyStandardOnDepth(t *testing.T) {
	tier := Classify(TurnInput{Content: "continuing", HistoryTurns: 10})
	if tier != TierStandard {
		t.Fatalf("tier = %s, want standard", tier)
	}
}

func TestSelectDisabledReturnsDefault(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	r := New(cfg, nil)

	decision, err := r.Select(context.Background(), TurnInput{Content: "refactor everything"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if decision.ActualModel != cfg.DefaultModel || decision.IntendedModel != cfg.DefaultModel {
		t.Fatalf("expected default model when disabled, got %+v", decision)
	}
}

func TestSelectNoBudgetUsesTierModel(t *testing.T) {
	r := New(testConfig(), nil)

	decision, err := r.Select(context.Background(), TurnInput{Content: "hey"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if decision.Tier != TierSimple || decision.ActualModel != "gpt-4o-mini" {
		t.Fatalf("unexpected decision: %+v", decision)
	}
	if decision.ActualModel != decision.IntendedModel {
		t.Fatalf("expected no downgrade without a budget checker")
	}
}

func TestSelectDowngradesUnderBudgetPressure(t *testing.T) {
	cfg := testConfig()
	budget := &perModelBudget{blockedDaily: map[string]float64{"claude-opus-4": 0}}
	r := New(cfg, budget)

	decision, err := r.Select(context.Background(), TurnInput{Content: "please refactor this module"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if decision.Tier != TierComplex {
		t.Fatalf("expected classification to remain complex, got %s", decision.Tier)
	}
	if decision.IntendedModel != "claude-opus-4" {
		t.Fatalf("IntendedModel = %q, want claude-opus-4", decision.IntendedModel)
	}
	if decision.ActualModel != "claude-3-5-sonnet-latest" {
		t.Fatalf("ActualModel = %q, want downgrade to claude-3-5-sonnet-latest", decision.ActualModel)
	}
}

func TestSelectBudgetExhaustedAtCheapestTier(t *testing.T) {
	cfg := testConfig()
	budget := &perModelBudget{blockAll: true}
	r := New(cfg, budget)

	_, err := r.Select(context.Background(), TurnInput{Content: "hey"})
	if err == nil {
		t.Fatal("expected budget exhausted error")
	}
	var bErr *BudgetExhaustedError
	if !errors.As(err, &bErr) {
		t.Fatalf("expected BudgetExhaustedError, got %T: %v", err, err)
	}
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatal("expected errors.Is to match ErrBudgetExhausted")
	}
}

// perModelBudget blocks specific models (simulating "this model's cost
// would breach the daily cap") or everything when blockAll is set.
type perModelBudget struct {
	blockedDaily map[string]float64
	blockAll     bool
	lastModel    string
}

func (b *perModelBudget) EstimateCost(model string, estInputTokens, estOutputTokens int64) float64 {
	b.lastModel = model
	return 0
}

func (b *perModelBudget) WouldExceedDaily(ctx context.Context, estimatedUSD float64) (bool, error) {
	if b.blockAll {
		return true, nil
	}
	_, blocked := b.blockedDaily[b.lastModel]
	return blocked, nil
}

func (b *perModelBudget) WouldExceedMonthly(ctx context.Context, estimatedUSD float64) (bool, error) {
	return false, nil
}
