package daemon

import (
	"github.com/blufio/blufio/internal/config"
	"github.com/blufio/blufio/internal/costledger"
	"github.com/blufio/blufio/internal/router"
)

// buildModelRouter maps the configured routing rules onto router.Tier
// buckets by tag: a rule tagged "simple"/"standard"/"complex" sets that
// tier's model, everything else falls through to the default. This keeps
// the rule shape shared with the provider-failover router above while
// giving the tier classifier its own model per tier.
func buildModelRouter(cfg config.RoutingConfig, defaultModel string, ledger *costledger.Ledger) *router.Router {
	tiers := make(map[router.Tier]router.TierModel)
	for _, rule := range cfg.Rules {
		for _, tag := range rule.Tags {
			switch router.Tier(tag) {
			case router.TierSimple, router.TierStandard, router.TierComplex:
				tiers[router.Tier(tag)] = router.TierModel{Model: rule.Model}
			}
		}
	}

	return router.New(router.Config{
		Enabled:      cfg.Enabled,
		Tiers:        tiers,
		DefaultModel: defaultModel,
	}, ledger)
}
