package sandbox

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// fuelListenerFactory charges one unit of fuel per guest function call.
// wazero has no native instruction-fuel primitive; this approximates it by
// metering call-boundary crossings via the experimental function listener
// API, which is the closest hook wazero exposes. It under-counts tight
// loops within a single function body and over-counts call-heavy code, but
// gives a deterministic, cheap circuit breaker against runaway skills.
type fuelListenerFactory struct{}

func (fuelListenerFactory) NewListener(api.FunctionDefinition) experimental.FunctionListener {
	return fuelListener{}
}

type fuelListener struct{}

func (fuelListener) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) context.Context {
	if budget, ok := ctx.Value(fuelListenerKey{}).(*fuelBudget); ok {
		budget.charge(1)
	}
	return ctx
}

func (fuelListener) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

// withFuelListener attaches the fuel-charging listener factory to ctx so
// every function call made during this invocation is metered.
func withFuelListener(ctx context.Context) context.Context {
	return experimental.WithFunctionListenerFactory(ctx, fuelListenerFactory{})
}
