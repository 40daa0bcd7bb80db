package sandbox

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"

	"github.com/blufio/blufio/internal/errs"
	"github.com/blufio/blufio/pkg/models"
)

const wasmPageSize = 65536

// compiledSkill pairs a skill's compiled module with the wazero.Runtime it
// was compiled against. wazero's memory ceiling (WithMemoryLimitPages) is a
// runtime-level setting, not per-module, so each skill gets its own
// dedicated runtime sized to its manifest's memory_mb — the price of
// letting every skill declare an independent memory ceiling under one
// shared host-function ABI.
type compiledSkill struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// Sandbox owns one wazero.Runtime + compiled module per installed skill.
// Each skill is compiled once, at install time, and every subsequent
// invocation instantiates a fresh (memory-isolated) module from the cached
// compilation.
type Sandbox struct {
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	modules map[string]*compiledSkill
}

// New constructs a Sandbox. httpClient is used for the guest-facing
// http_request host function; a nil client falls back to http.DefaultClient.
func New(httpClient *http.Client, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{
		client:  httpClient,
		logger:  logger,
		modules: make(map[string]*compiledSkill),
	}
}

// Close releases every skill's runtime.
func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range s.modules {
		cs.runtime.Close(ctx)
	}
	s.modules = make(map[string]*compiledSkill)
	return nil
}

// Install compiles a skill's bytecode artifact once, in a dedicated runtime
// sized to its declared memory ceiling, and caches it under the manifest's
// name, ready for repeated Invoke calls.
func (s *Sandbox) Install(ctx context.Context, m *models.SkillManifest) error {
	limits := mergeResourceDefaults(m.Resources)
	code, err := os.ReadFile(m.EntryPath)
	if err != nil {
		return errs.NewSkill(errs.SkillReasonManifest, err, "read bytecode %s", m.EntryPath)
	}

	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true). // lets a cancelled ctx halt an in-flight guest call promptly
		WithMemoryLimitPages(memoryLimitPages(limits.MemoryMB))
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		rt.Close(ctx)
		return errs.NewSkill(errs.SkillReasonCompile, err, "compile skill %s", m.Name)
	}

	s.mu.Lock()
	if old, ok := s.modules[m.Name]; ok {
		old.runtime.Close(ctx)
	}
	s.modules[m.Name] = &compiledSkill{runtime: rt, compiled: compiled}
	s.mu.Unlock()
	return nil
}

// Uninstall drops a skill's compiled module and runtime from the cache.
func (s *Sandbox) Uninstall(ctx context.Context, name string) {
	s.mu.Lock()
	cs, ok := s.modules[name]
	delete(s.modules, name)
	s.mu.Unlock()
	if ok {
		cs.runtime.Close(ctx)
	}
}

// Invoke runs one call into a skill's exported "invoke" entry point with
// input as its argument, on a dedicated goroutine so the epoch deadline
// (enforced via context cancellation) can make progress independent of the
// guest's own execution. Each call gets fresh, isolated linear memory: no
// state from a prior invocation is visible.
func (s *Sandbox) Invoke(ctx context.Context, m *models.SkillManifest, input []byte) (output []byte, err error) {
	s.mu.Lock()
	cs, ok := s.modules[m.Name]
	s.mu.Unlock()
	if !ok {
		return nil, errs.NewSkill(errs.SkillReasonManifest, nil, "skill %s is not installed", m.Name)
	}

	limits := mergeResourceDefaults(m.Resources)
	deadline := time.Duration(limits.EpochTimeoutSec) * time.Second
	invokeCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	inv := &invocation{input: input, grant: newGrant(m.Capabilities), logger: s.logger, client: s.client, skill: m.Name}

	var fuelExceeded atomic.Bool
	fuelCtx := context.WithValue(invokeCtx, fuelListenerKey{}, &fuelBudget{
		remaining: limits.Fuel,
		onExhaust: func() { fuelExceeded.Store(true); cancel() },
	})
	fuelCtx = withFuelListener(fuelCtx)

	resultCh := make(chan invokeResult, 1)
	go runInvocation(fuelCtx, cs, inv, resultCh)

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, mapInvokeError(res.err, invokeCtx, fuelExceeded.Load())
		}
		return inv.output, nil
	case <-invokeCtx.Done():
		<-resultCh // let the instantiation unwind before returning
		return nil, mapInvokeError(invokeCtx.Err(), invokeCtx, fuelExceeded.Load())
	}
}

type invokeResult struct{ err error }

func runInvocation(ctx context.Context, cs *compiledSkill, inv *invocation, out chan<- invokeResult) {
	out <- invokeResult{err: callGuest(ctx, cs, inv)}
}

func callGuest(ctx context.Context, cs *compiledSkill, inv *invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if t, ok := r.(trap); ok {
				err = errs.NewSkill(t.reason, t.cause, "%s", t.detail)
				return
			}
			err = errs.NewSkill(errs.SkillReasonUserRuntime, nil, "guest panicked: %v", r)
		}
	}()

	hostClosers, buildErr := buildHostModule(ctx, cs.runtime, inv)
	if buildErr != nil {
		return errs.NewSkill(errs.SkillReasonCompile, buildErr, "build host module for %s", inv.skill)
	}
	defer hostClosers.Close(ctx)

	modCfg := wazero.NewModuleConfig().WithName(inv.skill)

	mod, err := cs.runtime.InstantiateModule(ctx, cs.compiled, modCfg)
	if err != nil {
		return classifyInstantiateError(err)
	}
	defer mod.Close(ctx)

	fn := mod.ExportedFunction("invoke")
	if fn == nil {
		return errs.NewSkill(errs.SkillReasonCompile, nil, "skill %s does not export invoke", inv.skill)
	}
	if _, err := fn.Call(ctx); err != nil {
		return classifyInstantiateError(err)
	}
	return nil
}

func memoryLimitPages(mb uint32) uint32 {
	return (mb * 1024 * 1024) / wasmPageSize
}

// classifyInstantiateError wraps a raw wazero/guest error; the caller
// (mapInvokeError) applies the fuel/epoch/user-runtime distinction once the
// invocation's outcome (timeout vs. fuel exhaustion vs. guest failure) is
// known.
func classifyInstantiateError(err error) error {
	if err == nil {
		return nil
	}
	return errs.NewSkill(errs.SkillReasonUserRuntime, err, "guest execution failed")
}

func mapInvokeError(err error, ctx context.Context, fuelExceeded bool) error {
	if fuelExceeded {
		return errs.NewSkill(errs.SkillReasonFuel, err, "fuel budget exhausted")
	}
	if ctx.Err() == context.DeadlineExceeded {
		return errs.NewSkill(errs.SkillReasonEpoch, err, "epoch deadline exceeded")
	}
	if skillErr, ok := err.(*errs.Error); ok {
		return skillErr
	}
	return errs.NewSkill(errs.SkillReasonUserRuntime, err, "guest execution failed")
}

// fuelListenerKey is the context key under which the active fuelBudget for
// an invocation is stashed, so the experimental function listener (see
// fuel.go) can find it without a global.
type fuelListenerKey struct{}

// fuelBudget approximates wazero's missing native fuel metering: since
// wazero has no per-instruction trap primitive, the budget is charged once
// per host/guest function call boundary (via the experimental function
// listener in fuel.go) as a coarse stand-in for true instruction counting.
// This is a deliberate simplification, not instruction-accurate metering.
type fuelBudget struct {
	remaining uint64
	onExhaust func()
}

func (b *fuelBudget) charge(cost uint64) {
	if b.remaining <= cost {
		b.remaining = 0
		b.onExhaust()
		return
	}
	b.remaining -= cost
}
