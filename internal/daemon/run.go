package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/blufio/blufio/internal/agent"
	"github.com/blufio/blufio/internal/config"
	"github.com/blufio/blufio/internal/costledger"
	"github.com/blufio/blufio/internal/heartbeat"
	catalog "github.com/blufio/blufio/internal/models"
	"github.com/blufio/blufio/internal/sessions"
	"github.com/blufio/blufio/internal/storage"
	"github.com/blufio/blufio/internal/vault"
)

// statusWriteInterval is how often Run refreshes LastHeartbeat in the
// status file, so the status command can tell a merely-quiet daemon apart
// from one that died without running its deferred cleanup.
const statusWriteInterval = 30 * time.Second

// Run loads storage, unlocks the vault, wires the model router, cost
// ledger, channel adapters and agent runtime together, and blocks
// dispatching inbound messages until ctx is cancelled (by SIGINT/SIGTERM in
// the caller). It always attempts to clean up the status file on return.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) error {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.Open(ctx, cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	if n, err := store.MarkStaleSessions(ctx); err != nil {
		return fmt.Errorf("mark stale sessions: %w", err)
	} else if n > 0 {
		logger.Info("recovered stale sessions", "count", n)
	}
	if n, err := store.ReleaseExpiredLocks(ctx); err != nil {
		return fmt.Errorf("release expired queue locks: %w", err)
	} else if n > 0 {
		logger.Info("released expired queue locks", "count", n)
	}

	v := vault.New(store)
	if passphrase, err := config.RequireEnv("vault.passphrase_env", cfg.Vault.PassphraseEnv); err == nil {
		if err := v.Unlock(passphrase, cfg.Vault.Path); err != nil {
			return fmt.Errorf("unlock vault: %w", err)
		}
	} else {
		logger.Warn("vault passphrase not configured, secrets fall back to plain env vars", "error", err)
	}

	llmProviders, err := buildProviders(ctx, v, cfg.LLM)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}
	provider, err := buildProviderRouter(cfg.LLM, llmProviders)
	if err != nil {
		return fmt.Errorf("build provider router: %w", err)
	}

	ledger := costledger.New(store, catalog.DefaultCatalog, costledger.Budget{
		DailyUSD:   cfg.LLM.Budget.DailyUSD,
		MonthlyUSD: cfg.LLM.Budget.MonthlyUSD,
	})
	defaultModel := ""
	if entry, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; ok {
		defaultModel = entry.DefaultModel
	}
	modelRouter := buildModelRouter(cfg.LLM.Routing, defaultModel, ledger)

	sessionStore := sessions.NewStorageStore(store)
	runtime := agent.NewRuntime(provider, sessionStore)
	runtime.SetRouter(modelRouter)
	runtime.SetCostLedger(ledger)
	if defaultModel != "" {
		runtime.SetDefaultModel(defaultModel)
	}

	identity, err := agent.LoadIdentity(cfg.Identity.Name, cfg.Identity.PersonaFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	runtime.SetSystemPrompt(identity.SystemPrompt())

	registry, err := buildChannelRegistry(ctx, cfg.Channels, v, logger)
	if err != nil {
		return fmt.Errorf("build channel registry: %w", err)
	}
	if err := registry.StartAll(ctx); err != nil {
		return fmt.Errorf("start channel adapters: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := registry.StopAll(stopCtx); err != nil {
			logger.Error("channel shutdown error", "error", err)
		}
	}()

	scheduler := heartbeat.NewScheduler(&heartbeat.HeartbeatConfig{
		IntervalMs: int(cfg.Server.HeartbeatInterval.Milliseconds()),
		Model:      defaultModel,
	})
	defer scheduler.StopAll()

	d := &dispatcher{
		runtime:      runtime,
		provider:     provider,
		defaultModel: defaultModel,
		sessions:     sessionStore,
		registry:     registry,
		scheduler:    scheduler,
		ledger:       ledger,
		logger:       logger,
	}

	report := &StatusReport{
		PID:            os.Getpid(),
		StartedAt:      time.Now(),
		LastHeartbeat:  time.Now(),
		ActiveChannels: registry.Names(),
		Version:        version,
	}
	if err := writeStatus(cfg.Storage.Path, report); err != nil {
		logger.Warn("could not write status file", "error", err)
	}
	defer removeStatus(cfg.Storage.Path)

	logger.Info("blufio daemon started", "channels", report.ActiveChannels, "version", version)

	ticker := time.NewTicker(statusWriteInterval)
	defer ticker.Stop()

	envelopes := registry.Fanin(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			report.LastHeartbeat = time.Now()
			if err := writeStatus(cfg.Storage.Path, report); err != nil {
				logger.Warn("could not refresh status file", "error", err)
			}
		case env, ok := <-envelopes:
			if !ok {
				return nil
			}
			go d.dispatch(ctx, env)
		}
	}
}
