package daemon

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blufio/blufio/internal/channel"
	"github.com/blufio/blufio/internal/channel/memory"
	"github.com/blufio/blufio/internal/channel/telegram"
	"github.com/blufio/blufio/internal/config"
	"github.com/blufio/blufio/internal/vault"
)

// buildChannelRegistry registers every enabled channel adapter. A loopback
// memory adapter is always registered alongside whatever real channels are
// configured, so there is always at least one surface to talk to the agent
// through even with every real channel disabled.
func buildChannelRegistry(ctx context.Context, cfg config.ChannelsConfig, v *vault.Vault, logger *slog.Logger) (*channel.Registry, error) {
	registry := channel.NewRegistry()
	registry.Register(memory.New("memory"))

	if cfg.Telegram.Enabled {
		token, err := resolveSecret(ctx, v, "telegram_bot_token", "channels.telegram.token_env", cfg.Telegram.TokenEnv)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		adapter, err := telegram.New(telegram.Config{
			Token:       token,
			PollTimeout: cfg.Telegram.PollTimeout,
		}, logger.With("channel", "telegram"))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		registry.Register(adapter)
	}

	return registry, nil
}
