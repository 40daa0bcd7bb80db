// Package config loads and validates the daemon's single TOML
// configuration file: identity, storage, model providers and routing,
// channel adapters, the skill sandbox, memory, and the vault.
package config

import "time"

// Config is the root of the daemon's configuration.
type Config struct {
	Identity IdentityConfig `toml:"identity"`
	Storage  StorageConfig  `toml:"storage"`
	LLM      LLMConfig      `toml:"llm"`
	Channels ChannelsConfig `toml:"channels"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Memory   MemoryConfig   `toml:"memory"`
	Vault    VaultConfig    `toml:"vault"`
	Server   ServerConfig   `toml:"server"`
}

// IdentityConfig names the agent and points at its persona file.
type IdentityConfig struct {
	Name         string `toml:"name"`
	PersonaFile  string `toml:"persona_file"`
	DefaultAgent string `toml:"default_agent"`
}

// StorageConfig points at the SQLite database file.
type StorageConfig struct {
	Path string `toml:"path"`
}

// LLMConfig configures model providers and request routing.
type LLMConfig struct {
	DefaultProvider string                      `toml:"default_provider"`
	Providers       map[string]LLMProviderEntry `toml:"providers"`
	Routing         RoutingConfig               `toml:"routing"`
	Budget          BudgetConfig                `toml:"budget"`
}

// LLMProviderEntry configures a single named model provider.
type LLMProviderEntry struct {
	// APIKeyEnv names the environment variable carrying the API key; the
	// key itself is never stored in the config file.
	APIKeyEnv    string `toml:"api_key_env"`
	BaseURL      string `toml:"base_url"`
	DefaultModel string `toml:"default_model"`
}

// RoutingConfig configures the heuristic router.
type RoutingConfig struct {
	Enabled           bool          `toml:"enabled"`
	PreferLocal       bool          `toml:"prefer_local"`
	LocalProviders    []string      `toml:"local_providers"`
	UnhealthyCooldown time.Duration `toml:"unhealthy_cooldown"`
	Rules             []RoutingRule `toml:"rules"`
}

// RoutingRule maps a set of classifier tags to a target provider/model.
type RoutingRule struct {
	Name     string   `toml:"name"`
	Tags     []string `toml:"tags"`
	Provider string   `toml:"provider"`
	Model    string   `toml:"model"`
}

// BudgetConfig bounds spend tracked by the cost ledger.
type BudgetConfig struct {
	DailyUSD   float64 `toml:"daily_usd"`
	MonthlyUSD float64 `toml:"monthly_usd"`
	HardStop   bool    `toml:"hard_stop"`
}

// ChannelsConfig enables and configures chat channel adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled     bool   `toml:"enabled"`
	TokenEnv    string `toml:"token_env"`
	PollTimeout int    `toml:"poll_timeout"`
}

// SandboxConfig bounds skill execution.
type SandboxConfig struct {
	MemoryLimitPages int           `toml:"memory_limit_pages"`
	FuelBudget       int64         `toml:"fuel_budget"`
	Timeout          time.Duration `toml:"timeout"`
}

// MemoryConfig configures the embedding-backed memory subsystem.
type MemoryConfig struct {
	ModelPath   string  `toml:"model_path"`
	TokenizerID string  `toml:"tokenizer_id"`
	MinScore    float64 `toml:"min_score"`
	RRFK        int     `toml:"rrf_k"`
}

// VaultConfig configures the passphrase-wrapped secret store.
type VaultConfig struct {
	PassphraseEnv string `toml:"passphrase_env"`
	Path          string `toml:"path"`
}

// ServerConfig configures daemon lifecycle.
type ServerConfig struct {
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout"`
}

// Default returns a Config with every field set to a sane standalone
// default, suitable for a first run with no file present.
func Default() *Config {
	return &Config{
		Identity: IdentityConfig{Name: "blufio", DefaultAgent: "main"},
		Storage:  StorageConfig{Path: "blufio.db"},
		LLM: LLMConfig{
			Routing: RoutingConfig{UnhealthyCooldown: time.Minute},
		},
		Sandbox: SandboxConfig{
			MemoryLimitPages: 256,
			FuelBudget:       10_000_000,
			Timeout:          30 * time.Second,
		},
		Memory: MemoryConfig{
			MinScore: 0.35,
			RRFK:     60,
		},
		Vault: VaultConfig{
			PassphraseEnv: "BLUFIO_VAULT_PASSPHRASE",
			Path:          "blufio.vault.salt",
		},
		Server: ServerConfig{
			HeartbeatInterval: time.Minute,
			ShutdownTimeout:   10 * time.Second,
		},
	}
}
