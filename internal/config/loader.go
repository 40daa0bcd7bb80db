package config

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and validates a TOML configuration file, returning defaults
// merged with whatever the file overrides. Every top-level and nested key
// in the file must correspond to a known field; an unrecognized key fails
// with a nearest-neighbor suggestion rather than being silently ignored.
func Load(path string) (*Config, error) {
	cfg := Default()

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		known := knownKeys(reflect.TypeOf(*cfg), "")
		key := undecoded[0].String()
		if suggestion := nearest(key, known); suggestion != "" {
			return nil, fmt.Errorf("config %s: unknown key %q (did you mean %q?)", path, key, suggestion)
		}
		return nil, fmt.Errorf("config %s: unknown key %q", path, key)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks cross-field invariants that struct tags can't express.
func Validate(cfg *Config) error {
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if cfg.LLM.DefaultProvider != "" {
		if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
			return fmt.Errorf("llm.default_provider %q has no matching llm.providers entry", cfg.LLM.DefaultProvider)
		}
	}
	for _, rule := range cfg.LLM.Routing.Rules {
		if rule.Provider == "" {
			return fmt.Errorf("llm.routing.rules[%q].provider is required", rule.Name)
		}
		if _, ok := cfg.LLM.Providers[rule.Provider]; !ok {
			return fmt.Errorf("llm.routing.rules[%q].provider %q has no matching llm.providers entry", rule.Name, rule.Provider)
		}
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.TokenEnv == "" {
		return fmt.Errorf("channels.telegram.token_env is required when channels.telegram.enabled is true")
	}
	if cfg.Sandbox.MemoryLimitPages <= 0 {
		return fmt.Errorf("sandbox.memory_limit_pages must be positive")
	}
	if cfg.Sandbox.FuelBudget <= 0 {
		return fmt.Errorf("sandbox.fuel_budget must be positive")
	}
	if cfg.Memory.MinScore < 0 || cfg.Memory.MinScore > 1 {
		return fmt.Errorf("memory.min_score must be between 0 and 1")
	}
	return nil
}

// RequireEnv looks up an environment variable named by an *_env config
// field (e.g. Identity-adjacent API key or passphrase indirection),
// returning an error that names the config field and env var on failure.
func RequireEnv(field, envVar string) (string, error) {
	if envVar == "" {
		return "", fmt.Errorf("%s is not configured", field)
	}
	v := os.Getenv(envVar)
	if v == "" {
		return "", fmt.Errorf("%s: environment variable %s is not set", field, envVar)
	}
	return v, nil
}

// knownKeys walks a struct type's toml tags, returning every dotted key
// path it recognizes (e.g. "llm.providers", "sandbox.fuel_budget").
func knownKeys(t reflect.Type, prefix string) []string {
	if t.Kind() != reflect.Struct {
		return nil
	}
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := strings.Split(f.Tag.Get("toml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		full := tag
		if prefix != "" {
			full = prefix + "." + tag
		}
		keys = append(keys, full)
		ft := f.Type
		if ft.Kind() == reflect.Struct {
			keys = append(keys, knownKeys(ft, full)...)
		}
	}
	sort.Strings(keys)
	return keys
}

// nearest returns the known key with the smallest edit distance to key,
// or "" if nothing is within a reasonable distance.
func nearest(key string, known []string) string {
	best := ""
	bestDist := -1
	for _, k := range known {
		d := levenshtein(key, k)
		if bestDist == -1 || d < bestDist {
			bestDist = d
			best = k
		}
	}
	if bestDist >= 0 && bestDist <= maxSuggestDistance(key) {
		return best
	}
	return ""
}

// maxSuggestDistance scales the acceptable edit distance with key length
// so short keys don't get wildly unrelated suggestions.
func maxSuggestDistance(key string) int {
	d := len(key) / 2
	if d < 2 {
		d = 2
	}
	return d
}

func levenshtein(a, b string) int {
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
