package models

// ResourceLimits bounds a single skill invocation: instruction fuel, linear
// memory, and wall-clock epoch budget. Any of the three tripping aborts the
// invocation (see internal/sandbox).
type ResourceLimits struct {
	Fuel            uint64 `toml:"fuel" json:"fuel"`
	MemoryMB        uint32 `toml:"memory_mb" json:"memory_mb"`
	EpochTimeoutSec uint32 `toml:"epoch_timeout_secs" json:"epoch_timeout_secs"`
}

// DefaultResourceLimits matches spec.md §4.B's stated defaults.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		Fuel:            1_000_000_000,
		MemoryMB:        16,
		EpochTimeoutSec: 5,
	}
}

// Capabilities is the declarative capability grant a skill manifest makes.
// A skill may only perform host operations whose capability it declared.
type Capabilities struct {
	NetworkDomains  []string `toml:"network_domains" json:"network_domains"`
	FilesystemRead  []string `toml:"filesystem_read" json:"filesystem_read"`
	FilesystemWrite []string `toml:"filesystem_write" json:"filesystem_write"`
	Env             []string `toml:"env" json:"env"`
}

// HasNetwork reports whether any network domain capability was declared.
func (c Capabilities) HasNetwork() bool { return len(c.NetworkDomains) > 0 }

// HasFilesystemRead reports whether any filesystem.read capability was declared.
func (c Capabilities) HasFilesystemRead() bool { return len(c.FilesystemRead) > 0 }

// HasFilesystemWrite reports whether any filesystem.write capability was declared.
func (c Capabilities) HasFilesystemWrite() bool { return len(c.FilesystemWrite) > 0 }

// HasEnvKey reports whether a specific environment key was declared.
func (c Capabilities) HasEnvKey(key string) bool {
	for _, k := range c.Env {
		if k == key {
			return true
		}
	}
	return false
}

// SkillManifest is the validated, immutable-after-install description of a
// sandboxed third-party skill, sourced from the TOML manifest format in
// spec.md §6.
type SkillManifest struct {
	Name         string         `toml:"name" json:"name"`
	Version      string         `toml:"version" json:"version"`
	Description  string         `toml:"description" json:"description"`
	Author       string         `toml:"author" json:"author"`
	Capabilities Capabilities   `toml:"capabilities" json:"capabilities"`
	Resources    ResourceLimits `toml:"resources" json:"resources"`
	EntryPath    string         `toml:"entry" json:"entry_path"` // relative path to the compiled wasm artifact
}

// VaultEntry is a name -> wrapped-ciphertext row. The unwrapped master key
// is never materialized to disk; it lives only in process memory once
// unlocked by the operator's passphrase.
type VaultEntry struct {
	Name       string `json:"name"`
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}
