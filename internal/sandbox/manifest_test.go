package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blufio/blufio/pkg/models"
)

func writeTestSkill(t *testing.T, dir, manifest string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skill.toml"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skill.wasm"), minimalWasmModule(), 0o644))
	return filepath.Join(dir, "skill.toml")
}

// minimalWasmModule returns the smallest valid WebAssembly binary: the
// magic number and version, with no sections. wazero can compile this, and
// it is sufficient to exercise the compile/cache path without a real guest.
func minimalWasmModule() []byte {
	return []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
}

func TestParseManifestDefaultsAndValidation(t *testing.T) {
	dir := t.TempDir()
	path := writeTestSkill(t, dir, `
name = "weather-lookup"
version = "1.0.0"
description = "Looks up weather"
author = "blufio"
entry = "skill.wasm"

[capabilities]
network_domains = ["api.weather.example"]

[resources]
memory_mb = 32
`)

	m, err := ParseManifest(path)
	require.NoError(t, err)
	require.Equal(t, "weather-lookup", m.Name)
	require.Equal(t, uint32(32), m.Resources.MemoryMB)
	require.Equal(t, models.DefaultResourceLimits().Fuel, m.Resources.Fuel)
	require.Equal(t, models.DefaultResourceLimits().EpochTimeoutSec, m.Resources.EpochTimeoutSec)
	require.True(t, m.Capabilities.HasNetwork())
	require.Contains(t, m.EntryPath, "skill.wasm")
}

func TestParseManifestRejectsBadName(t *testing.T) {
	dir := t.TempDir()
	path := writeTestSkill(t, dir, `
name = "bad name!"
version = "1.0.0"
entry = "skill.wasm"
`)
	_, err := ParseManifest(path)
	require.Error(t, err)
}

func TestParseManifestRejectsMissingEntry(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "skill.toml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`
name = "ok-name"
version = "1.0.0"
entry = "missing.wasm"
`), 0o644))

	_, err := ParseManifest(manifestPath)
	require.Error(t, err)
}

func TestParseManifestRejectsRelativeFilesystemCapability(t *testing.T) {
	dir := t.TempDir()
	path := writeTestSkill(t, dir, `
name = "ok-name"
version = "1.0.0"
entry = "skill.wasm"

[capabilities]
filesystem_read = ["relative/path"]
`)
	_, err := ParseManifest(path)
	require.Error(t, err)
}
