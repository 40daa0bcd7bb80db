package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadIdentityWithPersonaFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultIdentityFilename)
	if err := os.WriteFile(path, []byte("Be terse. Prefer bullet points.\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	id, err := LoadIdentity("Blufio", path)
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}
	if id.Name != "Blufio" {
		t.Errorf("Name = %q, want Blufio", id.Name)
	}
	if id.Persona != "Be terse. Prefer bullet points." {
		t.Errorf("Persona = %q", id.Persona)
	}

	prompt := id.SystemPrompt()
	if !containsAll(prompt, "Blufio", "Be terse. Prefer bullet points.") {
		t.Errorf("SystemPrompt() = %q, missing expected content", prompt)
	}
}

func TestLoadIdentityMissingFileFallsBackToNameOnly(t *testing.T) {
	id, err := LoadIdentity("Blufio", filepath.Join(t.TempDir(), "missing.md"))
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}
	if id.Persona != "" {
		t.Errorf("Persona = %q, want empty for a missing file", id.Persona)
	}
	if !containsAll(id.SystemPrompt(), "Blufio") {
		t.Errorf("SystemPrompt() = %q, missing name", id.SystemPrompt())
	}
}

func TestLoadIdentityEmptyPathSkipsFileRead(t *testing.T) {
	id, err := LoadIdentity("Blufio", "")
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}
	if id.Persona != "" {
		t.Errorf("Persona = %q, want empty when no path is configured", id.Persona)
	}
}

func TestIdentitySystemPromptNilReceiver(t *testing.T) {
	var id *Identity
	if id.SystemPrompt() != "" {
		t.Error("expected empty prompt for nil identity")
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
