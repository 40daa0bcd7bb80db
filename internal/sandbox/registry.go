package sandbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/blufio/blufio/internal/errs"
	"github.com/blufio/blufio/internal/storage"
	"github.com/blufio/blufio/pkg/models"
)

// manifestFileName is the expected manifest filename inside a skill
// directory, analogous to a Cargo.toml or package.json anchor file.
const manifestFileName = "skill.toml"

// Registry discovers skill directories, installs them into both the
// persistent skill store and the in-process Sandbox, and exposes each
// installed skill as a callable tool.
type Registry struct {
	store   storage.SkillStore
	sandbox *Sandbox
	logger  *slog.Logger
}

// NewRegistry constructs a Registry backed by store for persistence and
// sandbox for execution.
func NewRegistry(store storage.SkillStore, sandbox *Sandbox, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, sandbox: sandbox, logger: logger}
}

// DiscoverDir walks dir one level deep looking for subdirectories containing
// skill.toml, parsing and installing each one found. A directory whose
// manifest fails validation is logged and skipped rather than aborting the
// whole scan.
func (r *Registry) DiscoverDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errs.New(errs.KindSkill, err, "read skills directory %s", dir)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestPath := filepath.Join(dir, entry.Name(), manifestFileName)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		if err := r.Install(ctx, manifestPath); err != nil {
			r.logger.Warn("skipping skill install", "path", manifestPath, "error", err)
		}
	}
	return nil
}

// Install parses the manifest at manifestPath, compiles its bytecode, and
// records it in the skill store. Re-installing an existing name overwrites
// its manifest row and recompiles the module.
func (r *Registry) Install(ctx context.Context, manifestPath string) error {
	m, err := ParseManifest(manifestPath)
	if err != nil {
		return err
	}
	if err := r.sandbox.Install(ctx, m); err != nil {
		return err
	}
	if err := r.store.InstallSkill(ctx, m); err != nil {
		r.sandbox.Uninstall(ctx, m.Name)
		return errs.New(errs.KindSkill, err, "record skill %s", m.Name)
	}
	r.logger.Info("installed skill", "name", m.Name, "version", m.Version)
	return nil
}

// Remove drops name from both the sandbox's compiled-module cache and the
// persistent skill store.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.sandbox.Uninstall(ctx, name)
	if err := r.store.RemoveSkill(ctx, name); err != nil {
		return errs.New(errs.KindSkill, err, "remove skill %s", name)
	}
	return nil
}

// List returns every installed skill's manifest.
func (r *Registry) List(ctx context.Context) ([]*models.SkillManifest, error) {
	return r.store.ListSkills(ctx)
}

// Tool adapts an installed skill into the uniform tool contract (name,
// description, JSON-Schema parameters, invoke). It is generic over whatever
// concrete tool-result type the caller's package defines, via the
// ToolResult fields populated here.
type Tool struct {
	Manifest *models.SkillManifest
	sandbox  *Sandbox
}

// ToolFor returns a Tool wrapping name, loading its manifest from the store.
func (r *Registry) ToolFor(ctx context.Context, name string) (*Tool, error) {
	m, err := r.store.GetSkill(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Tool{Manifest: m, sandbox: r.sandbox}, nil
}

func (t *Tool) Name() string        { return t.Manifest.Name }
func (t *Tool) Description() string { return t.Manifest.Description }

// Invoke runs the skill with a JSON-encoded input payload and returns its
// raw output bytes (typically itself JSON, interpreted by the caller).
func (t *Tool) Invoke(ctx context.Context, input any) ([]byte, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, errs.New(errs.KindSkill, err, "encode skill input")
	}
	return t.sandbox.Invoke(ctx, t.Manifest, payload)
}
