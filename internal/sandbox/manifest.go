// Package sandbox runs third-party skills as capability-gated WebAssembly
// modules. Skills are admitted only as compiled bytecode: the manifest
// declares what a skill may touch, and the host enforces it by trapping any
// call outside the declared grant.
package sandbox

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/blufio/blufio/internal/errs"
	"github.com/blufio/blufio/pkg/models"
)

// nameShape matches spec.md's "alphanumeric + -_" skill name rule.
var nameShape = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ParseManifest decodes a skill.toml file at path into a validated
// models.SkillManifest. EntryPath is resolved relative to path's directory.
func ParseManifest(path string) (*models.SkillManifest, error) {
	var m models.SkillManifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, errs.NewSkill(errs.SkillReasonManifest, err, "decode manifest %s", path)
	}
	m.Resources = mergeResourceDefaults(m.Resources)

	if err := ValidateManifest(&m); err != nil {
		return nil, err
	}

	if !filepath.IsAbs(m.EntryPath) {
		m.EntryPath = filepath.Join(filepath.Dir(path), m.EntryPath)
	}
	if _, err := os.Stat(m.EntryPath); err != nil {
		return nil, errs.NewSkill(errs.SkillReasonManifest, err, "bytecode artifact %s", m.EntryPath)
	}
	return &m, nil
}

// mergeResourceDefaults fills any zero-valued resource limit with spec.md's
// stated default, so a manifest only needs to override what it cares about.
func mergeResourceDefaults(r models.ResourceLimits) models.ResourceLimits {
	d := models.DefaultResourceLimits()
	if r.Fuel == 0 {
		r.Fuel = d.Fuel
	}
	if r.MemoryMB == 0 {
		r.MemoryMB = d.MemoryMB
	}
	if r.EpochTimeoutSec == 0 {
		r.EpochTimeoutSec = d.EpochTimeoutSec
	}
	return r
}

// ValidateManifest checks name shape, required fields, and well-formed
// capability declarations, independent of where the manifest came from.
func ValidateManifest(m *models.SkillManifest) error {
	name := strings.TrimSpace(m.Name)
	if name == "" {
		return errs.NewSkill(errs.SkillReasonManifest, nil, "name is required")
	}
	if !nameShape.MatchString(name) {
		return errs.NewSkill(errs.SkillReasonManifest, nil, "name %q must be alphanumeric, -, or _", name)
	}
	if strings.TrimSpace(m.Version) == "" {
		return errs.NewSkill(errs.SkillReasonManifest, nil, "version is required")
	}
	if strings.TrimSpace(m.EntryPath) == "" {
		return errs.NewSkill(errs.SkillReasonManifest, nil, "entry path is required")
	}
	for _, d := range m.Capabilities.NetworkDomains {
		if strings.TrimSpace(d) == "" {
			return errs.NewSkill(errs.SkillReasonManifest, nil, "empty network domain entry")
		}
	}
	for _, p := range append(append([]string{}, m.Capabilities.FilesystemRead...), m.Capabilities.FilesystemWrite...) {
		if strings.TrimSpace(p) == "" {
			return errs.NewSkill(errs.SkillReasonManifest, nil, "empty filesystem capability path")
		}
		if !filepath.IsAbs(p) {
			return errs.NewSkill(errs.SkillReasonManifest, nil, "filesystem capability %q must be an absolute path", p)
		}
	}
	return nil
}
