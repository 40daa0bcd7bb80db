package sandbox

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/blufio/blufio/internal/net/ssrf"
	"github.com/blufio/blufio/pkg/models"
)

// grant evaluates one invocation's declared capabilities against requested
// host operations. A grant never widens what the manifest declared; it only
// answers yes/no for a concrete request.
type grant struct {
	caps models.Capabilities
}

func newGrant(caps models.Capabilities) *grant {
	return &grant{caps: caps}
}

// allowNetwork reports whether rawURL's host is covered by the manifest's
// network_domains allowlist and does not resolve to a private address.
func (g *grant) allowNetwork(ctx context.Context, rawURL string) bool {
	if !g.caps.HasNetwork() {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if !domainAllowed(host, g.caps.NetworkDomains) {
		return false
	}
	if err := ssrf.ValidatePublicHostnameContext(ctx, host); err != nil {
		return false
	}
	return true
}

// domainAllowed reports whether host matches one of allowlist exactly or as
// a subdomain (an allowlist entry "example.com" also grants "api.example.com").
func domainAllowed(host string, allowlist []string) bool {
	for _, allowed := range allowlist {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "" {
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// allowFileRead/allowFileWrite report whether path falls under one of the
// manifest's declared filesystem.read/filesystem.write directory prefixes.
func (g *grant) allowFileRead(path string) bool {
	return g.caps.HasFilesystemRead() && pathAllowed(path, g.caps.FilesystemRead)
}

func (g *grant) allowFileWrite(path string) bool {
	return g.caps.HasFilesystemWrite() && pathAllowed(path, g.caps.FilesystemWrite)
}

func pathAllowed(path string, prefixes []string) bool {
	clean, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, prefix := range prefixes {
		prefixAbs, err := filepath.Abs(prefix)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(prefixAbs, clean)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && rel != "..") {
			return true
		}
	}
	return false
}

// allowEnv reports whether key is explicitly listed in the manifest's env
// capability.
func (g *grant) allowEnv(key string) bool {
	return g.caps.HasEnvKey(key)
}
