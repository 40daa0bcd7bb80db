package daemon

import (
	"context"
	"errors"

	"github.com/blufio/blufio/internal/config"
	"github.com/blufio/blufio/internal/errs"
	"github.com/blufio/blufio/internal/vault"
)

// resolveSecret looks up name in the unlocked vault first, falling back to
// the environment variable named by envVar when no vault entry exists. This
// lets an operator either `blufio` a secret into the vault once, or keep
// doing it the plain env-var way; neither path is required.
func resolveSecret(ctx context.Context, v *vault.Vault, name, field, envVar string) (string, error) {
	if v != nil && !v.Locked() {
		secret, err := v.Get(ctx, name)
		if err == nil {
			return string(secret), nil
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return "", err
		}
	}
	return config.RequireEnv(field, envVar)
}
