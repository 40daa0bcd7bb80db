// Package vault wraps a storage.VaultStore with a passphrase-derived
// AES-GCM layer. The master key lives only in process memory after Unlock
// succeeds; it is never written to disk and the store only ever sees
// ciphertext and nonces. This is a minimal, self-contained implementation
// sized for a single operator's secrets (provider API keys, channel bot
// tokens), not a production key-management system.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"github.com/blufio/blufio/internal/storage"
	"github.com/blufio/blufio/pkg/models"
)

// ErrLocked is returned by Put/Get when Unlock has not yet succeeded.
var ErrLocked = errors.New("vault: locked")

const (
	saltSize      = 16
	keySize       = 32
	stretchRounds = 200_000
)

// Vault encrypts and decrypts named secrets on top of a VaultStore.
type Vault struct {
	store storage.VaultStore
	key   []byte // nil while locked
}

// New creates a locked Vault backed by store.
func New(store storage.VaultStore) *Vault {
	return &Vault{store: store}
}

// Unlock derives the master key from passphrase and the salt at saltPath,
// generating and persisting a new random salt on first run.
func (v *Vault) Unlock(passphrase, saltPath string) error {
	salt, err := loadOrCreateSalt(saltPath)
	if err != nil {
		return fmt.Errorf("vault: load salt: %w", err)
	}
	if passphrase == "" {
		return errors.New("vault: passphrase is required")
	}
	v.key = deriveKey(passphrase, salt)
	return nil
}

// Lock discards the in-memory master key.
func (v *Vault) Lock() {
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
}

// Locked reports whether the vault needs Unlock before Put/Get will work.
func (v *Vault) Locked() bool {
	return len(v.key) == 0
}

// deriveKey stretches passphrase+salt into a 32-byte AES-256 key via
// repeated SHA-256, a deliberately simple stand-in for a proper
// memory-hard KDF (argon2/scrypt) — see the package doc comment on scope.
func deriveKey(passphrase string, salt []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(passphrase))
	key := h.Sum(nil)
	for i := 0; i < stretchRounds; i++ {
		h.Reset()
		h.Write(key)
		h.Write(salt)
		key = h.Sum(nil)
	}
	return key[:keySize]
}

func loadOrCreateSalt(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("salt path is required")
	}
	data, err := os.ReadFile(path)
	if err == nil && len(data) == saltSize {
		return data, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("persist salt: %w", err)
	}
	return salt, nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Put encrypts plaintext under the master key and persists it as name. The
// name is bound into the AEAD tag so one entry's ciphertext can't be
// relabeled as another's.
func (v *Vault) Put(ctx context.Context, name string, plaintext []byte) error {
	if v.Locked() {
		return ErrLocked
	}
	gcm, err := v.gcm()
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("vault: generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, []byte(name))

	return v.store.PutVaultEntry(ctx, &models.VaultEntry{
		Name:       name,
		Ciphertext: ciphertext,
		Nonce:      nonce,
	})
}

// Get decrypts and returns the plaintext stored under name.
func (v *Vault) Get(ctx context.Context, name string) ([]byte, error) {
	if v.Locked() {
		return nil, ErrLocked
	}
	entry, err := v.store.GetVaultEntry(ctx, name)
	if err != nil {
		return nil, err
	}
	gcm, err := v.gcm()
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	plaintext, err := gcm.Open(nil, entry.Nonce, entry.Ciphertext, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt %s: %w", name, err)
	}
	return plaintext, nil
}
