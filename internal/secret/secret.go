// Package secret keeps bind credentials encrypted at rest in process
// memory. A credential enters a Store once, at configuration time, and
// leaves it only as ciphertext; plaintext exists transiently at the point
// of use.
package secret

import (
	"context"
	"crypto/rand"
	"fmt"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
)

// Store seals and opens secrets with a process-local AES-GCM key.
type Store struct {
	wrapper *aead.Wrapper
}

// NewEphemeralStore creates a store keyed by fresh random material. The
// key lives only in this process; sealed values do not survive a restart,
// which is the point: they protect against accidental exposure in memory
// dumps, logs and string formatting, not against the process itself.
func NewEphemeralStore(ctx context.Context) (*Store, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating store key: %w", err)
	}

	wrapper := aead.NewWrapper()
	if _, err := wrapper.SetConfig(ctx, wrapping.WithKeyId("ldapresolver-ephemeral")); err != nil {
		return nil, fmt.Errorf("configuring secret wrapper: %w", err)
	}
	if err := wrapper.SetAesGcmKeyBytes(key); err != nil {
		return nil, fmt.Errorf("keying secret wrapper: %w", err)
	}
	return &Store{wrapper: wrapper}, nil
}

// Seal encrypts plaintext and returns its sealed handle.
func (s *Store) Seal(ctx context.Context, plaintext string) (*Sealed, error) {
	blob, err := s.wrapper.Encrypt(ctx, []byte(plaintext))
	if err != nil {
		return nil, fmt.Errorf("sealing secret: %w", err)
	}
	return &Sealed{store: s, blob: blob}, nil
}

// Sealed is an encrypted-at-rest secret bound to the store that sealed it.
type Sealed struct {
	store *Store
	blob  *wrapping.BlobInfo
}

// Open decrypts the secret. Callers must not retain the returned plaintext
// beyond the immediate use.
func (s *Sealed) Open(ctx context.Context) (string, error) {
	if s == nil || s.blob == nil {
		return "", nil
	}
	plaintext, err := s.store.wrapper.Decrypt(ctx, s.blob)
	if err != nil {
		return "", fmt.Errorf("opening sealed secret: %w", err)
	}
	return string(plaintext), nil
}

// String keeps sealed secrets out of formatted output.
func (s *Sealed) String() string { return "[sealed]" }

// GoString keeps sealed secrets out of %#v output.
func (s *Sealed) GoString() string { return "[sealed]" }
