package ldap

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	certBeginMarker = "-----BEGIN CERTIFICATE-----"
	certEndMarker   = "-----END CERTIFICATE-----"

	// TrustBundleName is the file the combined CA bundle is materialized
	// into. The connection layer reads exactly one trust file, so every
	// resolver configuration in the process contributes to this one file.
	TrustBundleName = "ldapresolver_cacerts.pem"
)

// TrustStore is the process-wide, content-addressed cache of trusted CA
// certificates. Registration is idempotent: a certificate already known by
// content hash triggers no rewrite unless the backing file is missing or
// stale. The bundle file is replaced atomically (write-temp-then-rename) so
// a concurrent reader never observes a partial write.
type TrustStore struct {
	mu        sync.Mutex
	path      string
	certs     map[string]string // sha1 hex -> raw PEM text as registered
	lastWrite time.Time
	writes    int
	log       hclog.Logger
}

// NewTrustStore creates a trust store whose bundle file lives under dir.
// An empty dir falls back to the system temp directory.
func NewTrustStore(dir string, log hclog.Logger) *TrustStore {
	if dir == "" {
		dir = os.TempDir()
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &TrustStore{
		path:  filepath.Join(dir, TrustBundleName),
		certs: make(map[string]string),
		log:   log,
	}
}

// Path returns the location of the materialized trust bundle file.
func (t *TrustStore) Path() string {
	return t.path
}

// HasCerts reports whether any certificate has been registered.
func (t *TrustStore) HasCerts() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.certs) > 0
}

// Writes returns how many times the bundle file has been regenerated.
func (t *TrustStore) Writes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}

// Register adds a CA certificate (PEM text, possibly several concatenated
// blocks) to the store. The bundle file is regenerated when the content is
// new or the backing file is missing or predates the last registration.
// Input without a complete BEGIN/END certificate block is ignored.
func (t *TrustStore) Register(pemText string) error {
	cert := strings.ReplaceAll(strings.TrimSpace(pemText), "\r\n", "\n")
	if cert == "" || !strings.Contains(cert, certBeginMarker) || !strings.Contains(cert, certEndMarker) {
		return nil
	}

	sum := sha1.Sum([]byte(cert))
	key := hex.EncodeToString(sum[:])

	t.mu.Lock()
	defer t.mu.Unlock()

	_, known := t.certs[key]
	if known && !t.bundleStale() {
		return nil
	}
	t.certs[key] = cert

	if err := t.writeBundle(); err != nil {
		return fmt.Errorf("regenerating trust bundle: %w", err)
	}
	t.log.Debug("trust bundle regenerated", "path", t.path, "certs", len(t.certs))
	return nil
}

// bundleStale reports whether the backing file is missing or older than the
// last registration. Callers hold t.mu.
func (t *TrustStore) bundleStale() bool {
	info, err := os.Stat(t.path)
	if err != nil {
		return true
	}
	return info.ModTime().Before(t.lastWrite)
}

// writeBundle materializes the union of all registered certificate blocks.
// Only text strictly between BEGIN/END markers is retained; anything
// malformed is dropped. Callers hold t.mu.
func (t *TrustStore) writeBundle() error {
	var b strings.Builder
	for _, cert := range t.certs {
		for _, block := range certBlocks(cert) {
			b.WriteString(block)
			b.WriteString("\n")
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(t.path), TrustBundleName+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		os.Remove(tmpName)
		return err
	}

	t.lastWrite = time.Now()
	t.writes++
	return nil
}

// certBlocks extracts every complete BEGIN/END certificate span from pemText.
func certBlocks(pemText string) []string {
	var blocks []string
	rest := pemText
	for {
		start := strings.Index(rest, certBeginMarker)
		if start < 0 {
			break
		}
		end := strings.Index(rest[start:], certEndMarker)
		if end < 0 {
			break
		}
		end += start + len(certEndMarker)
		blocks = append(blocks, strings.TrimSpace(rest[start:end]))
		rest = rest[end:]
	}
	return blocks
}
