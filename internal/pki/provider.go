package pki

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CertificateProvider resolves a per-host TLS certificate for the
// HTTPS ingress (spec §4.3: "a per-host certificate, looked up by
// SNI among ACME-provisioned or manually uploaded certificates").
// Implementations may back this with an external ACME client or
// uploaded-certificate store (out of scope per spec §1/§11.2); this
// package supplies only the interface plus a CA-backed default.
type CertificateProvider interface {
	// Certificate returns a TLS certificate valid for host, or an
	// error if none is available and none could be issued.
	Certificate(host string) (*tls.Certificate, error)
}

// CADefaultProvider issues and caches CA-signed certificates on
// demand, one per host. It is the provider used when no external
// ACME/uploaded-certificate store is configured.
type CADefaultProvider struct {
	ca    *CA
	mu    sync.RWMutex
	cache map[string]*tls.Certificate
}

// NewCADefaultProvider wraps ca.
func NewCADefaultProvider(ca *CA) *CADefaultProvider {
	return &CADefaultProvider{ca: ca, cache: make(map[string]*tls.Certificate)}
}

// Certificate returns a cached certificate for host, issuing and
// caching a new one on first use. A certificate is reissued once its
// actual parsed NotAfter has passed (spec §9 open question: expiry is
// read from the certificate itself, not reported as a synthetic
// "now + 90 days").
func (p *CADefaultProvider) Certificate(host string) (*tls.Certificate, error) {
	p.mu.RLock()
	cert, ok := p.cache[host]
	p.mu.RUnlock()
	if ok && certStillValid(cert) {
		return cert, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Re-check after acquiring the write lock in case another
	// goroutine issued one first.
	if cert, ok := p.cache[host]; ok && certStillValid(cert) {
		return cert, nil
	}

	issued, err := p.ca.TLSCertificate(host)
	if err != nil {
		return nil, fmt.Errorf("pki: issue certificate for %s: %w", host, err)
	}
	p.cache[host] = &issued
	return &issued, nil
}

func certStillValid(cert *tls.Certificate) bool {
	if cert.Leaf == nil {
		return false
	}
	return time.Now().Before(cert.Leaf.NotAfter)
}

// LoadOrCreateCA loads a CA's deterministic seed from dir (generating
// and persisting one on first run) so the relay's control-plane
// certificate and issued ingress certificates survive restarts.
func LoadOrCreateCA(dir string) (*CA, error) {
	seedPath := filepath.Join(dir, "ca.seed")

	seed, err := os.ReadFile(seedPath)
	if err == nil {
		slog.Info("loading existing CA seed", "dir", dir)
		return NewCAFromSeed(string(seed))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("pki: read CA seed: %w", err)
	}

	slog.Info("generating new CA seed", "dir", dir)
	newSeed, err := randomSeed()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("pki: create CA dir: %w", err)
	}
	if err := atomicWriteFile(seedPath, []byte(newSeed), 0600); err != nil {
		return nil, fmt.Errorf("pki: write CA seed: %w", err)
	}
	return NewCAFromSeed(newSeed)
}

func randomSeed() (string, error) {
	serial, err := randomSerial()
	if err != nil {
		return "", err
	}
	return serial.Text(36), nil
}

// atomicWriteFile writes data to a temporary file in the same
// directory as path, then renames it into place, so a crash mid-write
// cannot leave a partially written file at path.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
