// Package tlsmode drives the gateway's TLS posture: plaintext,
// self-signed development certificates, and ACME-issued certificates
// via HTTP-01 (certmagic) or DNS-01 (external lego solver). Issued
// certificates sit behind an atomically swappable pointer read once per
// TLS handshake, so renewal never disturbs in-flight connections.
package tlsmode

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Manager owns the certificate used by the TLS accept path.
type Manager struct {
	current atomic.Pointer[tls.Certificate]

	// getCertificate overrides the pointer when an issuer (certmagic)
	// manages its own renewal.
	getCertificate func(*tls.ClientHelloInfo) (*tls.Certificate, error)
}

// NewManager creates an empty manager; install a certificate with
// SetCertificate or LoadFromFiles before serving.
func NewManager() *Manager {
	return &Manager{}
}

// SetCertificate publishes a new certificate. In-flight connections
// drain under the old one; no draining is forced.
func (m *Manager) SetCertificate(cert tls.Certificate) {
	m.current.Store(&cert)
	slog.Info("certificate published")
}

// LoadFromFiles reads a PEM chain and key and publishes them.
func (m *Manager) LoadFromFiles(certPath, keyPath string) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return fmt.Errorf("load key pair: %w", err)
	}
	m.SetCertificate(cert)
	return nil
}

// Delegate hands certificate selection to an external issuer, used for
// the certmagic-managed HTTP-01 mode.
func (m *Manager) Delegate(fn func(*tls.ClientHelloInfo) (*tls.Certificate, error)) {
	m.getCertificate = fn
}

// TLSConfig returns the listener configuration. Readers dereference the
// certificate pointer once per handshake.
func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if m.getCertificate != nil {
				return m.getCertificate(hello)
			}
			cert := m.current.Load()
			if cert == nil {
				return nil, fmt.Errorf("no certificate installed")
			}
			return cert, nil
		},
	}
}

// Watch reloads the published certificate whenever the cert or key file
// changes on disk. Used for the DNS-01 path, where the external solver
// writes renewed files into the certificates directory. Blocks until
// ctx is cancelled.
func (m *Manager) Watch(ctx context.Context, certPath, keyPath string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	for _, path := range []string{certPath, keyPath} {
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := m.LoadFromFiles(certPath, keyPath); err != nil {
				slog.Error("certificate reload failed", "path", event.Name, "error", err)
				continue
			}
			slog.Info("certificate hot-reloaded", "path", event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("certificate watcher error", "error", err)
		}
	}
}
