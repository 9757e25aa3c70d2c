package tlsmode

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/caddyserver/certmagic"
)

// AcmeError reports a failed ACME flow. Callers fall back to a
// self-signed certificate with a prominent diagnostic rather than
// refusing to start.
type AcmeError struct {
	Reason string
	Err    error
}

func (e *AcmeError) Error() string {
	return fmt.Sprintf("acme: %s", e.Reason)
}

func (e *AcmeError) Unwrap() error { return e.Err }

// AcmeOptions configures HTTP-01 issuance.
type AcmeOptions struct {
	Domain  string
	Email   string
	DataDir string
	// AltHTTPPort overrides the port the HTTP-01 solver binds; zero
	// means the standard port 80.
	AltHTTPPort int
	// CA overrides the ACME directory; empty means Let's Encrypt
	// production.
	CA string
}

// ManageHTTP01 obtains (or reuses) a certificate for opts.Domain via
// the HTTP-01 challenge and wires the issuer's renewal-aware
// certificate selection into the manager. certmagic persists account
// and certificate state under the data dir and renews in the
// background; the manager delegates handshakes to it.
func ManageHTTP01(ctx context.Context, m *Manager, opts AcmeOptions) error {
	cache := certmagic.NewCache(certmagic.CacheOptions{
		GetConfigForCert: func(certmagic.Certificate) (*certmagic.Config, error) {
			return certmagicConfig(opts), nil
		},
	})
	cfg := certmagic.New(cache, *certmagicConfig(opts))

	issuer := certmagic.NewACMEIssuer(cfg, certmagic.ACMEIssuer{
		CA:                      acmeCA(opts),
		Email:                   opts.Email,
		Agreed:                  true,
		DisableTLSALPNChallenge: true,
		AltHTTPPort:             opts.AltHTTPPort,
	})
	cfg.Issuers = []certmagic.Issuer{issuer}

	if err := cfg.ManageSync(ctx, []string{opts.Domain}); err != nil {
		return &AcmeError{Reason: fmt.Sprintf("obtain certificate for %s: %v", opts.Domain, err), Err: err}
	}

	m.Delegate(cfg.GetCertificate)
	slog.Info("acme certificate managed", "domain", opts.Domain, "challenge", "http-01")
	return nil
}

func certmagicConfig(opts AcmeOptions) *certmagic.Config {
	return &certmagic.Config{
		Storage: &certmagic.FileStorage{Path: filepath.Join(opts.DataDir, "acme")},
	}
}

func acmeCA(opts AcmeOptions) string {
	if opts.CA != "" {
		return opts.CA
	}
	return certmagic.LetsEncryptProductionCA
}
