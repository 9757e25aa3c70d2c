package security

import (
	"context"
	"fmt"
	"time"
)

// DnsCredentialProfile names a stored DNS provider credential. Only the
// id and provider travel in plain configuration; the secret itself is
// held by the SecretStore and resolved in memory when the ACME driver
// needs it.
type DnsCredentialProfile struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

// ResolvedDnsCredential is the in-memory form handed to the ACME
// driver. It is never serialized back to disk.
type ResolvedDnsCredential struct {
	Profile DnsCredentialProfile
	// Environment variables for the external solver, e.g.
	// CLOUDFLARE_DNS_API_TOKEN.
	Env map[string]string
}

// SecretStore encrypts credential material at rest. The storage layer
// provides an implementation; the security service only sees opaque
// ciphertext handles.
type SecretStore interface {
	Seal(ctx context.Context, id string, secret map[string]string) error
	Open(ctx context.Context, id string) (map[string]string, error)
	Delete(ctx context.Context, id string) error
}

// DnsCredentialRepository persists the profile metadata.
type DnsCredentialRepository interface {
	SaveDnsProfile(ctx context.Context, p DnsCredentialProfile) error
	GetDnsProfile(ctx context.Context, id string) (*DnsCredentialProfile, error)
	ListDnsProfiles(ctx context.Context) ([]DnsCredentialProfile, error)
}

// DnsCredentials manages DNS provider credentials for DNS-01 issuance.
type DnsCredentials struct {
	repo    DnsCredentialRepository
	secrets SecretStore
}

// NewDnsCredentials creates the credential service.
func NewDnsCredentials(repo DnsCredentialRepository, secrets SecretStore) *DnsCredentials {
	return &DnsCredentials{repo: repo, secrets: secrets}
}

// Store saves a profile and seals its secret material.
func (d *DnsCredentials) Store(ctx context.Context, profile DnsCredentialProfile, secret map[string]string) error {
	if profile.ID == "" {
		return fmt.Errorf("dns credential profile needs an id")
	}
	if err := d.secrets.Seal(ctx, profile.ID, secret); err != nil {
		return err
	}
	return d.repo.SaveDnsProfile(ctx, profile)
}

// Resolve loads a profile and opens its secret for in-memory use.
func (d *DnsCredentials) Resolve(ctx context.Context, id string) (*ResolvedDnsCredential, error) {
	profile, err := d.repo.GetDnsProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, fmt.Errorf("dns credential profile %q not found", id)
	}
	env, err := d.secrets.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ResolvedDnsCredential{Profile: *profile, Env: env}, nil
}
