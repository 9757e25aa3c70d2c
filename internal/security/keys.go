// Package security implements the enforcement core: API keys, the
// security policy, rate limiting, intrusion and anomaly scoring, and
// the tiered IP blocklist.
package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

// ApiKeyRecord is a stored API key. Hash is the argon2id encoding of
// the plaintext; the plaintext itself is returned exactly once at
// creation and never persisted.
type ApiKeyRecord struct {
	ID        string     `json:"id"`
	Label     string     `json:"label"`
	Hash      string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// CreatedKey pairs a new record with its one-time plaintext.
type CreatedKey struct {
	Record ApiKeyRecord
	Plain  string
}

// KeyRepository is the persistence surface the key service consumes.
type KeyRepository interface {
	InsertAPIKey(ctx context.Context, rec ApiKeyRecord) error
	ListAPIKeys(ctx context.Context) ([]ApiKeyRecord, error)
	GetAPIKey(ctx context.Context, id string) (*ApiKeyRecord, error)
	RevokeAPIKey(ctx context.Context, id string, revokedAt time.Time) error
}

// ErrKeyNotFound is returned for operations addressing an unknown key id.
var ErrKeyNotFound = fmt.Errorf("api key not found")

// argon2id parameters. Time/memory follow the RFC 9106 low-memory
// recommendation; enough for a local gateway where verification runs
// over every active key per request.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// plainKeyBytes is the entropy of a generated key before encoding.
const plainKeyBytes = 32

// KeyService manages API keys.
type KeyService struct {
	repo KeyRepository
}

// NewKeyService creates a key service over the given repository.
func NewKeyService(repo KeyRepository) *KeyService {
	return &KeyService{repo: repo}
}

// Create generates a new key, stores only its hash, and returns the
// plaintext to the caller once.
func (s *KeyService) Create(ctx context.Context, label string) (*CreatedKey, error) {
	raw := make([]byte, plainKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate key material: %w", err)
	}
	plain := "flm_" + base64.RawURLEncoding.EncodeToString(raw)

	hash, err := hashKey(plain)
	if err != nil {
		return nil, err
	}
	rec := ApiKeyRecord{
		ID:        uuid.NewString(),
		Label:     label,
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.InsertAPIKey(ctx, rec); err != nil {
		return nil, err
	}
	return &CreatedKey{Record: rec, Plain: plain}, nil
}

// Verify checks a plaintext key against every active record. The scan
// never short-circuits: each active record's hash comparison runs even
// after a match, so elapsed time depends on the active-key count, not
// on the matching record's position.
func (s *KeyService) Verify(ctx context.Context, plain string) (*ApiKeyRecord, error) {
	records, err := s.repo.ListAPIKeys(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var matched *ApiKeyRecord
	for i := range records {
		rec := &records[i]
		// A revocation timestamp in the future is a rotation grace
		// window; the key stays active until it passes.
		if rec.RevokedAt != nil && !rec.RevokedAt.After(now) {
			continue
		}
		if compareKey(plain, rec.Hash) && matched == nil {
			matched = rec
		}
	}
	return matched, nil
}

// List returns all records, revoked included, hashes elided by the
// ApiKeyRecord JSON shape.
func (s *KeyService) List(ctx context.Context) ([]ApiKeyRecord, error) {
	return s.repo.ListAPIKeys(ctx)
}

// Revoke marks a key revoked.
func (s *KeyService) Revoke(ctx context.Context, id string) error {
	rec, err := s.repo.GetAPIKey(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrKeyNotFound
	}
	return s.repo.RevokeAPIKey(ctx, id, time.Now().UTC())
}

// Rotate issues a new key under the old label and revokes the old
// record. With grace > 0 revocation is deferred, so both keys verify
// during the window.
func (s *KeyService) Rotate(ctx context.Context, id string, grace time.Duration) (*CreatedKey, error) {
	old, err := s.repo.GetAPIKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, ErrKeyNotFound
	}
	created, err := s.Create(ctx, old.Label)
	if err != nil {
		return nil, err
	}
	if err := s.repo.RevokeAPIKey(ctx, id, time.Now().UTC().Add(grace)); err != nil {
		return nil, err
	}
	return created, nil
}

// hashKey derives an argon2id hash in the standard encoded form.
func hashKey(plain string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	sum := argon2.IDKey([]byte(plain), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum)), nil
}

// compareKey re-derives the hash with the stored salt and compares in
// constant time. Malformed stored hashes never match.
func compareKey(plain, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var memory, timeCost uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(plain), salt, timeCost, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}
