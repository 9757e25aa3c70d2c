package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flm/internal/audit"
	"flm/internal/engine"
	"flm/internal/security"
)

func openTestSecurityDB(t *testing.T) *SecurityDB {
	t.Helper()
	db, err := OpenSecurityDB(filepath.Join(t.TempDir(), "security.db"))
	if err != nil {
		t.Fatalf("open security db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAPIKeyRepository(t *testing.T) {
	db := openTestSecurityDB(t)
	ctx := context.Background()
	svc := security.NewKeyService(db)

	created, err := svc.Create(ctx, "ci")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec, err := svc.Verify(ctx, created.Plain)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rec == nil || rec.ID != created.Record.ID {
		t.Fatalf("expected stored key to verify, got %+v", rec)
	}

	if err := svc.Revoke(ctx, created.Record.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	rec, _ = svc.Verify(ctx, created.Plain)
	if rec != nil {
		t.Error("revoked key must not verify")
	}

	keys, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0].RevokedAt == nil {
		t.Errorf("expected one revoked record, got %+v", keys)
	}
}

func TestPolicyRepository(t *testing.T) {
	db := openTestSecurityDB(t)
	ctx := context.Background()

	p, err := db.GetPolicy(ctx, "default")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p != nil {
		t.Fatal("expected no policy before save")
	}

	want := security.DefaultPolicy()
	want.IPWhitelist = []string{"10.0.0.0/8"}
	if err := db.SavePolicy(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := db.GetPolicy(ctx, "default")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || len(got.IPWhitelist) != 1 || got.IPWhitelist[0] != "10.0.0.0/8" {
		t.Errorf("policy did not round-trip: %+v", got)
	}

	// Saving again replaces the document.
	want.IPWhitelist = nil
	db.SavePolicy(ctx, want)
	got, _ = db.GetPolicy(ctx, "default")
	if len(got.IPWhitelist) != 0 {
		t.Errorf("expected updated policy, got %+v", got)
	}
}

func TestBlockStorePersistence(t *testing.T) {
	db := openTestSecurityDB(t)
	ctx := context.Background()

	until := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	entry := security.BlockEntry{
		IP:             "203.0.113.9",
		FailureCount:   5,
		FirstFailureAt: time.Now().UTC(),
		BlockedUntil:   &until,
		LastAttempt:    time.Now().UTC(),
		Reason:         "auth failures",
	}
	if err := db.PutBlock(ctx, entry); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := db.GetBlock(ctx, "203.0.113.9")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.FailureCount != 5 || got.BlockedUntil == nil {
		t.Fatalf("entry did not round-trip: %+v", got)
	}
	if !got.Blocked(time.Now()) {
		t.Error("expected entry to report blocked")
	}

	entries, err := db.ListBlocks(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	if err := db.DeleteBlock(ctx, "203.0.113.9"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = db.GetBlock(ctx, "203.0.113.9")
	if got != nil {
		t.Error("expected entry gone after delete")
	}
}

func TestAuditQueryFilters(t *testing.T) {
	db := openTestSecurityDB(t)
	ctx := context.Background()

	events := []audit.Event{
		{Kind: audit.KindAuthFailure, IP: "1.1.1.1", Path: "/v1/models", Status: 401},
		{Kind: audit.KindAuthFailure, IP: "2.2.2.2", Path: "/v1/models", Status: 401},
		{Kind: audit.KindIntrusion, IP: "1.1.1.1", Path: "/v1/models", Status: 403},
	}
	for _, e := range events {
		if err := db.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := db.QueryAudit(ctx, audit.Filter{IP: "1.1.1.1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 events for ip, got %d", len(got))
	}

	got, _ = db.QueryAudit(ctx, audit.Filter{Kind: audit.KindIntrusion})
	if len(got) != 1 {
		t.Errorf("expected 1 intrusion event, got %d", len(got))
	}

	got, _ = db.QueryAudit(ctx, audit.Filter{Limit: 1})
	if len(got) != 1 {
		t.Errorf("expected limit to apply, got %d", len(got))
	}
}

func TestAuditRedactsBearerTokens(t *testing.T) {
	db := openTestSecurityDB(t)
	ctx := context.Background()

	db.Append(ctx, audit.Event{
		Kind:   audit.KindAuthFailure,
		Detail: "header Bearer flm_supersecrettokenvalue rejected",
	})
	got, _ := db.QueryAudit(ctx, audit.Filter{})
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Detail != "header Bearer [redacted] rejected" {
		t.Errorf("expected token redacted, got %q", got[0].Detail)
	}
}

func TestHealthLog(t *testing.T) {
	db := openTestSecurityDB(t)
	ctx := context.Background()

	err := db.RecordHealth(ctx, "ollama-default", engine.KindOllama, engine.Health{
		State: engine.HealthHealthy, LatencyMs: 12,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	db.RecordHealth(ctx, "vllm-default", engine.KindVllm, engine.Health{
		State: engine.HealthUnreachable, Reason: "HTTP 503",
	})

	samples, err := db.ListHealth(ctx, "ollama-default", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(samples) != 1 || samples[0].State != engine.HealthHealthy {
		t.Errorf("unexpected samples: %+v", samples)
	}

	all, _ := db.ListHealth(ctx, "", 10)
	if len(all) != 2 {
		t.Errorf("expected 2 samples total, got %d", len(all))
	}

	if err := db.TrimHealthLogs(ctx); err != nil {
		t.Fatalf("trim: %v", err)
	}
}

func TestSecretStoreRoundTrip(t *testing.T) {
	db := openTestSecurityDB(t)
	ctx := context.Background()
	keyPath := filepath.Join(t.TempDir(), "data.key")

	store, err := NewSecretStore(db, keyPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	secret := map[string]string{"CLOUDFLARE_DNS_API_TOKEN": "tok-123"}
	if err := store.Seal(ctx, "cf-main", secret); err != nil {
		t.Fatalf("seal: %v", err)
	}

	// The ciphertext at rest must not contain the plaintext token.
	var sealed string
	db.db.QueryRow(`SELECT sealed FROM dns_credentials WHERE id = 'cf-main'`).Scan(&sealed)
	if sealed == "" {
		t.Fatal("expected sealed row")
	}
	if strings.Contains(sealed, "tok-123") {
		t.Error("secret stored in plaintext")
	}

	got, err := store.Open(ctx, "cf-main")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got["CLOUDFLARE_DNS_API_TOKEN"] != "tok-123" {
		t.Errorf("secret did not round-trip: %+v", got)
	}

	// A second store over the same key file can still open it.
	store2, err := NewSecretStore(db, keyPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := store2.Open(ctx, "cf-main"); err != nil {
		t.Errorf("open with reloaded key: %v", err)
	}
}

func TestDnsCredentialService(t *testing.T) {
	db := openTestSecurityDB(t)
	ctx := context.Background()
	store, _ := NewSecretStore(db, filepath.Join(t.TempDir(), "data.key"))
	creds := security.NewDnsCredentials(db, store)

	profile := security.DnsCredentialProfile{ID: "cf-main", Provider: "cloudflare", CreatedAt: time.Now().UTC()}
	if err := creds.Store(ctx, profile, map[string]string{"TOKEN": "x"}); err != nil {
		t.Fatalf("store: %v", err)
	}

	resolved, err := creds.Resolve(ctx, "cf-main")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Profile.Provider != "cloudflare" {
		t.Errorf("expected provider saved, got %q", resolved.Profile.Provider)
	}
	if resolved.Env["TOKEN"] != "x" {
		t.Errorf("expected secret resolved, got %+v", resolved.Env)
	}
}
