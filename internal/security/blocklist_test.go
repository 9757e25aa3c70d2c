package security

import (
	"context"
	"net/netip"
	"testing"
	"time"
)

func TestBlocklistTiers(t *testing.T) {
	b := NewBlocklist(NewMemoryBlockStore())
	ctx := context.Background()
	ip := netip.MustParseAddr("203.0.113.50")

	// Failures 1-4 warn only.
	for i := 0; i < 4; i++ {
		entry, err := b.RecordFailure(ctx, ip, "auth failure")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if entry.Blocked(time.Now()) {
			t.Fatalf("failure %d should not block", i+1)
		}
	}

	// 5th failure: 30 minute block.
	entry, _ := b.RecordFailure(ctx, ip, "auth failure")
	if !entry.Blocked(time.Now()) {
		t.Fatal("5th failure should trigger a temp block")
	}
	until := time.Until(*entry.BlockedUntil)
	if until > 31*time.Minute || until < 29*time.Minute {
		t.Errorf("expected ~30m block, got %v", until)
	}
	if !b.IsBlocked(ctx, ip) {
		t.Error("IsBlocked should report the temp block")
	}

	// 10th failure: 24 hour block.
	for i := 0; i < 5; i++ {
		entry, _ = b.RecordFailure(ctx, ip, "auth failure")
	}
	until = time.Until(*entry.BlockedUntil)
	if until > 25*time.Hour || until < 23*time.Hour {
		t.Errorf("expected ~24h block, got %v", until)
	}

	// 20th failure: permanent.
	for i := 0; i < 10; i++ {
		entry, _ = b.RecordFailure(ctx, ip, "auth failure")
	}
	if !entry.PermanentBlock {
		t.Error("20th failure should be permanent")
	}
	if !b.IsBlocked(ctx, ip) {
		t.Error("permanent block should deny")
	}
}

func TestBlocklistUnblockZeroesCounter(t *testing.T) {
	b := NewBlocklist(NewMemoryBlockStore())
	ctx := context.Background()
	ip := netip.MustParseAddr("203.0.113.51")

	for i := 0; i < 6; i++ {
		b.RecordFailure(ctx, ip, "auth failure")
	}
	if !b.IsBlocked(ctx, ip) {
		t.Fatal("expected block after 6 failures")
	}

	if err := b.Unblock(ctx, ip); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.IsBlocked(ctx, ip) {
		t.Error("unblock should clear the block")
	}

	// Counter restarted: next failure is failure #1, warn only.
	entry, _ := b.RecordFailure(ctx, ip, "auth failure")
	if entry.FailureCount != 1 {
		t.Errorf("expected counter reset, got %d", entry.FailureCount)
	}
}

func TestBlocklistBlockFor(t *testing.T) {
	b := NewBlocklist(NewMemoryBlockStore())
	ctx := context.Background()
	ip := netip.MustParseAddr("203.0.113.52")

	if err := b.BlockFor(ctx, ip, time.Hour, "anomaly score 120"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.IsBlocked(ctx, ip) {
		t.Fatal("expected timed block")
	}

	// A longer block extends; a shorter one must not shorten.
	b.BlockFor(ctx, ip, 24*time.Hour, "anomaly score 220")
	entry, _ := b.store.GetBlock(ctx, ip.String())
	if time.Until(*entry.BlockedUntil) < 23*time.Hour {
		t.Error("longer block should extend the window")
	}
	b.BlockFor(ctx, ip, time.Minute, "later small score")
	entry, _ = b.store.GetBlock(ctx, ip.String())
	if time.Until(*entry.BlockedUntil) < 23*time.Hour {
		t.Error("shorter block must not shorten the window")
	}
}

func TestBlocklistExpiredBlockAdmits(t *testing.T) {
	store := NewMemoryBlockStore()
	b := NewBlocklist(store)
	ctx := context.Background()
	ip := netip.MustParseAddr("203.0.113.53")

	past := time.Now().Add(-time.Minute)
	store.PutBlock(ctx, BlockEntry{IP: ip.String(), FailureCount: 5, BlockedUntil: &past})
	if b.IsBlocked(ctx, ip) {
		t.Error("expired block should admit")
	}
}

func TestBlocklistClear(t *testing.T) {
	b := NewBlocklist(NewMemoryBlockStore())
	ctx := context.Background()

	for _, ip := range []string{"203.0.113.60", "203.0.113.61"} {
		b.RecordFailure(ctx, netip.MustParseAddr(ip), "x")
	}
	if err := b.Clear(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries, _ := b.List(ctx)
	if len(entries) != 0 {
		t.Errorf("expected empty list after clear, got %d", len(entries))
	}
}
