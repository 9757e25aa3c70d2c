package security

import (
	"context"
	"log/slog"
	"net/netip"
	"time"
)

// Block tier boundaries: repeated failures escalate warn -> 30 min ->
// 24 h -> permanent. Counts decay only on explicit unblock.
const (
	tierTempFailures      = 5
	tierLongFailures      = 10
	tierPermanentFailures = 20

	tempBlockDuration = 30 * time.Minute
	longBlockDuration = 24 * time.Hour
)

// BlockEntry is the blocklist state for one IP.
type BlockEntry struct {
	IP             string     `json:"ip"`
	FailureCount   int        `json:"failure_count"`
	FirstFailureAt time.Time  `json:"first_failure_at"`
	BlockedUntil   *time.Time `json:"blocked_until,omitempty"`
	PermanentBlock bool       `json:"permanent_block"`
	LastAttempt    time.Time  `json:"last_attempt"`
	Reason         string     `json:"reason,omitempty"`
}

// Blocked reports whether the entry currently denies requests.
func (e *BlockEntry) Blocked(now time.Time) bool {
	if e.PermanentBlock {
		return true
	}
	return e.BlockedUntil != nil && now.Before(*e.BlockedUntil)
}

// BlockStore is the persistence surface for block entries. Memory,
// Redis (shared between gateway instances), and SQLite implementations
// exist; the SQLite one lives with the repositories in storage.
type BlockStore interface {
	GetBlock(ctx context.Context, ip string) (*BlockEntry, error)
	PutBlock(ctx context.Context, entry BlockEntry) error
	DeleteBlock(ctx context.Context, ip string) error
	ListBlocks(ctx context.Context) ([]BlockEntry, error)
}

// Blocklist applies the tiered blocking rules over a BlockStore.
type Blocklist struct {
	store BlockStore
}

// NewBlocklist creates a blocklist over the given store.
func NewBlocklist(store BlockStore) *Blocklist {
	return &Blocklist{store: store}
}

// IsBlocked reports whether ip is currently denied. Store errors fail
// open: the data plane stays up when persistence is down.
func (b *Blocklist) IsBlocked(ctx context.Context, ip netip.Addr) bool {
	entry, err := b.store.GetBlock(ctx, ip.String())
	if err != nil {
		slog.Warn("blocklist lookup failed", "ip", ip, "error", err)
		return false
	}
	return entry != nil && entry.Blocked(time.Now())
}

// RecordFailure counts one auth failure for ip and escalates the tier
// when a boundary is crossed.
func (b *Blocklist) RecordFailure(ctx context.Context, ip netip.Addr, reason string) (*BlockEntry, error) {
	now := time.Now().UTC()
	entry, err := b.store.GetBlock(ctx, ip.String())
	if err != nil {
		return nil, err
	}
	if entry == nil {
		entry = &BlockEntry{IP: ip.String(), FirstFailureAt: now}
	}
	entry.FailureCount++
	entry.LastAttempt = now
	if reason != "" {
		entry.Reason = reason
	}

	switch {
	case entry.FailureCount >= tierPermanentFailures:
		entry.PermanentBlock = true
		entry.BlockedUntil = nil
	case entry.FailureCount >= tierLongFailures:
		until := now.Add(longBlockDuration)
		entry.BlockedUntil = &until
	case entry.FailureCount >= tierTempFailures:
		until := now.Add(tempBlockDuration)
		entry.BlockedUntil = &until
	}

	if err := b.store.PutBlock(ctx, *entry); err != nil {
		return nil, err
	}
	if entry.Blocked(now) {
		slog.Warn("ip blocked",
			"ip", ip,
			"failures", entry.FailureCount,
			"permanent", entry.PermanentBlock,
		)
	}
	return entry, nil
}

// BlockFor places a timed block on ip without touching the failure
// counter. Used by the intrusion and anomaly detectors.
func (b *Blocklist) BlockFor(ctx context.Context, ip netip.Addr, d time.Duration, reason string) error {
	now := time.Now().UTC()
	entry, err := b.store.GetBlock(ctx, ip.String())
	if err != nil {
		return err
	}
	if entry == nil {
		entry = &BlockEntry{IP: ip.String(), FirstFailureAt: now}
	}
	entry.LastAttempt = now
	entry.Reason = reason
	until := now.Add(d)
	// Never shorten an existing block.
	if entry.BlockedUntil == nil || until.After(*entry.BlockedUntil) {
		entry.BlockedUntil = &until
	}
	return b.store.PutBlock(ctx, *entry)
}

// Unblock returns ip to a clean state and zeroes its counter.
func (b *Blocklist) Unblock(ctx context.Context, ip netip.Addr) error {
	return b.store.DeleteBlock(ctx, ip.String())
}

// Clear removes every entry.
func (b *Blocklist) Clear(ctx context.Context) error {
	entries, err := b.store.ListBlocks(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := b.store.DeleteBlock(ctx, entry.IP); err != nil {
			return err
		}
	}
	return nil
}

// List returns all entries.
func (b *Blocklist) List(ctx context.Context) ([]BlockEntry, error) {
	return b.store.ListBlocks(ctx)
}
