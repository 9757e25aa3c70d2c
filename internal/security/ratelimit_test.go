package security

import (
	"testing"
	"time"
)

func TestRateLimiterBurst(t *testing.T) {
	l := NewRateLimiter(RateLimitSettings{Rpm: 5, Burst: 5}, RateLimitSettings{})

	for i := 0; i < 5; i++ {
		ok, _ := l.Allow(ScopeAPIKey, "key-1")
		if !ok {
			t.Fatalf("request %d inside burst should be allowed", i+1)
		}
	}
	ok, retry := l.Allow(ScopeAPIKey, "key-1")
	if ok {
		t.Error("6th request should be denied")
	}
	if retry <= 0 {
		t.Errorf("expected positive retry hint, got %v", retry)
	}
}

func TestRateLimiterSingleToken(t *testing.T) {
	l := NewRateLimiter(RateLimitSettings{Rpm: 1, Burst: 1}, RateLimitSettings{})

	if ok, _ := l.Allow(ScopeAPIKey, "k"); !ok {
		t.Error("first request should be admitted")
	}
	if ok, _ := l.Allow(ScopeAPIKey, "k"); ok {
		t.Error("second request within the minute should be denied")
	}
}

func TestRateLimiterFailOpen(t *testing.T) {
	l := NewRateLimiter(RateLimitSettings{Rpm: 0, Burst: 0}, RateLimitSettings{Rpm: 10, Burst: 0})

	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow(ScopeAPIKey, "k"); !ok {
			t.Fatal("rpm=0 must never deny")
		}
		if ok, _ := l.Allow(ScopeIP, "1.2.3.4"); !ok {
			t.Fatal("burst=0 must never deny")
		}
	}
}

func TestRateLimiterIndependentBuckets(t *testing.T) {
	l := NewRateLimiter(RateLimitSettings{Rpm: 1, Burst: 1}, RateLimitSettings{Rpm: 1, Burst: 1})

	if ok, _ := l.Allow(ScopeAPIKey, "a"); !ok {
		t.Error("key a should be admitted")
	}
	if ok, _ := l.Allow(ScopeAPIKey, "b"); !ok {
		t.Error("key b has its own bucket")
	}
	if ok, _ := l.Allow(ScopeIP, "a"); !ok {
		t.Error("ip scope is independent of key scope even with the same id")
	}
}

func TestRateLimiterUpdateResets(t *testing.T) {
	l := NewRateLimiter(RateLimitSettings{Rpm: 1, Burst: 1}, RateLimitSettings{})
	l.Allow(ScopeAPIKey, "k")
	if ok, _ := l.Allow(ScopeAPIKey, "k"); ok {
		t.Fatal("bucket should be empty")
	}

	l.Update(RateLimitSettings{Rpm: 60, Burst: 10}, RateLimitSettings{})
	if ok, _ := l.Allow(ScopeAPIKey, "k"); !ok {
		t.Error("update should rebuild buckets with the new burst")
	}
}

func TestRateLimiterReap(t *testing.T) {
	l := NewRateLimiter(RateLimitSettings{Rpm: 60, Burst: 1}, RateLimitSettings{})
	l.Allow(ScopeAPIKey, "k")
	l.idleTTL = time.Duration(0)
	time.Sleep(time.Millisecond)
	l.Reap()

	l.mu.RLock()
	n := len(l.buckets)
	l.mu.RUnlock()
	if n != 0 {
		t.Errorf("expected reaper to drop idle buckets, %d remain", n)
	}
}
