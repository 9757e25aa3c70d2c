package proxy

import (
	"net/http/httptest"
	"testing"
)

func TestClientIPDirectPeer(t *testing.T) {
	r := httptest.NewRequest("GET", "/health", nil)
	r.RemoteAddr = "203.0.113.5:4455"
	r.Header.Set("X-Forwarded-For", "10.0.0.9")

	ip := clientIP(r, nil)
	if ip.String() != "203.0.113.5" {
		t.Errorf("expected direct peer, got %s", ip)
	}
}

func TestClientIPUntrustedPeerIgnoresHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "/health", nil)
	r.RemoteAddr = "203.0.113.5:4455"
	r.Header.Set("X-Forwarded-For", "10.0.0.9")
	r.Header.Set("X-Real-IP", "10.0.0.8")

	ip := clientIP(r, []string{"192.168.1.1"})
	if ip.String() != "203.0.113.5" {
		t.Errorf("forwarding headers from untrusted peers must be ignored, got %s", ip)
	}
}

func TestClientIPTrustedProxyForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/health", nil)
	r.RemoteAddr = "192.168.1.1:9000"
	r.Header.Set("X-Forwarded-For", "198.51.100.7, 192.168.1.2")

	// Both proxy hops are trusted; the right-most untrusted entry is
	// the real client.
	ip := clientIP(r, []string{"192.168.1.0/24"})
	if ip.String() != "198.51.100.7" {
		t.Errorf("expected forwarded client, got %s", ip)
	}
}

func TestClientIPTrustedProxyRealIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/health", nil)
	r.RemoteAddr = "192.168.1.1:9000"
	r.Header.Set("X-Real-IP", "198.51.100.9")

	ip := clientIP(r, []string{"192.168.1.1"})
	if ip.String() != "198.51.100.9" {
		t.Errorf("expected X-Real-IP client, got %s", ip)
	}
}

func TestClientIPGarbageForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/health", nil)
	r.RemoteAddr = "192.168.1.1:9000"
	r.Header.Set("X-Forwarded-For", "not-an-ip")

	ip := clientIP(r, []string{"192.168.1.1"})
	if ip.String() != "192.168.1.1" {
		t.Errorf("expected fallback to peer, got %s", ip)
	}
}
