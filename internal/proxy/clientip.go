package proxy

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// clientIP resolves the effective client address. The direct peer is
// authoritative unless it matches the trusted proxy list, in which case
// the right-most acceptable X-Forwarded-For entry (or X-Real-IP) is
// used. Forwarding headers from untrusted peers are ignored entirely.
func clientIP(r *http.Request, trustedProxies []string) netip.Addr {
	peer := peerAddr(r.RemoteAddr)
	if !peer.IsValid() || len(trustedProxies) == 0 || !matchesAny(peer, trustedProxies) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		// Walk right to left: the right-most entry the trusted proxy
		// appended is the closest attestable hop; skip further trusted
		// proxies to find the real client.
		for i := len(parts) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(strings.TrimSpace(parts[i]))
			if err != nil {
				continue
			}
			if matchesAny(addr, trustedProxies) {
				continue
			}
			return addr.Unmap()
		}
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(real)); err == nil {
			return addr.Unmap()
		}
	}
	return peer
}

func peerAddr(remoteAddr string) netip.Addr {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}

func matchesAny(addr netip.Addr, entries []string) bool {
	for _, entry := range entries {
		if a, err := netip.ParseAddr(entry); err == nil {
			if a.Unmap() == addr {
				return true
			}
			continue
		}
		if prefix, err := netip.ParsePrefix(entry); err == nil && prefix.Contains(addr) {
			return true
		}
	}
	return false
}
