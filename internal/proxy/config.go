// Package proxy implements the reverse-proxy data plane: the HTTP(S)
// listeners, the request pipeline (IP filtering, auth, rate limiting,
// intrusion and anomaly checks), dispatch to the engine service, and
// the proxy service that owns running handles.
package proxy

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"flm/internal/security"
)

// Mode selects the TLS posture of a listener.
type Mode string

const (
	ModeLocalHTTP     Mode = "local_http"
	ModeDevSelfSigned Mode = "dev_self_signed"
	ModeHTTPSAcme     Mode = "https_acme"
	ModePackagedCA    Mode = "packaged_ca"
)

// ChallengeKind selects the ACME validation method.
type ChallengeKind string

const (
	ChallengeHTTP01 ChallengeKind = "http-01"
	ChallengeDNS01  ChallengeKind = "dns-01"
)

// EgressMode selects how upstream engine traffic leaves the host.
type EgressMode string

const (
	EgressDirect      EgressMode = "direct"
	EgressTor         EgressMode = "tor"
	EgressCustomProxy EgressMode = "custom"
)

// DefaultTorSocksEndpoint is Tor's conventional local SOCKS5 endpoint.
const DefaultTorSocksEndpoint = "127.0.0.1:9050"

// EgressConfig is the upstream egress configuration.
type EgressConfig struct {
	Mode EgressMode `json:"mode" yaml:"mode"`
	// Socks5Addr is the SOCKS5 endpoint for the custom mode.
	Socks5Addr string `json:"socks5_addr,omitempty" yaml:"socks5_addr,omitempty"`
}

// Config describes one proxy listener.
type Config struct {
	Mode            Mode          `json:"mode" yaml:"mode"`
	Port            int           `json:"port" yaml:"port"`
	ListenAddr      string        `json:"listen_addr" yaml:"listen_addr"`
	TrustedProxyIPs []string      `json:"trusted_proxy_ips,omitempty" yaml:"trusted_proxy_ips,omitempty"`
	Egress          EgressConfig  `json:"egress" yaml:"egress"`
	AcmeEmail       string        `json:"acme_email,omitempty" yaml:"acme_email,omitempty"`
	AcmeDomain      string        `json:"acme_domain,omitempty" yaml:"acme_domain,omitempty"`
	Challenge       ChallengeKind `json:"challenge,omitempty" yaml:"challenge,omitempty"`
	DnsProfileID    string        `json:"dns_profile_id,omitempty" yaml:"dns_profile_id,omitempty"`
}

// Handle is the runtime descriptor of one running listener.
type Handle struct {
	ID         string       `json:"id"`
	Pid        int          `json:"pid"`
	Port       int          `json:"port"`
	HTTPSPort  int          `json:"https_port,omitempty"`
	Mode       Mode         `json:"mode"`
	ListenAddr string       `json:"listen_addr"`
	AcmeDomain string       `json:"acme_domain,omitempty"`
	Egress     EgressConfig `json:"egress"`
	Running    bool         `json:"running"`
	LastError  string       `json:"last_error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
}

// Profile is a persisted listener configuration.
type Profile struct {
	ID        string    `json:"id"`
	Config    Config    `json:"config"`
	CreatedAt time.Time `json:"created_at"`
}

// Normalize validates config and fills defaults. HTTPS modes bind
// port+1 for TLS, so the base port must leave room.
func (c *Config) Normalize() error {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1"
	}
	if c.Mode == "" {
		c.Mode = ModeLocalHTTP
	}
	switch c.Mode {
	case ModeLocalHTTP, ModeDevSelfSigned, ModeHTTPSAcme, ModePackagedCA:
	default:
		return &InvalidConfigError{Reason: fmt.Sprintf("unknown mode %q", c.Mode)}
	}
	if c.Port <= 0 || c.Port >= 65535 {
		return &InvalidConfigError{Reason: fmt.Sprintf("port %d out of range (1-65534)", c.Port)}
	}
	if c.Mode != ModeLocalHTTP && c.Port+1 > 65535 {
		return &InvalidConfigError{Reason: fmt.Sprintf("HTTPS port %d+1 overflows the port range", c.Port)}
	}
	if _, err := netip.ParseAddr(c.ListenAddr); err != nil {
		return &InvalidConfigError{Reason: fmt.Sprintf("listen_addr %q is not an IP address", c.ListenAddr)}
	}
	for _, entry := range c.TrustedProxyIPs {
		if !validIPOrCIDR(entry) {
			return &InvalidConfigError{Reason: fmt.Sprintf("trusted_proxy_ips entry %q is not an IP or CIDR", entry)}
		}
	}
	switch c.Egress.Mode {
	case "", EgressDirect:
		c.Egress.Mode = EgressDirect
	case EgressTor:
		if c.Egress.Socks5Addr == "" {
			c.Egress.Socks5Addr = DefaultTorSocksEndpoint
		}
	case EgressCustomProxy:
		if _, _, err := net.SplitHostPort(c.Egress.Socks5Addr); err != nil {
			return &InvalidConfigError{Reason: fmt.Sprintf("egress socks5_addr %q: %v", c.Egress.Socks5Addr, err)}
		}
	default:
		return &InvalidConfigError{Reason: fmt.Sprintf("unknown egress mode %q", c.Egress.Mode)}
	}
	if c.Mode == ModeHTTPSAcme {
		if c.Challenge == "" {
			c.Challenge = ChallengeHTTP01
		}
		if c.Challenge != ChallengeHTTP01 && c.Challenge != ChallengeDNS01 {
			return &InvalidConfigError{Reason: fmt.Sprintf("unknown challenge kind %q", c.Challenge)}
		}
		wildcard := c.Challenge == ChallengeDNS01
		if c.AcmeDomain == "" {
			return &InvalidConfigError{Reason: "https_acme mode requires acme_domain"}
		}
		if err := security.ValidateDomain(c.AcmeDomain, wildcard); err != nil {
			return &InvalidConfigError{Reason: fmt.Sprintf("acme_domain %q: %v", c.AcmeDomain, err)}
		}
		if wildcard && c.DnsProfileID == "" {
			return &InvalidConfigError{Reason: "dns-01 challenge requires a dns credential profile"}
		}
	}
	return nil
}

// HTTPSPort returns the TLS port for HTTPS modes, zero otherwise.
func (c *Config) HTTPSPort() int {
	if c.Mode == ModeLocalHTTP {
		return 0
	}
	return c.Port + 1
}

func validIPOrCIDR(entry string) bool {
	if _, err := netip.ParseAddr(entry); err == nil {
		return true
	}
	_, err := netip.ParsePrefix(entry)
	return err == nil
}

// EnsurePortFree binds and immediately releases addr:port, turning an
// in-use port into a deterministic PortInUseError before any listener
// is spawned.
func EnsurePortFree(addr string, port int) error {
	l, err := net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		return &PortInUseError{Addr: addr, Port: port, Err: err}
	}
	l.Close()
	return nil
}
