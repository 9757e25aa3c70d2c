package security

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
)

// RateLimitSettings is one token-bucket configuration. Zero values are
// accepted and treated permissively so a misconfigured policy cannot
// lock every caller out.
type RateLimitSettings struct {
	Rpm   int `json:"rpm"`
	Burst int `json:"burst"`
}

// CorsSettings is the CORS slice of the policy.
type CorsSettings struct {
	AllowedOrigins []string `json:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers"`
}

// Policy is the single security policy document (id "default"),
// persisted as JSON in security.db.
type Policy struct {
	ID           string            `json:"id"`
	IPWhitelist  []string          `json:"ip_whitelist"`
	Cors         CorsSettings      `json:"cors"`
	RateLimit    RateLimitSettings `json:"rate_limit"`
	IPRateLimit  RateLimitSettings `json:"ip_rate_limit"`
	AcmeDomain   string            `json:"acme_domain,omitempty"`
	DnsProfileID string            `json:"dns_profile_id,omitempty"`
}

// DefaultPolicy is the policy used until one is stored.
func DefaultPolicy() Policy {
	return Policy{
		ID:          "default",
		RateLimit:   RateLimitSettings{Rpm: 300, Burst: 60},
		IPRateLimit: RateLimitSettings{Rpm: 600, Burst: 120},
		Cors: CorsSettings{
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		},
	}
}

// PolicyRepository is the persistence surface for policies.
type PolicyRepository interface {
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	SavePolicy(ctx context.Context, p Policy) error
}

// Validate checks every IP/CIDR entry, origin, and the domain grammar.
// allowWildcardDomain is true only for DNS-01 issuance.
func (p *Policy) Validate(allowWildcardDomain bool) error {
	for _, entry := range p.IPWhitelist {
		if err := validateIPOrCIDR(entry); err != nil {
			return fmt.Errorf("ip_whitelist entry %q: %w", entry, err)
		}
	}
	for _, origin := range p.Cors.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("cors origin %q: must be * or an http(s) origin", origin)
		}
	}
	if p.RateLimit.Rpm < 0 || p.RateLimit.Burst < 0 || p.IPRateLimit.Rpm < 0 || p.IPRateLimit.Burst < 0 {
		return fmt.Errorf("rate limit values must not be negative")
	}
	if p.AcmeDomain != "" {
		if err := ValidateDomain(p.AcmeDomain, allowWildcardDomain); err != nil {
			return fmt.Errorf("acme_domain %q: %w", p.AcmeDomain, err)
		}
	}
	return nil
}

func validateIPOrCIDR(entry string) error {
	if _, err := netip.ParseAddr(entry); err == nil {
		return nil
	}
	if _, err := netip.ParsePrefix(entry); err == nil {
		return nil
	}
	return fmt.Errorf("not an IP address or CIDR")
}

// ValidateDomain enforces the DNS name grammar: labels of at most 63
// bytes, 253 total, no leading or trailing hyphen, TLD of at least two
// characters. A leading "*." is allowed only when wildcard is true
// (DNS-01 issuance).
func ValidateDomain(domain string, wildcard bool) error {
	name := domain
	if rest, ok := strings.CutPrefix(name, "*."); ok {
		if !wildcard {
			return fmt.Errorf("wildcard domains require the DNS-01 challenge")
		}
		name = rest
	}
	if len(name) == 0 || len(name) > 253 {
		return fmt.Errorf("domain length must be 1-253")
	}
	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return fmt.Errorf("domain needs at least two labels")
	}
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return fmt.Errorf("label length must be 1-63")
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return fmt.Errorf("label must not start or end with a hyphen")
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			default:
				return fmt.Errorf("label contains invalid character %q", r)
			}
		}
	}
	tld := labels[len(labels)-1]
	if len(tld) < 2 {
		return fmt.Errorf("top-level domain must be at least two characters")
	}
	return nil
}

// IPMatchesList reports whether ip matches any entry of a whitelist
// (exact address or CIDR containment).
func IPMatchesList(ip netip.Addr, entries []string) bool {
	for _, entry := range entries {
		if addr, err := netip.ParseAddr(entry); err == nil {
			if addr == ip {
				return true
			}
			continue
		}
		if prefix, err := netip.ParsePrefix(entry); err == nil && prefix.Contains(ip) {
			return true
		}
	}
	return false
}
