package security

import (
	"net/netip"
	"testing"
)

func TestPolicyValidate(t *testing.T) {
	p := DefaultPolicy()
	p.IPWhitelist = []string{"10.0.0.1", "192.168.0.0/16", "::1", "fd00::/8"}
	p.Cors.AllowedOrigins = []string{"https://app.example.com", "*"}
	if err := p.Validate(false); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	p.IPWhitelist = []string{"invalid-ip"}
	if err := p.Validate(false); err == nil {
		t.Error("expected error for invalid whitelist entry")
	}

	p = DefaultPolicy()
	p.Cors.AllowedOrigins = []string{"ftp://bad"}
	if err := p.Validate(false); err == nil {
		t.Error("expected error for non-http origin")
	}
}

func TestValidateDomain(t *testing.T) {
	tests := []struct {
		domain   string
		wildcard bool
		wantErr  bool
	}{
		{"example.com", false, false},
		{"sub.example.com", false, false},
		{"a-b.example.io", false, false},
		{"*.example.com", true, false},
		{"*.example.com", false, true},
		{"example", false, true},
		{"example.c", false, true},
		{"-bad.example.com", false, true},
		{"bad-.example.com", false, true},
		{"exa_mple.com", false, true},
		{"", false, true},
	}
	for _, tt := range tests {
		err := ValidateDomain(tt.domain, tt.wildcard)
		if tt.wantErr && err == nil {
			t.Errorf("ValidateDomain(%q, %v): expected error", tt.domain, tt.wildcard)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("ValidateDomain(%q, %v): unexpected error: %v", tt.domain, tt.wildcard, err)
		}
	}
}

func TestValidateDomainLongLabel(t *testing.T) {
	label := make([]byte, 64)
	for i := range label {
		label[i] = 'a'
	}
	if err := ValidateDomain(string(label)+".com", false); err == nil {
		t.Error("expected error for 64-byte label")
	}
}

func TestIPMatchesList(t *testing.T) {
	entries := []string{"10.0.0.1", "192.168.0.0/16"}

	if !IPMatchesList(netip.MustParseAddr("10.0.0.1"), entries) {
		t.Error("exact address should match")
	}
	if !IPMatchesList(netip.MustParseAddr("192.168.5.9"), entries) {
		t.Error("CIDR containment should match")
	}
	if IPMatchesList(netip.MustParseAddr("10.0.0.2"), entries) {
		t.Error("unlisted address should not match")
	}
	if IPMatchesList(netip.MustParseAddr("::1"), entries) {
		t.Error("v6 loopback should not match v4 entries")
	}
}
