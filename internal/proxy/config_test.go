package proxy

import (
	"errors"
	"testing"
)

func TestConfigNormalizeDefaults(t *testing.T) {
	cfg := Config{Port: 19080}
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1" {
		t.Errorf("expected loopback default, got %q", cfg.ListenAddr)
	}
	if cfg.Mode != ModeLocalHTTP {
		t.Errorf("expected local_http default, got %q", cfg.Mode)
	}
	if cfg.Egress.Mode != EgressDirect {
		t.Errorf("expected direct egress default, got %q", cfg.Egress.Mode)
	}
	if cfg.HTTPSPort() != 0 {
		t.Errorf("local_http must not compute an HTTPS port, got %d", cfg.HTTPSPort())
	}
}

func TestConfigPortBoundaries(t *testing.T) {
	for _, port := range []int{0, -1, 65535, 70000} {
		cfg := Config{Port: port}
		var invalid *InvalidConfigError
		if err := cfg.Normalize(); !errors.As(err, &invalid) {
			t.Errorf("port %d: expected InvalidConfigError, got %v", port, err)
		}
	}
}

func TestConfigHTTPSPortArithmetic(t *testing.T) {
	cfg := Config{Mode: ModeDevSelfSigned, Port: 19080}
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPSPort() != 19081 {
		t.Errorf("expected port+1, got %d", cfg.HTTPSPort())
	}
}

func TestConfigAcmeValidation(t *testing.T) {
	cfg := Config{Mode: ModeHTTPSAcme, Port: 19080}
	if err := cfg.Normalize(); err == nil {
		t.Error("https_acme without a domain must fail")
	}

	cfg = Config{Mode: ModeHTTPSAcme, Port: 19080, AcmeDomain: "example.com"}
	if err := cfg.Normalize(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if cfg.Challenge != ChallengeHTTP01 {
		t.Errorf("expected http-01 default, got %q", cfg.Challenge)
	}

	// Wildcards need DNS-01 plus a credential profile.
	cfg = Config{Mode: ModeHTTPSAcme, Port: 19080, AcmeDomain: "*.example.com"}
	if err := cfg.Normalize(); err == nil {
		t.Error("wildcard domain with http-01 must fail")
	}
	cfg = Config{Mode: ModeHTTPSAcme, Port: 19080, AcmeDomain: "*.example.com", Challenge: ChallengeDNS01}
	if err := cfg.Normalize(); err == nil {
		t.Error("wildcard dns-01 without a dns profile must fail")
	}
	cfg = Config{
		Mode: ModeHTTPSAcme, Port: 19080, AcmeDomain: "*.example.com",
		Challenge: ChallengeDNS01, DnsProfileID: "cf-main",
	}
	if err := cfg.Normalize(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConfigTrustedProxyValidation(t *testing.T) {
	cfg := Config{Port: 19080, TrustedProxyIPs: []string{"not-an-ip"}}
	if err := cfg.Normalize(); err == nil {
		t.Error("invalid trusted proxy entry must fail")
	}
	cfg = Config{Port: 19080, TrustedProxyIPs: []string{"10.0.0.0/8", "192.168.1.1"}}
	if err := cfg.Normalize(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConfigEgressValidation(t *testing.T) {
	cfg := Config{Port: 19080, Egress: EgressConfig{Mode: EgressTor}}
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Egress.Socks5Addr != DefaultTorSocksEndpoint {
		t.Errorf("expected tor default endpoint, got %q", cfg.Egress.Socks5Addr)
	}

	cfg = Config{Port: 19080, Egress: EgressConfig{Mode: EgressCustomProxy}}
	if err := cfg.Normalize(); err == nil {
		t.Error("custom egress without an address must fail")
	}
}

func TestEnsurePortFree(t *testing.T) {
	if err := EnsurePortFree("127.0.0.1", 0); err != nil {
		// Port 0 asks the kernel for any free port; the preflight
		// itself must succeed.
		t.Fatalf("unexpected error: %v", err)
	}
}
