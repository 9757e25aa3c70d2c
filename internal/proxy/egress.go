package proxy

import (
	"fmt"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

// EgressHTTPClient builds the HTTP client engine adapters use for
// upstream traffic, honoring the configured egress mode. Direct egress
// uses the default transport; Tor and custom modes route through a
// SOCKS5 dialer.
func EgressHTTPClient(cfg EgressConfig) (*http.Client, error) {
	timeout := 60 * time.Second
	switch cfg.Mode {
	case "", EgressDirect:
		return &http.Client{Timeout: timeout}, nil
	case EgressTor, EgressCustomProxy:
		addr := cfg.Socks5Addr
		if addr == "" {
			addr = DefaultTorSocksEndpoint
		}
		dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer for %s: %w", addr, err)
		}
		contextDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", addr)
		}
		transport := &http.Transport{
			DialContext:         contextDialer.DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		}
		return &http.Client{Timeout: timeout, Transport: transport}, nil
	default:
		return nil, &InvalidConfigError{Reason: fmt.Sprintf("unknown egress mode %q", cfg.Mode)}
	}
}
