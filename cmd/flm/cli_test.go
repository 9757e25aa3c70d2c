package main

import (
	"fmt"
	"reflect"
	"testing"

	"flm/internal/engine"
	"flm/internal/proxy"
	"flm/internal/security"
)

func TestExitCodes(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&proxy.InvalidConfigError{Reason: "bad port"}, exitConfig},
		{&proxy.PortInUseError{Addr: "127.0.0.1", Port: 80}, exitConfig},
		{&proxy.HandleNotFoundError{HandleID: "x"}, exitNotFound},
		{security.ErrKeyNotFound, exitNotFound},
		{engine.ErrEngineNotFound, exitNotFound},
		{fmt.Errorf("wrap: %w", engine.ErrEngineNotFound), exitNotFound},
		{&engine.NetworkError{Reason: "refused"}, exitNetwork},
		{&engine.APIError{Reason: "boom", StatusCode: 500}, exitNetwork},
		{fmt.Errorf("admin /status: HTTP 401: unauthorized"), exitAuth},
		{errConfig("missing flag"), exitConfig},
		{errNotFound("no daemon"), exitNotFound},
		{fmt.Errorf("something else"), exitGeneric},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestMergeProxyConfig(t *testing.T) {
	base := proxy.Config{
		Mode:       proxy.ModeLocalHTTP,
		Port:       19080,
		ListenAddr: "127.0.0.1",
	}
	flags := proxy.Config{Port: 20000, Mode: proxy.ModeDevSelfSigned}

	merged := mergeProxyConfig(base, flags)
	if merged.Port != 20000 {
		t.Errorf("expected flag port, got %d", merged.Port)
	}
	if merged.Mode != proxy.ModeDevSelfSigned {
		t.Errorf("expected flag mode, got %q", merged.Mode)
	}
	if merged.ListenAddr != "127.0.0.1" {
		t.Errorf("expected base listen addr preserved, got %q", merged.ListenAddr)
	}

	// Zero flags leave the base untouched.
	merged = mergeProxyConfig(base, proxy.Config{})
	if !reflect.DeepEqual(merged, base) {
		t.Errorf("expected base unchanged, got %+v", merged)
	}
}

func TestRootCommandTree(t *testing.T) {
	root, _ := newRootCommand()
	for _, want := range []string{"proxy", "engines", "models", "chat", "api-keys", "security"} {
		found := false
		for _, c := range root.Commands() {
			if c.Name() == want {
				found = true
			}
		}
		if !found {
			t.Errorf("expected subcommand %q", want)
		}
	}
}
