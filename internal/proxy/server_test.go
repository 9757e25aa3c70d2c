package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"flm/internal/security"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testGatewayBuilder(cfg Config) (*Gateway, error) {
	policy := security.DefaultPolicy()
	return NewGateway(GatewayOptions{
		Policy:  policy,
		Engines: &fakeEngines{},
		Keys:    security.NewKeyService(&memKeyRepo{}),
	}), nil
}

func TestServiceStartHealthStop(t *testing.T) {
	port := freePort(t)
	svc := NewService(ServiceOptions{
		DataDir:      t.TempDir(),
		BuildGateway: testGatewayBuilder,
	})
	ctx := context.Background()

	handle, err := svc.Start(ctx, Config{Mode: ModeLocalHTTP, Port: port, ListenAddr: "127.0.0.1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !handle.Running {
		t.Error("expected running handle")
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	var resp *http.Response
	for i := 0; i < 20; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("health never came up: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	status := svc.Status(ctx)
	if len(status) != 1 || status[0].ID != handle.ID || !status[0].Running {
		t.Errorf("unexpected status: %+v", status)
	}

	if err := svc.Stop(ctx, handle.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := http.Get(url); err == nil {
		t.Error("expected connection failure after stop")
	}
	if len(svc.Status(ctx)) != 0 {
		t.Error("expected empty status after stop")
	}
}

func TestServiceStartPortInUse(t *testing.T) {
	port := freePort(t)
	occupier, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatal(err)
	}
	defer occupier.Close()

	svc := NewService(ServiceOptions{DataDir: t.TempDir(), BuildGateway: testGatewayBuilder})
	_, err = svc.Start(context.Background(), Config{Mode: ModeLocalHTTP, Port: port, ListenAddr: "127.0.0.1"})
	if err == nil {
		t.Fatal("expected PortInUseError")
	}
	if _, ok := err.(*PortInUseError); !ok {
		t.Errorf("expected PortInUseError, got %T (%v)", err, err)
	}
}

func TestServiceStopUnknownHandle(t *testing.T) {
	svc := NewService(ServiceOptions{DataDir: t.TempDir(), BuildGateway: testGatewayBuilder})
	err := svc.Stop(context.Background(), "missing")
	if _, ok := err.(*HandleNotFoundError); !ok {
		t.Errorf("expected HandleNotFoundError, got %T (%v)", err, err)
	}
}

type stubPolicySource struct {
	policy *security.Policy
}

func (s *stubPolicySource) GetPolicy(context.Context, string) (*security.Policy, error) {
	return s.policy, nil
}

func TestServiceReload(t *testing.T) {
	port := freePort(t)
	stored := security.DefaultPolicy()
	source := &stubPolicySource{policy: &stored}
	svc := NewService(ServiceOptions{
		DataDir:      t.TempDir(),
		Policies:     source,
		BuildGateway: testGatewayBuilder,
	})
	ctx := context.Background()

	handle, err := svc.Start(ctx, Config{Mode: ModeLocalHTTP, Port: port, ListenAddr: "127.0.0.1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(ctx, handle.ID)

	if err := svc.Reload(ctx, handle.ID); err != nil {
		t.Errorf("reload with valid policy: %v", err)
	}

	// An invalid stored policy is rejected and the listener stays up.
	bad := security.DefaultPolicy()
	bad.IPWhitelist = []string{"invalid-ip"}
	source.policy = &bad
	err = svc.Reload(ctx, handle.ID)
	if _, ok := err.(*InvalidConfigError); !ok {
		t.Errorf("expected InvalidConfigError, got %T (%v)", err, err)
	}

	if err := svc.Reload(ctx, "missing"); err == nil {
		t.Error("expected error for unknown handle")
	}
}

func TestServerSelfSignedTLS(t *testing.T) {
	port := freePort(t)
	// Config.Normalize allocates port+1 for TLS; find two adjacent
	// free ports by binding the base and probing the next.
	if err := EnsurePortFree("127.0.0.1", port+1); err != nil {
		t.Skip("adjacent port busy")
	}

	svc := NewService(ServiceOptions{DataDir: t.TempDir(), BuildGateway: testGatewayBuilder})
	ctx := context.Background()

	handle, err := svc.Start(ctx, Config{Mode: ModeDevSelfSigned, Port: port, ListenAddr: "127.0.0.1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(ctx, handle.ID)

	if handle.HTTPSPort != port+1 {
		t.Errorf("expected https port %d, got %d", port+1, handle.HTTPSPort)
	}

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	url := fmt.Sprintf("https://127.0.0.1:%d/health", handle.HTTPSPort)
	var resp *http.Response
	for i := 0; i < 20; i++ {
		resp, err = client.Get(url)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("tls health never came up: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 over TLS, got %d", resp.StatusCode)
	}
}
