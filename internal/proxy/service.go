package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"flm/internal/audit"
	"flm/internal/security"
	"flm/internal/tlsmode"
)

// Repository persists profiles and active handles across CLI
// invocations. The storage layer implements it.
type Repository interface {
	SaveProfile(ctx context.Context, p Profile) error
	ListProfiles(ctx context.Context) ([]Profile, error)
	SaveActiveHandle(ctx context.Context, h Handle) error
	RemoveActiveHandle(ctx context.Context, id string) error
	ListActiveHandles(ctx context.Context) ([]Handle, error)
}

// PolicySource loads the current security policy for reloads.
type PolicySource interface {
	GetPolicy(ctx context.Context, id string) (*security.Policy, error)
}

// ServiceOptions wires the proxy service.
type ServiceOptions struct {
	Repo         Repository
	Policies     PolicySource
	Auditor      audit.Sink
	DataDir      string
	DnsCreds     *security.DnsCredentials
	LegoRunner   *tlsmode.LegoRunner
	BuildGateway func(cfg Config) (*Gateway, error)
}

// Service starts, stops, reloads, and reports proxy listeners.
type Service struct {
	mu      sync.Mutex
	servers map[string]*Server

	repo         Repository
	policies     PolicySource
	auditor      audit.Sink
	dataDir      string
	dnsCreds     *security.DnsCredentials
	lego         *tlsmode.LegoRunner
	buildGateway func(cfg Config) (*Gateway, error)
}

// NewService creates the proxy service.
func NewService(opts ServiceOptions) *Service {
	auditor := opts.Auditor
	if auditor == nil {
		auditor = audit.LogSink{}
	}
	return &Service{
		servers:      make(map[string]*Server),
		repo:         opts.Repo,
		policies:     opts.Policies,
		auditor:      auditor,
		dataDir:      opts.DataDir,
		dnsCreds:     opts.DnsCreds,
		lego:         opts.LegoRunner,
		buildGateway: opts.BuildGateway,
	}
}

// Start validates the config, preflights the ports, prepares TLS for
// the selected mode, and brings a listener up. The profile and the
// handle are persisted when a repository is attached.
func (s *Service) Start(ctx context.Context, cfg Config) (Handle, error) {
	if err := cfg.Normalize(); err != nil {
		return Handle{}, err
	}
	if err := EnsurePortFree(cfg.ListenAddr, cfg.Port); err != nil {
		return Handle{}, err
	}
	if cfg.Mode != ModeLocalHTTP {
		if err := EnsurePortFree(cfg.ListenAddr, cfg.HTTPSPort()); err != nil {
			return Handle{}, err
		}
	}

	gateway, err := s.buildGateway(cfg)
	if err != nil {
		return Handle{}, err
	}
	tlsManager, err := s.prepareTLS(ctx, cfg)
	if err != nil {
		return Handle{}, err
	}

	id := uuid.NewString()[:8]
	server := NewServer(id, cfg, gateway, tlsManager)
	handle, err := server.Start(ctx)
	if err != nil {
		return handle, err
	}
	handle.Pid = os.Getpid()

	s.mu.Lock()
	s.servers[id] = server
	s.mu.Unlock()

	if s.repo != nil {
		profile := Profile{ID: "proxy-" + id, Config: cfg, CreatedAt: time.Now().UTC()}
		if err := s.repo.SaveProfile(ctx, profile); err != nil {
			slog.Warn("profile not persisted", "error", err)
		}
		if err := s.repo.SaveActiveHandle(ctx, handle); err != nil {
			slog.Warn("active handle not persisted", "error", err)
		}
	}
	s.auditor.Append(ctx, audit.Event{
		Kind:   audit.KindProxyStarted,
		Detail: fmt.Sprintf("handle %s port %d mode %s", id, cfg.Port, cfg.Mode),
	})
	return handle, nil
}

// prepareTLS builds the certificate manager for the listener's mode.
// An ACME failure falls back to a self-signed certificate with a
// prominent diagnostic rather than refusing to serve.
func (s *Service) prepareTLS(ctx context.Context, cfg Config) (*tlsmode.Manager, error) {
	if cfg.Mode == ModeLocalHTTP {
		return nil, nil
	}
	m := tlsmode.NewManager()
	certDir := s.dataDir + "/certs"

	selfSigned := func() error {
		hosts := []string{cfg.ListenAddr}
		if cfg.AcmeDomain != "" {
			hosts = append(hosts, cfg.AcmeDomain)
		}
		cert, err := tlsmode.EnsureSelfSigned(certDir, hosts)
		if err != nil {
			return err
		}
		m.SetCertificate(cert)
		return nil
	}

	switch cfg.Mode {
	case ModeDevSelfSigned, ModePackagedCA:
		if err := selfSigned(); err != nil {
			return nil, err
		}
	case ModeHTTPSAcme:
		if err := s.prepareAcme(ctx, m, cfg); err != nil {
			slog.Error("ACME issuance failed; serving a self-signed certificate until the next reload",
				"domain", cfg.AcmeDomain,
				"error", err,
			)
			if fallbackErr := selfSigned(); fallbackErr != nil {
				return nil, fallbackErr
			}
		}
	}
	return m, nil
}

func (s *Service) prepareAcme(ctx context.Context, m *tlsmode.Manager, cfg Config) error {
	if cfg.Challenge == ChallengeDNS01 {
		if s.dnsCreds == nil || s.lego == nil {
			return &tlsmode.AcmeError{Reason: "dns-01 solver is not configured"}
		}
		cred, err := s.dnsCreds.Resolve(ctx, cfg.DnsProfileID)
		if err != nil {
			return &tlsmode.AcmeError{Reason: fmt.Sprintf("resolve dns credential: %v", err), Err: err}
		}
		// The hook program comes from the sealed credential itself, so
		// provider-specific tooling never lands in plain configuration.
		hookPath := cred.Env["FLM_DNS_HOOK"]
		if hookPath == "" {
			hookPath = cred.Profile.Provider
		}
		solver := &tlsmode.CommandSolver{
			Path: hookPath,
			Env:  cred.Env,
		}
		req := tlsmode.LegoRequest{
			Email:   cfg.AcmeEmail,
			Domains: []string{cfg.AcmeDomain},
			DataDir: s.dataDir,
			Solver:  solver,
		}
		certPath, keyPath, err := s.lego.ObtainCertificate(ctx, req)
		if err != nil {
			return err
		}
		if err := m.LoadFromFiles(certPath, keyPath); err != nil {
			return err
		}
		// Renewals rewrite the files; the watcher republishes them.
		go func() {
			if err := m.Watch(context.WithoutCancel(ctx), certPath, keyPath); err != nil {
				slog.Warn("certificate watch ended", "error", err)
			}
		}()
		return nil
	}
	return tlsmode.ManageHTTP01(ctx, m, tlsmode.AcmeOptions{
		Domain:  cfg.AcmeDomain,
		Email:   cfg.AcmeEmail,
		DataDir: s.dataDir,
	})
}

// Stop shuts one handle down and removes its persisted record.
func (s *Service) Stop(ctx context.Context, handleID string) error {
	s.mu.Lock()
	server, ok := s.servers[handleID]
	if ok {
		delete(s.servers, handleID)
	}
	s.mu.Unlock()
	if !ok {
		return &HandleNotFoundError{HandleID: handleID}
	}

	err := server.Stop(ctx)
	if s.repo != nil {
		if repoErr := s.repo.RemoveActiveHandle(ctx, handleID); repoErr != nil {
			slog.Warn("active handle not removed", "error", repoErr)
		}
	}
	s.auditor.Append(ctx, audit.Event{
		Kind:   audit.KindProxyStopped,
		Detail: "handle " + handleID,
	})
	return err
}

// StopByPort resolves a handle by its HTTP port and stops it.
func (s *Service) StopByPort(ctx context.Context, port int) error {
	s.mu.Lock()
	var id string
	for handleID, server := range s.servers {
		if server.Handle().Port == port {
			id = handleID
			break
		}
	}
	s.mu.Unlock()
	if id == "" {
		return &HandleNotFoundError{HandleID: fmt.Sprintf("port %d", port)}
	}
	return s.Stop(ctx, id)
}

// StopAll stops every running handle; used on daemon shutdown.
func (s *Service) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.servers))
	for id := range s.servers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil {
			slog.Warn("stop failed", "handle_id", id, "error", err)
		}
	}
}

// Status reports every live handle, sorted by id.
func (s *Service) Status(ctx context.Context) []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, 0, len(s.servers))
	for _, server := range s.servers {
		out = append(out, server.Handle())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reload revalidates the stored security policy and applies the
// hot-reloadable settings to a running handle. Mode, port, and bind
// changes need a restart and are rejected here.
func (s *Service) Reload(ctx context.Context, handleID string) error {
	s.mu.Lock()
	server, ok := s.servers[handleID]
	s.mu.Unlock()
	if !ok {
		return &HandleNotFoundError{HandleID: handleID}
	}
	if server.State() != StateRunning {
		return &InvalidConfigError{Reason: fmt.Sprintf("handle %s is not running", handleID)}
	}
	if s.policies == nil {
		return &InvalidConfigError{Reason: "no policy source attached"}
	}

	policy, err := s.policies.GetPolicy(ctx, "default")
	if err != nil {
		return err
	}
	if policy == nil {
		def := security.DefaultPolicy()
		policy = &def
	}
	if err := policy.Validate(false); err != nil {
		return &InvalidConfigError{Reason: err.Error()}
	}
	server.Gateway().UpdatePolicy(*policy)
	s.auditor.Append(ctx, audit.Event{
		Kind:   audit.KindPolicyChanged,
		Detail: "hot reload on handle " + handleID,
	})
	return nil
}
