package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"flm/internal/audit"
	"flm/internal/config"
	"flm/internal/daemon"
	"flm/internal/engine"
	"flm/internal/proxy"
	"flm/internal/security"
	"flm/internal/storage"
	"flm/internal/telemetry"
	"flm/internal/tlsmode"
)

// app carries the lazily-opened shared state behind every verb.
type app struct {
	configPath string
	format     string
	noDaemon   bool

	cfg        *config.Config
	configDB   *storage.ConfigDB
	securityDB *storage.SecurityDB
}

func newRootCommand() (*cobra.Command, *app) {
	a := &app{}
	root := &cobra.Command{
		Use:           "flm",
		Short:         "Local LLM gateway: engines, proxy, and security enforcement",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			setupLogging(cfg.Logging)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath(), "path to the config file")
	root.PersistentFlags().StringVar(&a.format, "format", "text", "output format: json or text")
	root.PersistentFlags().BoolVar(&a.noDaemon, "no-daemon", false, "run proxy commands in the foreground instead of the background daemon")

	root.AddCommand(
		newProxyCommand(a),
		newEnginesCommand(a),
		newModelsCommand(a),
		newChatCommand(a),
		newAPIKeysCommand(a),
		newSecurityCommand(a),
	)
	return root, a
}

func defaultConfigPath() string {
	if dir := os.Getenv("FLM_DATA_DIR"); dir != "" {
		return dir + "/flm.yaml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "flm.yaml"
	}
	return home + "/.flm/flm.yaml"
}

func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func (a *app) openConfigDB() (*storage.ConfigDB, error) {
	if a.configDB != nil {
		return a.configDB, nil
	}
	if err := a.cfg.EnsureDataDir(); err != nil {
		return nil, err
	}
	db, err := storage.OpenConfigDB(a.cfg.ConfigDBPath())
	if err != nil {
		return nil, err
	}
	a.configDB = db
	return db, nil
}

func (a *app) openSecurityDB() (*storage.SecurityDB, error) {
	if a.securityDB != nil {
		return a.securityDB, nil
	}
	if err := a.cfg.EnsureDataDir(); err != nil {
		return nil, err
	}
	db, err := storage.OpenSecurityDB(a.cfg.SecurityDBPath())
	if err != nil {
		return nil, err
	}
	a.securityDB = db
	return db, nil
}

func (a *app) close() {
	if a.configDB != nil {
		a.configDB.Close()
	}
	if a.securityDB != nil {
		a.securityDB.Close()
	}
}

// engineService builds the engine layer, recording health samples when
// the security database is open.
func (a *app) engineService() (*engine.Service, error) {
	db, err := a.openSecurityDB()
	if err != nil {
		return nil, err
	}
	return engine.NewService(engine.NewDetector(), db), nil
}

// blockStore resolves the configured block-state backend.
func (a *app) blockStore() (security.BlockStore, error) {
	switch a.cfg.BlockStore.Type {
	case "memory":
		return security.NewMemoryBlockStore(), nil
	case "redis":
		return security.NewRedisBlockStore(a.cfg.BlockStore.Redis)
	default:
		return a.openSecurityDB()
	}
}

// loadPolicy reads the stored policy, falling back to the default.
func (a *app) loadPolicy(ctx context.Context) (security.Policy, error) {
	db, err := a.openSecurityDB()
	if err != nil {
		return security.Policy{}, err
	}
	stored, err := db.GetPolicy(ctx, "default")
	if err != nil {
		return security.Policy{}, err
	}
	if stored == nil {
		return security.DefaultPolicy(), nil
	}
	return *stored, nil
}

// proxyService wires the full data-plane service: repositories, the
// enforcement core, engine dispatch, audit fanout, and TLS drivers.
// extraSinks join the audit fanout (the daemon adds its event broker).
func (a *app) proxyService(ctx context.Context, extraSinks ...audit.Sink) (*proxy.Service, error) {
	securityDB, err := a.openSecurityDB()
	if err != nil {
		return nil, err
	}
	configDB, err := a.openConfigDB()
	if err != nil {
		return nil, err
	}
	store, err := a.blockStore()
	if err != nil {
		return nil, err
	}
	secrets, err := storage.NewSecretStore(securityDB, a.cfg.SecretKeyPath())
	if err != nil {
		return nil, err
	}
	tp, err := telemetry.NewProvider(a.cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry unavailable, continuing without tracing", "error", err)
		tp = telemetry.NoopProvider()
	}

	auditor := audit.Fanout(append([]audit.Sink{securityDB}, extraSinks...))
	keys := security.NewKeyService(securityDB)
	blocklist := security.NewBlocklist(store)

	buildGateway := func(cfg proxy.Config) (*proxy.Gateway, error) {
		policy, err := a.loadPolicy(ctx)
		if err != nil {
			return nil, err
		}
		client, err := proxy.EgressHTTPClient(cfg.Egress)
		if err != nil {
			return nil, err
		}
		engines := engine.NewService(engine.NewDetector(), securityDB)
		engines.SetClient(client)
		engines.RegisterDetected(ctx)
		return proxy.NewGateway(proxy.GatewayOptions{
			Policy:          policy,
			Keys:            keys,
			Limiter:         security.NewRateLimiter(policy.RateLimit, policy.IPRateLimit),
			Intrusion:       security.NewIntrusionDetector(),
			Anomaly:         security.NewAnomalyDetector(),
			Blocklist:       blocklist,
			Engines:         engines,
			Auditor:         auditor,
			Telemetry:       tp,
			TrustedProxyIPs: cfg.TrustedProxyIPs,
		}), nil
	}

	return proxy.NewService(proxy.ServiceOptions{
		Repo:         configDB,
		Policies:     securityDB,
		Auditor:      auditor,
		DataDir:      a.cfg.DataDir,
		DnsCreds:     security.NewDnsCredentials(securityDB, secrets),
		LegoRunner:   tlsmode.NewLegoRunner(),
		BuildGateway: buildGateway,
	}), nil
}

// daemonClient connects to (or spawns) the background daemon.
func (a *app) daemonClient(ctx context.Context) (*daemon.Client, error) {
	ctl := &daemon.Controller{DataDir: a.cfg.DataDir}
	return ctl.Connect(ctx)
}
