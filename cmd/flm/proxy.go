package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"flm/internal/control"
	"flm/internal/daemon"
	"flm/internal/proxy"
)

func newProxyCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Start, stop, and inspect the gateway listeners",
	}
	cmd.AddCommand(
		newProxyStartCommand(a),
		newProxyStopCommand(a),
		newProxyStatusCommand(a),
		newProxyReloadCommand(a),
		newProxyServeCommand(a),
	)
	return cmd
}

func proxyConfigFlags(cmd *cobra.Command, cfg *proxy.Config) {
	cmd.Flags().IntVar(&cfg.Port, "port", 0, "listen port (defaults to the configured port)")
	cmd.Flags().StringVar(&cfg.ListenAddr, "listen-addr", "", "bind address")
	cmd.Flags().StringVar((*string)(&cfg.Mode), "mode", "", "mode: local_http, dev_self_signed, https_acme")
	cmd.Flags().StringVar(&cfg.AcmeDomain, "domain", "", "ACME domain (https_acme mode)")
	cmd.Flags().StringVar(&cfg.AcmeEmail, "email", "", "ACME account email")
	cmd.Flags().StringVar((*string)(&cfg.Challenge), "challenge", "", "ACME challenge: http-01 or dns-01")
	cmd.Flags().StringVar(&cfg.DnsProfileID, "dns-profile", "", "DNS credential profile for dns-01")
}

// mergeProxyConfig overlays flag values onto the configured defaults.
func mergeProxyConfig(base proxy.Config, flags proxy.Config) proxy.Config {
	out := base
	if flags.Port != 0 {
		out.Port = flags.Port
	}
	if flags.ListenAddr != "" {
		out.ListenAddr = flags.ListenAddr
	}
	if flags.Mode != "" {
		out.Mode = flags.Mode
	}
	if flags.AcmeDomain != "" {
		out.AcmeDomain = flags.AcmeDomain
	}
	if flags.AcmeEmail != "" {
		out.AcmeEmail = flags.AcmeEmail
	}
	if flags.Challenge != "" {
		out.Challenge = flags.Challenge
	}
	if flags.DnsProfileID != "" {
		out.DnsProfileID = flags.DnsProfileID
	}
	return out
}

func newProxyStartCommand(a *app) *cobra.Command {
	var flagCfg proxy.Config
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a gateway listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := mergeProxyConfig(a.cfg.Proxy, flagCfg)

			if a.noDaemon {
				return a.runForeground(ctx, cfg)
			}

			client, err := a.daemonClient(ctx)
			if err != nil {
				return err
			}
			handle, err := client.StartProxy(ctx, cfg)
			if err != nil {
				return err
			}
			return a.printResult(handle, func() {
				fmt.Printf("proxy started: handle %s on %s:%d (mode %s)\n",
					handle.ID, handle.ListenAddr, handle.Port, handle.Mode)
				if handle.HTTPSPort > 0 {
					fmt.Printf("tls on port %d\n", handle.HTTPSPort)
				}
			})
		},
	}
	proxyConfigFlags(cmd, &flagCfg)
	return cmd
}

// runForeground serves in this process until interrupted.
func (a *app) runForeground(ctx context.Context, cfg proxy.Config) error {
	svc, err := a.proxyService(ctx)
	if err != nil {
		return err
	}
	handle, err := svc.Start(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Printf("proxy running: handle %s on %s:%d (ctrl-c to stop)\n",
		handle.ID, handle.ListenAddr, handle.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	svc.StopAll(context.Background())
	return nil
}

func newProxyStopCommand(a *app) *cobra.Command {
	var port int
	var handleID string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a gateway listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if port == 0 && handleID == "" {
				return errConfig("either --port or --handle is required")
			}
			client, err := a.existingDaemon(ctx)
			if err != nil {
				return err
			}
			if err := client.StopProxy(ctx, port, handleID); err != nil {
				return err
			}
			return a.printResult(map[string]string{"status": "stopped"}, func() {
				fmt.Println("proxy stopped")
			})
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "port of the listener to stop")
	cmd.Flags().StringVar(&handleID, "handle", "", "handle id of the listener to stop")
	return cmd
}

func newProxyStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List running gateway listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := a.existingDaemon(ctx)
			if err != nil {
				// No daemon means nothing is running.
				return a.printResult([]proxy.Handle{}, func() {
					fmt.Println("no proxy running")
				})
			}
			handles, err := client.Status(ctx)
			if err != nil {
				return err
			}
			return a.printResult(handles, func() {
				if len(handles) == 0 {
					fmt.Println("no proxy running")
					return
				}
				for _, h := range handles {
					fmt.Printf("%s  %s:%d  mode=%s  running=%v", h.ID, h.ListenAddr, h.Port, h.Mode, h.Running)
					if h.HTTPSPort > 0 {
						fmt.Printf("  https=%d", h.HTTPSPort)
					}
					if h.LastError != "" {
						fmt.Printf("  error=%q", h.LastError)
					}
					fmt.Println()
				}
			})
		},
	}
}

func newProxyReloadCommand(a *app) *cobra.Command {
	var handleID string
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Hot-reload policy and certificates for a running listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if handleID == "" {
				return errConfig("--handle is required")
			}
			client, err := a.existingDaemon(ctx)
			if err != nil {
				return err
			}
			if err := client.Reload(ctx, handleID); err != nil {
				return err
			}
			return a.printResult(map[string]string{"status": "reloaded"}, func() {
				fmt.Println("configuration reloaded")
			})
		},
	}
	cmd.Flags().StringVar(&handleID, "handle", "", "handle id to reload")
	return cmd
}

// existingDaemon connects to a running daemon without spawning one.
func (a *app) existingDaemon(ctx context.Context) (*daemon.Client, error) {
	rec, err := daemon.ReadState(daemon.StateFile(a.cfg.DataDir))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errNotFound("no daemon is running (state file missing)")
	}
	client := daemon.NewClient(rec.Port, rec.Token)
	if err := client.Health(ctx); err != nil {
		daemon.RemoveState(daemon.StateFile(a.cfg.DataDir))
		return nil, errNotFound("daemon unreachable; stale state removed")
	}
	return client, nil
}

// newProxyServeCommand is the hidden daemon entry point spawned by the
// controller: it binds the loopback admin endpoint, writes the state
// file, and serves until signalled.
func newProxyServeCommand(a *app) *cobra.Command {
	var (
		daemonMode bool
		statePath  string
		adminPort  int
		adminToken string
	)
	cmd := &cobra.Command{
		Use:    "serve",
		Hidden: true,
		Short:  "Run the proxy daemon (internal)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if adminToken == "" {
				return errConfig("--admin-token is required")
			}
			if statePath == "" {
				statePath = daemon.StateFile(a.cfg.DataDir)
			}

			broker := control.NewEventBroker()
			svc, err := a.proxyService(ctx, broker)
			if err != nil {
				return err
			}
			handler := control.New(svc, adminToken, broker)

			listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(adminPort)))
			if err != nil {
				return err
			}
			adminSrv := &http.Server{
				Handler:      handler,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 0,
				IdleTimeout:  60 * time.Second,
			}
			go adminSrv.Serve(listener)

			actualPort := listener.Addr().(*net.TCPAddr).Port
			err = daemon.WriteState(statePath, daemon.StateRecord{
				Port:  actualPort,
				Token: adminToken,
				Pid:   os.Getpid(),
			})
			if err != nil {
				return err
			}

			// Out-of-band health probing keeps the engine cache and the
			// persisted health log warm while the daemon runs.
			probeCtx, stopProbes := context.WithCancel(ctx)
			defer stopProbes()
			go func() {
				engines, err := a.engineService()
				if err != nil {
					return
				}
				ticker := time.NewTicker(time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-probeCtx.Done():
						return
					case <-ticker.C:
						engines.DetectEngines(probeCtx)
						if db, err := a.openSecurityDB(); err == nil {
							db.TrimHealthLogs(probeCtx)
						}
					}
				}
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sig:
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			svc.StopAll(shutdownCtx)
			adminSrv.Shutdown(shutdownCtx)
			daemon.RemoveState(statePath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&daemonMode, "daemon", false, "run as the background daemon")
	cmd.Flags().StringVar(&statePath, "state-file", "", "daemon state file path")
	cmd.Flags().IntVar(&adminPort, "admin-port", 0, "loopback admin port")
	cmd.Flags().StringVar(&adminToken, "admin-token", "", "admin bearer token")
	return cmd
}
