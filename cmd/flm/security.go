package main

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/cobra"

	"flm/internal/audit"
	"flm/internal/security"
	"flm/internal/storage"
)

func newAPIKeysCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api-keys",
		Short: "Manage gateway API keys",
	}

	var label string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openSecurityDB()
			if err != nil {
				return err
			}
			created, err := security.NewKeyService(db).Create(cmd.Context(), label)
			if err != nil {
				return err
			}
			db.Append(cmd.Context(), audit.Event{Kind: audit.KindKeyCreated, APIKeyID: created.Record.ID, Detail: "label " + label})
			out := map[string]string{"id": created.Record.ID, "label": created.Record.Label, "key": created.Plain}
			return a.printResult(out, func() {
				fmt.Printf("id:    %s\n", created.Record.ID)
				fmt.Printf("label: %s\n", created.Record.Label)
				fmt.Printf("key:   %s\n", created.Plain)
				fmt.Println("store this key now; it is not shown again")
			})
		},
	}
	create.Flags().StringVar(&label, "label", "default", "human-readable key label")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openSecurityDB()
			if err != nil {
				return err
			}
			keys, err := security.NewKeyService(db).List(cmd.Context())
			if err != nil {
				return err
			}
			return a.printResult(keys, func() {
				for _, k := range keys {
					state := "active"
					if k.RevokedAt != nil && !k.RevokedAt.After(time.Now()) {
						state = "revoked"
					}
					fmt.Printf("%s  %-16s %-8s created %s\n", k.ID, k.Label, state, k.CreatedAt.Format(time.RFC3339))
				}
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openSecurityDB()
			if err != nil {
				return err
			}
			if err := security.NewKeyService(db).Revoke(cmd.Context(), args[0]); err != nil {
				return err
			}
			db.Append(cmd.Context(), audit.Event{Kind: audit.KindKeyRevoked, APIKeyID: args[0]})
			return a.printResult(map[string]string{"status": "revoked", "id": args[0]}, func() {
				fmt.Println("key revoked")
			})
		},
	}

	var grace time.Duration
	rotate := &cobra.Command{
		Use:   "rotate <id>",
		Short: "Rotate an API key, optionally with a grace window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openSecurityDB()
			if err != nil {
				return err
			}
			created, err := security.NewKeyService(db).Rotate(cmd.Context(), args[0], grace)
			if err != nil {
				return err
			}
			out := map[string]string{"id": created.Record.ID, "key": created.Plain}
			return a.printResult(out, func() {
				fmt.Printf("new id:  %s\n", created.Record.ID)
				fmt.Printf("new key: %s\n", created.Plain)
				if grace > 0 {
					fmt.Printf("old key remains valid for %s\n", grace)
				}
			})
		},
	}
	rotate.Flags().DurationVar(&grace, "grace", 0, "how long the old key keeps verifying")

	cmd.AddCommand(create, list, revoke, rotate)
	return cmd
}

func newSecurityCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "security",
		Short: "Policy, blocklist, audit logs, and backups",
	}
	cmd.AddCommand(
		newPolicyCommand(a),
		newBlocklistCommand(a),
		newAuditLogsCommand(a),
		newBackupCommand(a),
	)
	return cmd
}

func newPolicyCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show or replace the security policy",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the active policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := a.loadPolicy(cmd.Context())
			if err != nil {
				return err
			}
			return a.printResult(policy, func() {
				raw, _ := json.MarshalIndent(policy, "", "  ")
				fmt.Println(string(raw))
			})
		},
	}

	var file string
	set := &cobra.Command{
		Use:   "set",
		Short: "Validate and store a policy document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errConfig("--file is required")
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			policy := security.DefaultPolicy()
			if err := json.Unmarshal(raw, &policy); err != nil {
				return errConfig("parse policy: %v", err)
			}
			if policy.ID == "" {
				policy.ID = "default"
			}
			if err := policy.Validate(false); err != nil {
				return errConfig("%v", err)
			}
			db, err := a.openSecurityDB()
			if err != nil {
				return err
			}
			if err := db.SavePolicy(cmd.Context(), policy); err != nil {
				return err
			}
			db.Append(cmd.Context(), audit.Event{Kind: audit.KindPolicyChanged, Detail: "policy set from " + file})
			return a.printResult(policy, func() {
				fmt.Println("policy stored; run 'flm proxy reload' to apply to running listeners")
			})
		},
	}
	set.Flags().StringVar(&file, "file", "", "JSON policy document")

	cmd.AddCommand(show, set)
	return cmd
}

func newBlocklistCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ip-blocklist",
		Short: "Inspect and manage blocked addresses",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List blocklist entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.blockStore()
			if err != nil {
				return err
			}
			entries, err := security.NewBlocklist(store).List(cmd.Context())
			if err != nil {
				return err
			}
			return a.printResult(entries, func() {
				if len(entries) == 0 {
					fmt.Println("blocklist is empty")
					return
				}
				now := time.Now()
				for _, e := range entries {
					state := "warning"
					switch {
					case e.PermanentBlock:
						state = "permanent"
					case e.Blocked(now):
						state = fmt.Sprintf("blocked until %s", e.BlockedUntil.Format(time.RFC3339))
					}
					fmt.Printf("%-40s failures=%-3d %s\n", e.IP, e.FailureCount, state)
				}
			})
		},
	}

	unblock := &cobra.Command{
		Use:   "unblock <ip>",
		Short: "Unblock an address and zero its counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ip, err := netip.ParseAddr(args[0])
			if err != nil {
				return errConfig("%q is not an IP address", args[0])
			}
			store, err := a.blockStore()
			if err != nil {
				return err
			}
			if err := security.NewBlocklist(store).Unblock(cmd.Context(), ip); err != nil {
				return err
			}
			if db, err := a.openSecurityDB(); err == nil {
				db.Append(cmd.Context(), audit.Event{Kind: audit.KindIPUnblocked, IP: ip.String()})
			}
			return a.printResult(map[string]string{"status": "unblocked", "ip": ip.String()}, func() {
				fmt.Println("address unblocked")
			})
		},
	}

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Remove every blocklist entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.blockStore()
			if err != nil {
				return err
			}
			if err := security.NewBlocklist(store).Clear(cmd.Context()); err != nil {
				return err
			}
			return a.printResult(map[string]string{"status": "cleared"}, func() {
				fmt.Println("blocklist cleared")
			})
		},
	}

	cmd.AddCommand(list, unblock, clear)
	return cmd
}

func newAuditLogsCommand(a *app) *cobra.Command {
	var (
		ip    string
		kind  string
		since time.Duration
		limit int
	)
	cmd := &cobra.Command{
		Use:   "audit-logs",
		Short: "Query persisted audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openSecurityDB()
			if err != nil {
				return err
			}
			filter := audit.Filter{IP: ip, Kind: audit.Kind(kind), Limit: limit}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			events, err := db.QueryAudit(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return a.printResult(events, func() {
				for _, e := range events {
					fmt.Printf("%s  %-20s %-16s %-24s %d  %s\n",
						e.Timestamp.Format(time.RFC3339), e.Kind, e.IP, e.Path, e.Status, e.Detail)
				}
			})
		},
	}
	cmd.Flags().StringVar(&ip, "ip", "", "filter by client IP")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by event kind")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this age (e.g. 24h)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum events returned")
	return cmd
}

func newBackupCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up and restore security.db",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a timestamped backup (keeps the 3 most recent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Open once so the database exists and migrations ran.
			if _, err := a.openSecurityDB(); err != nil {
				return err
			}
			path, err := storage.CreateBackup(a.cfg.SecurityDBPath(), a.cfg.BackupDir())
			if err != nil {
				return err
			}
			return a.printResult(map[string]string{"path": path}, func() {
				fmt.Println("backup created:", path)
			})
		},
	}

	restore := &cobra.Command{
		Use:   "restore <backup-file>",
		Short: "Restore security.db from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// The live handle must be closed before the file swap.
			if a.securityDB != nil {
				a.securityDB.Close()
				a.securityDB = nil
			}
			if err := storage.RestoreBackup(args[0], a.cfg.SecurityDBPath()); err != nil {
				return err
			}
			return a.printResult(map[string]string{"status": "restored", "from": args[0]}, func() {
				fmt.Println("database restored from", args[0])
			})
		},
	}

	cmd.AddCommand(create, restore)
	return cmd
}
