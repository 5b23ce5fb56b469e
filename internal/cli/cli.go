// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

// Package cli sets up the command-line interface for the Taskmaster control
// plane using Cobra: the serve command that runs the HTTP adapter over the
// core, plus small operator utilities (genkey, init-config, audit export and
// audit verify) and a --version flag.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/toeirei/taskmaster/buildvars"
	"github.com/toeirei/taskmaster/internal/audit"
	"github.com/toeirei/taskmaster/internal/config"
	"github.com/toeirei/taskmaster/internal/generate"
	"github.com/toeirei/taskmaster/internal/logging"
	"github.com/toeirei/taskmaster/internal/orchestrator"
	"github.com/toeirei/taskmaster/internal/registry"
	"github.com/toeirei/taskmaster/internal/server"
	"github.com/toeirei/taskmaster/internal/vault"
)

var cfgFile string

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taskmaster",
		Short: "Taskmaster turns natural-language requests into reviewed SSH command plans.",
		Long: `Taskmaster is a multi-tenant control plane that resolves natural-language
infrastructure requests into step-by-step shell command plans, presents each
step to a human reviewer, and executes approved steps over persistent SSH
sessions against the target host.`,
		SilenceUsage: true,
	}
	cmd.Version = buildvars.VersionOrDefault("dev")
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./taskmaster.yaml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newGenKeyCmd())
	cmd.AddCommand(newInitConfigCmd())
	cmd.AddCommand(newAuditCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd, cfgFile)
			if err != nil {
				return err
			}
			logging.SetDebug(cfg.Debug)

			if cfg.Vault.Key == "" {
				cfg.Vault.Key = promptVaultKey()
			}
			v, err := vault.New(cfg.Vault.Key)
			if err != nil {
				return fmt.Errorf("vault init failed: %w", err)
			}

			sink, closeSink, err := buildSink(cfg.Audit)
			if err != nil {
				return err
			}
			defer closeSink()

			reg := registry.New(v, sink, registry.Config{
				ConnectDeadline:    cfg.Limits.ConnectDeadline,
				HeartbeatInterval:  cfg.Limits.HeartbeatInterval,
				HeartbeatFailures:  cfg.Limits.HeartbeatFailures,
				IdleTimeout:        cfg.Limits.IdleTimeout,
				MaxSessionsPerUser: cfg.Limits.MaxSessionsPerUser,
			})
			reg.Start()
			defer reg.Stop()

			gen := generate.NewService(
				generate.NewClient(generate.ClientConfig{
					Endpoint:  cfg.Model.Endpoint,
					APIKey:    cfg.Model.APIKey,
					ModelName: cfg.Model.Name,
				}),
				sink,
				generate.WithDeadline(cfg.Limits.GeneratorDeadline),
			)

			orch := orchestrator.New(reg, gen, sink, orchestrator.Config{
				PerStepDeadline: cfg.Limits.StepDeadline,
				MinStepDeadline: 5 * time.Second,
				MaxStepDeadline: 900 * time.Second,
			})

			srv := &http.Server{
				Addr:              cfg.Listen,
				Handler:           server.New(reg, orch).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logging.Infof("taskmaster %s listening on %s", buildvars.VersionOrDefault("dev"), cfg.Listen)
				errCh <- srv.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case sig := <-sigCh:
				logging.Infof("received %s, shutting down", sig)
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			}
			return nil
		},
	}
	cmd.Flags().String("listen", "", "listen address (overrides config)")
	return cmd
}

// promptVaultKey asks for a key on a TTY; non-interactive runs proceed with
// an ephemeral key, which vault.New warns about.
func promptVaultKey() string {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return ""
	}
	fmt.Fprint(os.Stderr, "Vault key (base64, empty for ephemeral): ")
	key, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return ""
	}
	return string(key)
}

// buildSink constructs the configured audit sink and its cleanup.
func buildSink(cfg config.AuditConfig) (audit.Sink, func(), error) {
	switch cfg.Type {
	case "", "memory":
		return audit.NewMemorySink(10000), func() {}, nil
	case "sqlite", "postgres", "mysql":
		store, err := audit.NewStore(cfg.Type, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("audit sink init failed: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown audit sink type %q", cfg.Type)
	}
}

func newGenKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a new vault key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := vault.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "taskmaster.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Operate on the persistent audit log",
	}

	export := &cobra.Command{
		Use:   "export <output.jsonl.zst>",
		Short: "Export the audit log as zstd-compressed JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd, cfgFile)
			if err != nil {
				return err
			}
			if cfg.Audit.Type == "" || cfg.Audit.Type == "memory" {
				return errors.New("audit export requires a database-backed sink")
			}
			store, err := audit.NewStore(cfg.Audit.Type, cfg.Audit.DSN)
			if err != nil {
				return err
			}
			defer store.Close()

			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			if err := audit.ExportZstd(cmd.Context(), store, f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported audit log to %s\n", args[0])
			return nil
		},
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit log's hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd, cfgFile)
			if err != nil {
				return err
			}
			if cfg.Audit.Type == "" || cfg.Audit.Type == "memory" {
				return errors.New("audit verify requires a database-backed sink")
			}
			store, err := audit.NewStore(cfg.Audit.Type, cfg.Audit.DSN)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Verify(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "audit chain verified")
			return nil
		},
	}

	cmd.AddCommand(export, verify)
	return cmd
}
