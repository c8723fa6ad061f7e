package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mvm-project/mvm/internal/agentrpc"
	"github.com/mvm-project/mvm/internal/audit"
	"github.com/mvm-project/mvm/internal/config"
	"github.com/mvm-project/mvm/internal/coordproxy"
	"github.com/mvm-project/mvm/internal/logging"
	"github.com/mvm-project/mvm/internal/metrics"
	"github.com/mvm-project/mvm/internal/tracing"
	"github.com/mvm-project/mvm/internal/wake"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		Long:  "Run the coordinator: one listener per gateway route, waking the owning tenant's instance on the first connection and proxying traffic once it answers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadCoordinatorConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logging.Default().SetMinimumLevel(logging.Level(cfg.Logging.Level))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := tracing.Init(ctx, cfg.Tracing.Enabled, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer tracing.Shutdown(context.Background())

			m := metrics.New(cfg.Metrics.Namespace)
			auditLogger := audit.NewLogger(func(tenantID string) string {
				return filepath.Join("/var/log/mvm-coordinator", tenantID+".audit.log")
			})

			var tlsConfig *tls.Config
			if cfg.RPC.TLS.CertFile != "" {
				tlsConfig, err = agentrpc.NewClientTLSConfig(cfg.RPC.TLS.CertFile, cfg.RPC.TLS.KeyFile, cfg.RPC.TLS.ClientCAFile)
				if err != nil {
					return fmt.Errorf("load coordinator RPC client TLS config: %w", err)
				}
			}

			driver := newRouterDriver(cfg.Routes, tlsConfig)
			wakeMgr := wake.New(driver, time.Duration(cfg.WakeTimeoutSeconds)*time.Second)

			proxy := coordproxy.New(cfg.Routes, wakeMgr, m, auditLogger, coordproxy.Config{
				GlobalIdleTimeout: time.Duration(cfg.GlobalIdleTimeoutSeconds) * time.Second,
				HealthInterval:    time.Duration(cfg.HealthIntervalSeconds) * time.Second,
				ReadinessDeadline: time.Duration(cfg.ReadinessDeadlineSeconds) * time.Second,
			})

			if cfg.Redis.Enabled {
				proxy.Cache = coordproxy.NewSharedStateCache(cfg.Redis.Addr, 5*time.Minute)
			}

			errCh := make(chan error, 1)
			go func() {
				logging.Default().Info("coordinator proxy starting", map[string]any{"routes": len(cfg.Routes.Routes)})
				if err := proxy.Serve(ctx); err != nil {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logging.Default().Info("shutdown signal received", map[string]any{"signal": sig.String()})
				cancel()
				return nil
			case err := <-errCh:
				cancel()
				return fmt.Errorf("coordinator proxy error: %w", err)
			}
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "/etc/mvm/coordinator.yaml", "Path to coordinator config file")
	return cmd
}
