package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mvm-project/mvm/internal/agentrpc"
	"github.com/mvm-project/mvm/internal/audit"
	"github.com/mvm-project/mvm/internal/config"
	"github.com/mvm-project/mvm/internal/diskprov"
	"github.com/mvm-project/mvm/internal/instance"
	"github.com/mvm-project/mvm/internal/logging"
	"github.com/mvm-project/mvm/internal/metrics"
	"github.com/mvm-project/mvm/internal/netfabric"
	"github.com/mvm-project/mvm/internal/reconcile"
	"github.com/mvm-project/mvm/internal/shell"
	"github.com/mvm-project/mvm/internal/store"
	"github.com/mvm-project/mvm/internal/tracing"
	"github.com/mvm-project/mvm/internal/wake"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node agent",
		Long:  "Run the per-node agent: reconcile pool state, execute lifecycle RPCs, and answer coordinator wake requests.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgentConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logging.Default().SetMinimumLevel(logging.Level(cfg.Logging.Level))
			if cfg.Logging.Path != "" {
				if err := logging.Default().SetOutput(cfg.Logging.Path); err != nil {
					return fmt.Errorf("open log file: %w", err)
				}
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := tracing.Init(ctx, cfg.Tracing.Enabled, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer tracing.Shutdown(context.Background())

			st := store.New(cfg.Store.DataRoot)
			runner := shell.Exec{}
			fabric := netfabric.New(runner)
			disks := diskprov.New(runner)
			m := metrics.New(cfg.Metrics.Namespace)
			var auditSinks []audit.Sink
			if cfg.Audit.PostgresDSN != "" {
				pgSink, err := audit.NewPostgresSink(ctx, cfg.Audit.PostgresDSN)
				if err != nil {
					return fmt.Errorf("connect audit postgres sink: %w", err)
				}
				defer pgSink.Close()
				auditSinks = append(auditSinks, pgSink)
			}
			auditLogger := audit.NewLogger(func(tenantID string) string {
				return store.Layout{Root: cfg.Store.DataRoot}.AuditLog(tenantID)
			}, auditSinks...)

			instances := instance.New(st, fabric, disks, runner, auditLogger, m, instance.JailerSettings{
				JailerBin:      cfg.Jailer.JailerBin,
				FirecrackerBin: cfg.Jailer.FirecrackerBin,
				ChrootBaseDir:  cfg.Jailer.ChrootBaseDir,
				ProductionMode: cfg.Jailer.ProductionMode,
			})

			reconciler := reconcile.New(st, fabric, instances, m, auditLogger, cfg.Reconcile.Concurrency)

			localDriver := wake.NewLocalDriver(st, instances, 8080)
			wakeTimeout := time.Duration(cfg.Reconcile.IntervalSeconds) * time.Second
			if wakeTimeout <= 0 {
				wakeTimeout = 10 * time.Second
			}
			reconciler.Wake = wake.New(localDriver, wakeTimeout)

			tlsConfig, err := agentrpc.NewServerTLSConfig(cfg.RPC.TLS.CertFile, cfg.RPC.TLS.KeyFile, cfg.RPC.TLS.ClientCAFile)
			if err != nil {
				return fmt.Errorf("load agent RPC TLS config: %w", err)
			}

			handler := &agentrpc.Handler{
				NodeID:     cfg.NodeID,
				Store:      st,
				Instances:  instances,
				Reconciler: reconciler,
			}
			server := &agentrpc.Server{Handler: handler, TLSConfig: tlsConfig}

			errCh := make(chan error, 1)
			go func() {
				logging.Default().Info("agent RPC listening", map[string]any{"addr": cfg.RPC.ListenAddr, "node_id": cfg.NodeID})
				if err := server.Serve(ctx, cfg.RPC.ListenAddr); err != nil {
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
				return fmt.Errorf("agent RPC server error: %w", err)
			}
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "/etc/mvm/agent.yaml", "Path to agent config file")
	return cmd
}
