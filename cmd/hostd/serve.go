package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mvm-project/mvm/internal/diskprov"
	"github.com/mvm-project/mvm/internal/hostd"
	"github.com/mvm-project/mvm/internal/instance"
	"github.com/mvm-project/mvm/internal/logging"
	"github.com/mvm-project/mvm/internal/metrics"
	"github.com/mvm-project/mvm/internal/netfabric"
	"github.com/mvm-project/mvm/internal/shell"
	"github.com/mvm-project/mvm/internal/store"
)

func serveCmd() *cobra.Command {
	var (
		socketPath string
		dataRoot   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the hostd daemon",
		Long:  "Start the hostd daemon, listening on a Unix domain socket for privileged lifecycle and network requests from the agent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner := shell.Exec{}
			st := store.New(dataRoot)
			fabric := netfabric.New(runner)
			disks := diskprov.New(runner)
			m := metrics.New("mvm_hostd")

			instances := instance.New(st, fabric, disks, runner, nil, m, instance.JailerSettings{
				JailerBin:      "/usr/bin/jailer",
				FirecrackerBin: "/usr/bin/firecracker",
				ChrootBaseDir:  "/srv/jailer",
				ProductionMode: true,
			})

			server := &hostd.Server{Instances: instances, Fabric: fabric}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				logging.Default().Info("hostd listening", map[string]any{"socket": socketPath})
				if err := server.Serve(ctx, socketPath); err != nil {
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
				return fmt.Errorf("hostd error: %w", err)
			}
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", hostd.DefaultSocketPath, "Path to the Unix domain socket")
	cmd.Flags().StringVar(&dataRoot, "data-root", "/var/lib/mvm", "Path to the persisted-entity data root")
	return cmd
}
