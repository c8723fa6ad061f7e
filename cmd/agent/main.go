package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mvm-agent",
		Short: "mvm per-node agent",
		Long:  "Agent runs on every Firecracker host: reconciles instance state, executes lifecycle RPCs, and answers wake requests from the coordinator.",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
