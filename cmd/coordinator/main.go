package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mvm-coordinator",
		Short: "mvm connection-triggered wake coordinator",
		Long:  "Coordinator accepts idle gateway connections, wakes the owning tenant's instance on demand, and proxies traffic once it is running.",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
