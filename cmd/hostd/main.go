package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mvm-hostd",
		Short: "mvm privileged executor daemon",
		Long:  "hostd runs as the privileged user and executes jailer/firecracker/network lifecycle operations on behalf of an unprivileged agent, over a Unix domain socket.",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
