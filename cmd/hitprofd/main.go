// Command hitprofd runs an AggregatorServer: a standalone process that
// receives hits and log lines shipped by remote HttpProxyCollectors and
// writes them through the same LocalCollector/FileLogger pipeline the
// in-process profiler uses. Grounded on the cobra root-command layout of
// evanoooo-vstats/server-go's cmd/server/main.go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hitprofd",
		Short: "Aggregation server for hitprof hit feeds and log shipping",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newResetConfigCmd())
	return root
}

const version = "0.1.0"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hitprofd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}
