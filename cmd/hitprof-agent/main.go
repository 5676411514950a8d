// Command hitprof-agent is the in-process embedding point: it installs a
// Collector on the process-wide pkg/hitprof.Default() profiler and then
// runs a representative sampling loop against it, the way an application
// would call hitprof.Begin/End around the work it wants profiled. It can
// run standalone against a local log/archive directory, or ship every hit
// to a hitprofd aggregator over HTTP. Grounded on the sampling-loop and
// flag layout of evanoooo-vstats/server-go's cmd/agent, adapted from
// system-telemetry collection to hit-profiling.
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
		Use:   "hitprof-agent",
		Short: "Run a demo workload under the hitprof profiler",
	}
	root.AddCommand(newRunCmd())
	return root
}
