package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrel-io/hitprof/internal/aggregator"
	"github.com/kestrel-io/hitprof/internal/events"
	"github.com/kestrel-io/hitprof/internal/format"
	"github.com/kestrel-io/hitprof/internal/obs"
)

func newServeCmd() *cobra.Command {
	var (
		host                      string
		port                      int
		logPath                   string
		archivePath               string
		maxLogSizeBytes           int64
		maxArchiveSizeBytes       int64
		logRequestArchivingModulo int64
		sortColumn                string
		verbosity                 string
		flushDelayMs              int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the AggregatorServer",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus := events.NewBus()
			bus.Subscribe(obs.Default().Sink())

			host, port = resolveAddr(host, cmd.Flags().Changed("host"), port, cmd.Flags().Changed("port"), os.Getenv)

			srv := aggregator.New(aggregator.Config{
				Host:                      host,
				Port:                      port,
				LogPath:                   logPath,
				ArchivePath:               archivePath,
				MaxLogSizeBytes:           maxLogSizeBytes,
				MaxArchiveSizeBytes:       maxArchiveSizeBytes,
				LogRequestArchivingModulo: logRequestArchivingModulo,
				DefaultSortColumn:         format.SortColumn(sortColumn),
				DefaultVerbosity:          format.Verbosity(verbosity),
				FlushDelay:                time.Duration(flushDelayMs) * time.Millisecond,
				Bus:                       bus,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			setupReloadSignal(bus)

			obs.Default().Infof("listening on %s:%d", host, port)
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "listen host")
	cmd.Flags().IntVar(&port, "port", 9666, "listen port")
	cmd.Flags().StringVar(&logPath, "log-path", "__pflogs", "log file root")
	cmd.Flags().StringVar(&archivePath, "archive-path", "__pfarchive", "archive root")
	cmd.Flags().Int64Var(&maxLogSizeBytes, "max-log-size-bytes", 0, "rotate a source's logs past this size (0 disables rotation)")
	cmd.Flags().Int64Var(&maxArchiveSizeBytes, "max-archive-size-bytes", 0, "trim archives past this size (0 keeps only the newest)")
	cmd.Flags().Int64Var(&logRequestArchivingModulo, "log-request-archiving-modulo", 100, "run a rotation check every Nth log request")
	cmd.Flags().StringVar(&sortColumn, "sort-column", "maxMs", "default bucket table sort column")
	cmd.Flags().StringVar(&verbosity, "verbosity", "full", "default verbosity: log|brief|full")
	cmd.Flags().IntVar(&flushDelayMs, "flush-delay-ms", 0, "delay before draining a collector's queue")

	return cmd
}
