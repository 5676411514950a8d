package main

import (
	"context"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kestrel-io/hitprof/internal/collector"
	"github.com/kestrel-io/hitprof/internal/config"
	"github.com/kestrel-io/hitprof/internal/events"
	"github.com/kestrel-io/hitprof/internal/logger"
	"github.com/kestrel-io/hitprof/internal/obs"
	"github.com/kestrel-io/hitprof/internal/wiring"
	"github.com/kestrel-io/hitprof/pkg/hitprof"
)

func newRunCmd() *cobra.Command {
	var (
		sourceKey      string
		remoteURI      string
		logPath        string
		archivePath    string
		commandFile    string
		configFile     string
		refreshEveryMs int
		tickEveryMs    int
		iterations     int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Profile a synthetic workload locally or via a hitprofd aggregator",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus := events.NewBus()
			bus.Subscribe(obs.Default().Sink())

			if sourceKey == "" {
				sourceKey = "agent-" + uuid.NewString()
			}

			if remoteURI != "" {
				runRemote(bus, remoteURI, sourceKey, tickEveryMs, iterations)
				return nil
			}
			runLocal(bus, sourceKey, logPath, archivePath, commandFile, configFile, refreshEveryMs, tickEveryMs, iterations)
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceKey, "source-key", "", "identifies this process to the aggregator or in local log paths; a random one is generated when empty")
	cmd.Flags().StringVar(&remoteURI, "remote-uri", "", "hitprofd base URI; when set, hits ship over HTTP instead of writing local logs")
	cmd.Flags().StringVar(&logPath, "log-path", "__pflogs", "local log root (local mode only)")
	cmd.Flags().StringVar(&archivePath, "archive-path", "__pfarchive", "local archive root (local mode only)")
	cmd.Flags().StringVar(&commandFile, "command-file", "hitprof.enabled", "sentinel file whose existence enables profiling (local mode only)")
	cmd.Flags().StringVar(&configFile, "config-file", "hitprof.json", "dotted-path JSON configuration file (local mode only)")
	cmd.Flags().IntVar(&refreshEveryMs, "refresh-every-ms", 1000, "how often to poll the sentinel/config files (local mode only)")
	cmd.Flags().IntVar(&tickEveryMs, "tick-every-ms", 200, "delay between synthetic hits")
	cmd.Flags().IntVar(&iterations, "iterations", 0, "number of hits to run before exiting; 0 runs until interrupted")

	return cmd
}

// runLocal wires a collector.Local through a RuntimeConfigurator: the
// sentinel and config files are polled on a timer and recognized paths are
// applied to the collector and its FileLogger via a wiring.LocalWirer.
func runLocal(bus *events.Bus, sourceKey, logPath, archivePath, commandFile, configFile string, refreshEveryMs, tickEveryMs, iterations int) {
	fileLogger := logger.NewFileLogger(sourceKey, logPath, archivePath, bus,
		logger.WithMaxLogSizeBytes(10<<20),
		logger.WithMaxArchiveSizeBytes(100<<20),
		logger.WithArchivingModulo(100),
	)
	local := collector.NewLocal(sourceKey, fileLogger, bus, nil, 250*time.Millisecond)
	localWirer := wiring.NewLocalWirer(local, fileLogger)

	runtimeConf := config.NewRuntimeConfigurator(commandFile, configFile, time.Duration(refreshEveryMs)*time.Millisecond, bus)
	runtimeConf.OnChanged = localWirer.Apply

	hitprof.Use(local)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(time.Duration(refreshEveryMs) * time.Millisecond)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runtimeConf.AsyncSmartRefresh()
			}
		}
	}()

	runWorkload(ctx, sourceKey, tickEveryMs, iterations)

	done := make(chan struct{})
	hitprof.Flush(true, func(error) { close(done) })
	<-done
}

// runRemote wires a collector.HttpProxy through a RemoteConfigurator: the
// aggregator pushes configuration deltas back on every /feed response, and
// a wiring.ProxyWirer applies recognized paths to the proxy itself.
func runRemote(bus *events.Bus, uri, sourceKey string, tickEveryMs, iterations int) {
	remoteConf := config.NewRemoteConfigurator(uri, 5*time.Second, 10*time.Second, bus)
	proxy := collector.NewHttpProxy(uri, sourceKey, 5*time.Second, 30*time.Second, bus, remoteConf)
	proxyWirer := wiring.NewProxyWirer(proxy)
	remoteConf.OnChanged = proxyWirer.Apply

	hitprof.Use(proxy)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runWorkload(ctx, sourceKey, tickEveryMs, iterations)

	done := make(chan struct{})
	hitprof.Flush(true, func(error) { close(done) })
	<-done
}

// runWorkload calls Begin/End/Log in a loop against whatever Collector is
// currently installed, standing in for an application's real hot paths.
func runWorkload(ctx context.Context, sourceKey string, tickEveryMs, iterations int) {
	buckets := []string{"http", "db", "render"}
	keys := []string{"GET /", "GET /items", "POST /items"}

	ticker := time.NewTicker(time.Duration(tickEveryMs) * time.Millisecond)
	defer ticker.Stop()

	count := 0
	for {
		if iterations > 0 && count >= iterations {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bucket := buckets[count%len(buckets)]
			key := keys[count%len(keys)]
			hit := hitprof.Begin(bucket, key, key)
			time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
			hitprof.End(hit, "")
			if count%25 == 0 {
				hitprof.Log(bucket, sourceKey+" heartbeat")
			}
			count++
		}
	}
}
