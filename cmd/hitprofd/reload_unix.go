//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/kestrel-io/hitprof/internal/events"
)

// setupReloadSignal logs SIGHUP receipt. The aggregator has no local
// config file to re-read (it takes configuration from flags and from the
// delta protocol); this gives operators a restart-free liveness probe to
// script against.
func setupReloadSignal(bus *events.Bus) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP)
	go func() {
		for range sigs {
			bus.Info("received SIGHUP")
		}
	}()
}
