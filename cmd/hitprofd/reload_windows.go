//go:build windows

package main

import "github.com/kestrel-io/hitprof/internal/events"

// setupReloadSignal is a no-op on Windows: SIGHUP does not exist there.
func setupReloadSignal(bus *events.Bus) {}
