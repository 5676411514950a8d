package main

import "strconv"

// resolveAddr applies flag > env var > default precedence, matching the
// teacher's config-then-env-then-default order in cmd/server/main.go.
// getenv is injected so the precedence logic is testable without mutating
// the process environment.
func resolveAddr(host string, hostChanged bool, port int, portChanged bool, getenv func(string) string) (string, int) {
	if !hostChanged {
		if v := getenv("HITPROF_HOST"); v != "" {
			host = v
		}
	}
	if !portChanged {
		if v := getenv("HITPROF_PORT"); v != "" {
			if p, err := strconv.Atoi(v); err == nil {
				port = p
			}
		}
	}
	return host, port
}
