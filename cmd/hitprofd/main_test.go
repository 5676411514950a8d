package main

import "testing"

func TestRootCommandHasServeAndVersion(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	if !names["serve"] || !names["version"] || !names["reset-config"] {
		t.Fatalf("expected serve, version, and reset-config subcommands, got %+v", names)
	}
}
