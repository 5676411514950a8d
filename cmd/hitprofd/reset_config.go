package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

// newResetConfigCmd posts to a running hitprofd's admin endpoint to drop
// every pushed configuration override. The teacher's --reset-password
// rewrites the config file directly and signals the running server to
// reload it; hitprofd has no on-disk config to rewrite (its overrides
// live only in the delta store), so the equivalent reset is an HTTP call
// against the process instead of a file-plus-signal pair.
func newResetConfigCmd() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "reset-config",
		Short: "Clear every pushed configuration override on a running hitprofd",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port = resolveAddr(host, cmd.Flags().Changed("host"), port, cmd.Flags().Changed("port"), os.Getenv)

			url := fmt.Sprintf("http://%s:%d/admin/reset-config", host, port)
			resp, err := http.Post(url, "application/json", nil)
			if err != nil {
				return fmt.Errorf("reset-config: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusNoContent {
				return fmt.Errorf("reset-config: server returned %s", resp.Status)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration overrides cleared")
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "hitprofd host to contact")
	cmd.Flags().IntVar(&port, "port", 9666, "hitprofd port to contact")

	return cmd
}
