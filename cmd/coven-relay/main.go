// ABOUTME: Entry point for coven-relay, the websocket hub for long-running agent tasks
// ABOUTME: Subcommands: serve, init, health, stats, watch

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// rootOptions are shared by every subcommand.
type rootOptions struct {
	configPath string
	url        string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "coven-relay",
		Short:         "Relay task progress to connected clients and collect their answers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath(),
		"config file (env "+config.EnvConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&opts.url, "url", "",
		"relay base URL for client commands (default derived from server.http_addr)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newInitCmd(opts),
		newHealthCmd(opts),
		newStatsCmd(opts),
		newWatchCmd(opts),
	)
	return rootCmd
}

// loadConfig loads the configured file, falling back to defaults when it does not exist.
func (o *rootOptions) loadConfig() (*config.Config, bool, error) {
	cfg, found, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return nil, false, fmt.Errorf("loading config: %w", err)
	}
	return cfg, found, nil
}
