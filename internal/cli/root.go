// Package cli implements the tether command line.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Resilient websocket client",
	Long: `tether keeps a websocket connection to an endpoint alive: it reconnects with
exponential backoff, buffers outbound messages while disconnected and probes
the peer with pings.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (TOML, optional)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}
