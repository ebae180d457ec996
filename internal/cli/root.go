// Package cli provides the Cobra commands for the chanwire server.
package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"

	// Global flags
	debug bool
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "chanwire",
	Short: "Chanwire - broker-backed realtime channel fan-out",
	Long: `Chanwire multiplexes many realtime subscribers over a single broker
connection. It serves WebSocket clients and fans published messages out to
every subscriber of a topic, backed by standalone Redis, Redis Cluster or a
purely in-process channel.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		if debug {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug output")
}
