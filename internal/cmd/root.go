// Package cmd holds the arena command line.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/arena/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "arena",
	Short: "Real-time debate room server",
	Long: `Arena pairs participants who join the same topic into timed debate
rooms, relays their messages through an analysis service and reports a
final score when the debate ends.

Running arena without a subcommand starts the server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./arena.yaml or /etc/arena/arena.yaml)")
}

// initErr is reported by the command that needs the configuration, so
// --help still works with a broken config file.
var initErr error

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	initErr = config.Init(cfgFile)
}

func loadConfig() (*config.Config, error) {
	if initErr != nil {
		return nil, initErr
	}
	return config.Load()
}
