// Package cmd holds the mill command line.
package cmd

import (
	"github.com/spf13/cobra"
)

// build is set at link time.
var build = "develop"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mill",
	Short: "Schedules storage audit work for tenant accounts",
	Long: `mill runs the background services of the storage auditing platform:
a looping producer that periodically fans bit-integrity work out onto the
task queue, and a listener manager that keeps one set of storage-change
consumers running per tenant subdomain.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); MILL_* environment variables override it")
	rootCmd.AddCommand(producerCmd, listenersCmd)
}
