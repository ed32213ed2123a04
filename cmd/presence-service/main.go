package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X main.Version=..."
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "presence-service",
	Short: "Presence cache and live subscription service",
	Long: `presence-service absorbs user and presence events from an upstream gateway,
caches the latest state per user and serves it over HTTP and websocket
subscriptions. Without a subcommand it runs serve.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("presence-service %s\n", Version)
	},
}

func init() {
	addServeFlags(rootCmd)
	addServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
