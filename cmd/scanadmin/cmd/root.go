// Package cmd implements the scanadmin CLI commands.
package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	version string

	// Global flags
	flagAPIURL  string
	flagOwner   string
	flagOutput  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "scanadmin",
	Short: "SiteGuard scan administration CLI",
	Long: `scanadmin is a CLI for operating the SiteGuard scan platform.

It starts scans, inspects their progress and findings, and shows
aggregate statistics, all through the HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the CLI version from build flags.
func SetVersion(v string) {
	version = v
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("scanadmin %s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&flagAPIURL, "api-url", "", "Override API URL (env: SITEGUARD_API_URL)")
	rootCmd.PersistentFlags().StringVar(&flagOwner, "owner", "", "Owner ID to operate as (env: SITEGUARD_OWNER_ID)")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(statsCmd)
}

func initConfig() {
	if flagAPIURL == "" {
		flagAPIURL = os.Getenv("SITEGUARD_API_URL")
	}
	if flagOwner == "" {
		flagOwner = os.Getenv("SITEGUARD_OWNER_ID")
	}
}

func mustClient() *Client {
	if flagAPIURL == "" {
		fmt.Fprintln(os.Stderr, "Error: API URL not configured. Use --api-url or SITEGUARD_API_URL")
		os.Exit(1)
	}
	return NewClient(flagAPIURL, flagVerbose)
}

func mustOwner() string {
	if flagOwner == "" {
		fmt.Fprintln(os.Stderr, "Error: owner not configured. Use --owner or SITEGUARD_OWNER_ID")
		os.Exit(1)
	}
	return flagOwner
}
