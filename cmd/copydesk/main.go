package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "copydesk",
	Short: "Copydesk team content calendar server",
	Long:  "Copydesk is the backend for a team content calendar: invite-based accounts, session and SSO authentication, admin user management, and a persistent login rate limiter, all on top of Postgres.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/copydesk.yaml)")
}

// configPath resolves the --config flag, falling back to the conventional
// location when the file exists there.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	const fallback = "configs/copydesk.yaml"
	if _, err := os.Stat(fallback); err == nil {
		return fallback
	}
	return ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
