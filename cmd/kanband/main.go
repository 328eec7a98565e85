package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	handler "task-sync-backend/api"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "kanband",
		Short:   "kanband - task board sync daemon",
		Version: Version,
	}
	handler.Version = Version

	rootCmd.PersistentFlags().String("env-dir", ".", "directory holding .env.local / .env.production")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(relayCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
