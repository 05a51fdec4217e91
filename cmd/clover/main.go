package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:          "clover",
		Short:        "Contract sync engine for CRM and ERP integrations",
		SilenceUsage: true,
		Version:      version,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file read before the environment")

	root.AddCommand(
		newServeCommand(&envFile),
		newMigrateCommand(&envFile),
		newSyncCommand(&envFile),
		newRefreshCommand(&envFile),
	)
	return root
}
