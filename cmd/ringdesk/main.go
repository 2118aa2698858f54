package main

import (
	"fmt"
	"os"

	_ "time/tzdata"

	"github.com/harunnryd/ringdesk/pkg/app"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "ringdesk",
		Short:         "Multi-tenant AI receptionist backend",
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")

	root.AddCommand(
		serveCmd(&configPath),
		migrateCmd(&configPath),
		callCmd(&configPath),
		adminCmd(&configPath),
	)
	return root
}
