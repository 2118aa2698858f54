package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/ringdesk/pkg/app"
	"github.com/harunnryd/ringdesk/pkg/config"
	"github.com/harunnryd/ringdesk/pkg/logging"
	"github.com/harunnryd/ringdesk/pkg/runner"
	"github.com/spf13/cobra"
)

func serveCmd(configPath *string) *cobra.Command {
	var noBanner bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhooks and summary workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			log := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			runCtx, err := a.Start(ctx)
			if err != nil {
				_ = a.Drain()
				return err
			}
			opts := runner.Options{DrainTimeout: cfg.Server.ShutdownTimeout(), Version: app.Version}
			if !noBanner {
				opts.Banner = cmd.OutOrStdout()
			}
			r := runner.NewLifecycleRunner(a, runner.Hooks{
				OnStart: func() { log.Info("ringdesk_running", "addr", cfg.Server.Addr) },
				OnStop:  func() { log.Info("ringdesk_drained") },
			}, opts)
			return r.Run(runCtx)
		},
	}
	cmd.Flags().BoolVar(&noBanner, "no-banner", false, "skip the startup banner")
	return cmd
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			cmd.Printf("database ready at %s\n", cfg.Database.Path)
			return nil
		},
	}
}
