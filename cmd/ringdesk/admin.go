package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/harunnryd/ringdesk/pkg/auth"
	"github.com/harunnryd/ringdesk/pkg/config"
	"github.com/harunnryd/ringdesk/pkg/store"
	"github.com/spf13/cobra"
)

func openStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	return store.Open(ctx, cfg.Database.Path)
}

func adminCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Platform administration",
	}
	cmd.AddCommand(createAdminCmd(configPath))
	return cmd
}

func createAdminCmd(configPath *string) *cobra.Command {
	var email, password, name string
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a platform admin account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !strings.Contains(email, "@") {
				return fmt.Errorf("--email must be a valid address")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			u := &store.User{Email: email, Name: strings.TrimSpace(name), PasswordHash: hash, Role: store.RoleAdmin}
			if err := st.CreateUser(cmd.Context(), u); err != nil {
				return fmt.Errorf("create admin: %w", err)
			}
			cmd.Printf("admin %s created (id %s)\n", u.Email, u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "admin email")
	cmd.Flags().StringVar(&password, "password", "", "admin password")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}
