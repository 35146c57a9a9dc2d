package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/relay/internal/auth"
	"github.com/amurg-ai/relay/internal/config"
	"github.com/amurg-ai/relay/internal/store"
	"github.com/amurg-ai/relay/pkg/cli"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage relay accounts",
	}
	cmd.AddCommand(newAccountAddCmd())
	cmd.AddCommand(newAccountListCmd())
	return cmd
}

func newAccountAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create an account in the configured store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(cmd, nil))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}

			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
				password = p.AskPassword("Password")
			}

			db, err := store.New(cfg.Storage)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			tokens, err := auth.NewProvider(cfg.Auth)
			if err != nil {
				return err
			}
			user, err := auth.NewService(db, tokens).Signup(cmd.Context(), args[0], password)
			if errors.Is(err, auth.ErrAccountExists) {
				return fmt.Errorf("account %q already exists", args[0])
			}
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created account %s (user id %d)\n", user.Name, user.ID)
			return nil
		},
	}
	cmd.Flags().StringP("password", "p", "", "account password (prompted when omitted)")
	return cmd
}

func newAccountListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(cmd, nil))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			db, err := store.New(cfg.Storage)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			users, err := db.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			for _, u := range users {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), u.Name)
			}
			return nil
		},
	}
}
