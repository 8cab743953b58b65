package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/V4T54L/invoice-router/internal/adapter/repository/postgres"
)

func apikeyCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage operator API keys",
	}

	var ttl time.Duration
	create := &cobra.Command{
		Use:   "create [name]",
		Short: "Create an API key for the admin HTTP surface",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := connect(cmd, flags, true, false)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := postgres.Migrate(cmd.Context(), e.db); err != nil {
				return err
			}

			key, err := postgres.NewAPIKeyRepository(e.db, e.logger, 0, nil).Create(cmd.Context(), args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, key)
			fmt.Fprintln(cmd.ErrOrStderr(), "store this key now; only its hash is kept")
			return nil
		},
	}
	create.Flags().DurationVar(&ttl, "ttl", 0, "Expiry (0 never expires)")
	cmd.AddCommand(create)
	return cmd
}
