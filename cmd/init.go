package cmd

import (
	"fmt"
	"github.com/arcward/chatscope/chatscope"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database tables/collections and indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			return fmt.Errorf(
				"%s_DATABASE_TYPE not set (must be one of: mongo, sqlite, postgres)",
				chatscope.DefaultEnvPrefix,
			)
		}
		if cfg.Database == "" {
			return fmt.Errorf(
				"%s_DATABASE not set (must be a MongoDB URI, a postgres DSN, "+
					"or a sqlite file path)",
				chatscope.DefaultEnvPrefix,
			)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Initializing %s database...\n", cfg.DatabaseType)
		if err := chatscope.InitDatabase(ctx, cfg, nil); err != nil {
			return err
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
