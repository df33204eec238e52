package cmd

import (
	"fmt"
	"github.com/arcward/promptrelay/promptrelay"
	"github.com/spf13/cobra"
	"log"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the question audit database, or migrate an existing one",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable PR_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable PR_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		db, err := promptrelay.CreateDB(
			ctx,
			cfg.DatabaseType,
			cfg.Database,
			nil,
			cfg.DatabaseSlowThreshold,
		)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		defer func() {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		}()

		var questions int64
		if err = db.Model(&promptrelay.QuestionLog{}).Count(&questions).Error; err != nil {
			log.Fatalf("Error counting questions: %v", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Database ready (%s): %d questions recorded\n", cfg.DatabaseType, questions)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
