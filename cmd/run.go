package cmd

import (
	"fmt"
	"github.com/arcward/promptrelay/promptrelay"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Connects the bot to discord, and (optionally) starts the status API",
		// Execute prints the returned error
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			bot, err := promptrelay.New(cfg)
			// the log file is flushed and closed on every return path
			defer func() {
				if closeErr := bot.Close(); closeErr != nil && err == nil {
					err = fmt.Errorf("error closing bot: %w", closeErr)
				}
			}()
			if err != nil {
				return fmt.Errorf("error creating bot: %w", err)
			}

			if err = bot.Run(ctx); err != nil {
				return fmt.Errorf("error running bot: %w", err)
			}
			return nil
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
