package main

import (
	"encoding/json"

	"github.com/AlvaroZev/rimont-inbox/deadletter"
	"github.com/spf13/cobra"
)

func newDeadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect payloads that failed to persist",
	}
	cmd.AddCommand(newDeadLetterListCmd(), newDeadLetterDeleteCmd())
	return cmd
}

func newDeadLetterListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the newest dead letters as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			l, err := deadletter.Open(cfg.DeadLetterPath)
			if err != nil {
				return err
			}
			defer l.Close()

			entries, err := l.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	return cmd
}

func newDeadLetterDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a dead letter once it has been replayed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			l, err := deadletter.Open(cfg.DeadLetterPath)
			if err != nil {
				return err
			}
			defer l.Close()
			if err := l.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			log.WithField("id", args[0]).Info("dead letter removed")
			return nil
		},
	}
}
