package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cta-observatory/osa/internal/history"
	"github.com/cta-observatory/osa/internal/logger"
	"github.com/cta-observatory/osa/internal/models"
)

func newHistoryCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Write or decode sequence history files",
	}
	cmd.AddCommand(newHistoryAppendCommand())
	cmd.AddCommand(newHistoryLevelCommand(opts))
	return cmd
}

func newHistoryAppendCommand() *cobra.Command {
	var prodID, input, card string

	cmd := &cobra.Command{
		Use:   "append <history-file> <run> <stage> <exit-code>",
		Short: "Append one stage result to a history file",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode, err := strconv.Atoi(args[3])
			if err != nil {
				return fmt.Errorf("invalid exit code %q: %w", args[3], err)
			}
			rec := models.NewHistoryRecord(args[1], args[2], prodID, input, card, exitCode)
			return history.Append(args[0], rec)
		},
	}

	cmd.Flags().StringVar(&prodID, "prod-id", "", "production id the stage ran with")
	cmd.Flags().StringVar(&input, "input", "", "input file or new_calib")
	cmd.Flags().StringVar(&card, "card", "", "configuration card")
	return cmd
}

func newHistoryLevelCommand(opts *options) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "level <history-file>",
		Short: "Print the level processing would resume at",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			var k models.SequenceKind
			switch kind {
			case "data", "DATA":
				k = models.SequenceKindData
			case "pedcalib", "PEDCALIB":
				k = models.SequenceKindPedcalib
			default:
				return fmt.Errorf("unknown sequence kind %q", kind)
			}

			levels := history.NewStateMachine(cfg, logger.New(cfg))
			level, rc := levels.ResumeLevel(args[0], k)
			fmt.Printf("%d %d\n", level, rc)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "data", "sequence kind (data or pedcalib)")
	return cmd
}
