package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func poisonCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poison",
		Short: "Inspect and replay poisoned queue entries",
	}
	cmd.AddCommand(poisonListCmd(flags), poisonReplayCmd(flags))
	return cmd
}

func poisonListCmd(flags *globalFlags) *cobra.Command {
	var count int64
	cmd := &cobra.Command{
		Use:   "list [stage]",
		Short: "List poisoned entries of a stage (extract, route, notify)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := connect(cmd, flags, false, true)
			if err != nil {
				return err
			}
			defer e.Close()

			entries, err := e.adminUseCase().ListPoison(cmd.Context(), args[0], count)
			if err != nil {
				return err
			}
			if e.json {
				return e.printJSON(entries)
			}
			tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTRANSACTION\tATTEMPT\tFAILED\tREASON")
			for _, p := range entries {
				reason := strings.ReplaceAll(p.Reason, "\n", " ")
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", p.ID, p.Envelope.TransactionID, p.Envelope.Attempt, p.FailedAt.Format("2006-01-02 15:04:05"), reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int64VarP(&count, "count", "n", 100, "Maximum entries")
	return cmd
}

func poisonReplayCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "replay [stage] [id]",
		Short: "Put a poisoned entry back on its queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := connect(cmd, flags, true, true)
			if err != nil {
				return err
			}
			defer e.Close()

			entry, err := e.adminUseCase().ReplayPoison(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "replayed %s (transaction %s)\n", entry.ID, entry.Envelope.TransactionID)
			return nil
		},
	}
}

func queueCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "queue [stage]",
		Short: "Show consumer groups and leased entries of a stage queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := connect(cmd, flags, false, true)
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.adminUseCase().QueueInfo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if e.json {
				return e.printJSON(report)
			}
			fmt.Fprintf(e.out, "Stream: %s\n\n", report.Stream)
			tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "GROUP\tCONSUMERS\tPENDING\tLAG")
			for _, g := range report.Groups {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", g.Name, g.Consumers, g.Pending, g.Lag)
			}
			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "ENTRY\tCONSUMER\tIDLE\tDELIVERIES")
			for _, p := range report.Pending {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", p.ID, p.Consumer, p.IdleTime.Round(time.Second), p.RetryCount)
			}
			return tw.Flush()
		},
	}
}
