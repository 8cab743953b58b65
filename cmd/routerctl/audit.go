package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/V4T54L/invoice-router/internal/domain"
)

func auditCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit ledger",
	}
	cmd.AddCommand(auditListCmd(flags), auditShowCmd(flags))
	return cmd
}

func auditListCmd(flags *globalFlags) *cobra.Command {
	var filter domain.AuditFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := connect(cmd, flags, true, false)
			if err != nil {
				return err
			}
			defer e.Close()

			filter.Status = domain.AuditStatus(status)
			records, err := e.adminUseCase().QueryAudit(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if e.json {
				return e.printJSON(records)
			}
			tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TRANSACTION\tPERIOD\tSTATUS\tCOUNTERPARTY\tRECEIVED")
			for _, r := range records {
				cp := "-"
				if r.CounterpartyID != nil {
					cp = *r.CounterpartyID
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.TransactionID, r.Period, r.Status, cp, r.ReceivedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&filter.Period, "period", "", "Period (YYYY-MM)")
	cmd.Flags().StringVar(&status, "status", "", "Status (pending, processed, unmatched, error)")
	cmd.Flags().StringVar(&filter.CounterpartyID, "counterparty", "", "Counterparty identifier")
	cmd.Flags().StringVar(&filter.After, "after", "", "Page after this transaction id")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 100, "Maximum results")
	return cmd
}

func auditShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show [transaction-id]",
		Short: "Show one audit record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := connect(cmd, flags, true, false)
			if err != nil {
				return err
			}
			defer e.Close()

			rec, err := e.adminUseCase().GetAudit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return e.printJSON(rec)
		},
	}
}
