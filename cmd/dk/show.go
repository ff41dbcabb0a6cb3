package main

import (
	"fmt"

	"github.com/daviddao/deskbeads/internal/display"
	"github.com/spf13/cobra"
)

var (
	showNoBody bool
	showLines  int
)

var showCmd = &cobra.Command{
	Use:   "show ID [ID...]",
	Short: "Display ticket detail with the AI draft and allowed actions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		tickets, err := ctrl.Tickets(cmd.Context(), ids...)
		if err != nil {
			return fmt.Errorf("fetch tickets: %w", err)
		}

		if jsonOutput {
			if len(tickets) == 1 {
				return writeJSON(cmd, tickets[0])
			}
			return writeJSON(cmd, tickets)
		}

		w := cmd.OutOrStdout()
		for i, t := range tickets {
			if i > 0 {
				fmt.Fprintln(w, display.Muted.Render("────"))
			}
			if showNoBody {
				t.Body = ""
			}
			display.TicketDetail(w, t, display.DetailOptions{MaxBodyLines: showLines})
		}
		return nil
	},
}

func init() {
	showCmd.Flags().BoolVar(&showNoBody, "no-body", false, "Hide ticket bodies")
	showCmd.Flags().IntVar(&showLines, "lines", 12, "Maximum body lines (0 for all)")
	rootCmd.AddCommand(showCmd)
}
