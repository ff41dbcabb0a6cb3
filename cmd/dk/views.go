package main

import (
	"encoding/json"
	"fmt"

	"github.com/daviddao/deskbeads/internal/db"
	"github.com/daviddao/deskbeads/internal/display"
	"github.com/daviddao/deskbeads/internal/filter"
	"github.com/daviddao/deskbeads/internal/metrics"
	"github.com/spf13/cobra"
)

var historyLimit int

func requireDB() error {
	if localDB == nil {
		return fmt.Errorf("local database unavailable (see --config snapshot.path)")
	}
	return nil
}

var viewsCmd = &cobra.Command{
	Use:   "views",
	Short: "List saved filter views",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDB(); err != nil {
			return err
		}
		views, err := localDB.ListViews(cmd.Context())
		if err != nil {
			return fmt.Errorf("list views: %w", err)
		}
		if jsonOutput {
			if views == nil {
				views = []*db.View{}
			}
			return writeJSON(cmd, views)
		}
		if len(views) == 0 {
			fmt.Println("No saved views. Save one with 'dk list ... --save NAME'.")
			return nil
		}
		for _, v := range views {
			var s filter.State
			desc := v.Query
			if err := json.Unmarshal([]byte(v.Query), &s); err == nil {
				desc = describeFilters(s)
				if desc == "" {
					desc = "(no filters)"
				}
			}
			changed := v.UpdatedAt
			if changed == "" {
				changed = v.CreatedAt
			}
			fmt.Printf("  %-16s %s  %s\n", display.Bold.Render(v.Name), desc, display.Dim.Render(display.TimeAgoString(changed)))
		}
		return nil
	},
}

var viewsRmCmd = &cobra.Command{
	Use:   "rm NAME [NAME...]",
	Short: "Delete saved views",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDB(); err != nil {
			return err
		}
		for _, name := range args {
			if err := localDB.DeleteView(cmd.Context(), name); err != nil {
				display.ErrorMsg("%v", err)
				continue
			}
			display.SuccessMsg("Deleted view %q", name)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [ID]",
	Short: "Show actions taken from this machine",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDB(); err != nil {
			return err
		}
		var id int64
		if len(args) == 1 {
			var err error
			if id, err = parseID(args[0]); err != nil {
				return err
			}
		}
		entries, err := localDB.Journal(cmd.Context(), id, historyLimit)
		if err != nil {
			return fmt.Errorf("read journal: %w", err)
		}
		if jsonOutput {
			if entries == nil {
				entries = []*db.JournalEntry{}
			}
			return writeJSON(cmd, entries)
		}
		if len(entries) == 0 {
			fmt.Println("No actions recorded.")
			return nil
		}
		for _, e := range entries {
			mark := display.Success.Render("✓")
			switch e.Outcome {
			case metrics.OutcomeSkipped:
				mark = display.Warn.Render("–")
			case metrics.OutcomeError:
				mark = display.ErrStyle.Render("✗")
			}
			line := fmt.Sprintf("  %s %-10s #%-6d %s", mark, e.Action, e.TicketID, display.Dim.Render(display.TimeAgoString(e.CreatedAt)))
			if e.Detail != "" {
				line += "  " + display.Muted.Render(display.Truncate(e.Detail, 70))
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum entries (0 for all)")
	viewsCmd.AddCommand(viewsRmCmd)
	rootCmd.AddCommand(viewsCmd)
	rootCmd.AddCommand(historyCmd)
}
