package main

import (
	"fmt"

	"github.com/daviddao/deskbeads/internal/cache"
	"github.com/daviddao/deskbeads/internal/display"
	"github.com/daviddao/deskbeads/internal/types"
	"github.com/spf13/cobra"
)

var (
	statsBars  bool
	statsWidth int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ticket analytics",
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := ctrl.Summary(cmd.Context())
		offline := false
		if err != nil {
			e, ok := ctrl.Store().Peek(cache.SummaryKey)
			var last types.Summary
			if !ok || !e.HasData() || cache.Decode(e, &last) != nil {
				return fmt.Errorf("fetch summary: %w", err)
			}
			summary, offline = &last, true
			if !jsonOutput {
				display.ErrorMsg("backend unreachable, showing snapshot from %s", display.TimeAgo(e.FetchedAt))
			}
		}

		if jsonOutput {
			return writeJSON(cmd, struct {
				*types.Summary
				Offline bool `json:"offline,omitempty"`
			}{summary, offline})
		}

		display.Summary(cmd.OutOrStdout(), *summary, display.SummaryOptions{Bars: statsBars, Width: statsWidth})
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show backend health",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := ctrl.Health(cmd.Context())
		if err != nil {
			return fmt.Errorf("backend health: %w", err)
		}
		if jsonOutput {
			return writeJSON(cmd, h)
		}
		display.Health(cmd.OutOrStdout(), *h)
		return nil
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsBars, "bars", false, "Draw priority as bars instead of a ring")
	statsCmd.Flags().IntVar(&statsWidth, "width", 40, "Chart width in cells")
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(healthCmd)
}
