package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/daviddao/deskbeads/internal/actions"
	"github.com/daviddao/deskbeads/internal/desk"
	"github.com/daviddao/deskbeads/internal/display"
	"github.com/daviddao/deskbeads/internal/types"
	"github.com/spf13/cobra"
)

var (
	editText     string
	editFile     string
	regenWait    bool
	regenTimeout time.Duration
)

var pastTense = map[string]string{
	actions.ActionEdit:    "Edited",
	actions.ActionApprove: "Approved",
	actions.ActionSend:    "Sent",
	actions.ActionResolve: "Resolved",
}

// runAction performs one mutation and reports it. Guard refusals are
// reported as no-ops, not failures.
func runAction(cmd *cobra.Command, action string, id int64, do func(context.Context, int64) (*types.Ticket, error)) error {
	t, err := do(cmd.Context(), id)
	record(cmd.Context(), id, action, err)

	switch {
	case errors.Is(err, actions.ErrNotAllowed), errors.Is(err, actions.ErrPending):
		if !quietFlag {
			display.NoticeMsg("#%d: nothing to do (%v)", id, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("%w (nothing was changed; retry when the backend is reachable)", err)
	}

	if jsonOutput {
		return writeJSON(cmd, t)
	}
	if !quietFlag {
		display.SuccessMsg("%s #%d → %s", pastTense[action], id, t.Status)
	}
	return nil
}

// batchAction runs action over every ID argument, continuing past failures.
func batchAction(action string, do func(context.Context, int64) (*types.Ticket, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		failed := 0
		for _, id := range ids {
			if err := runAction(cmd, action, id, do); err != nil {
				display.ErrorMsg("%s #%d: %v", action, id, err)
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%s failed for %d of %d tickets", action, failed, len(ids))
		}
		return nil
	}
}

var approveCmd = &cobra.Command{
	Use:   "approve ID [ID...]",
	Short: "Approve the AI draft of pending tickets",
	Args:  cobra.MinimumNArgs(1),
	RunE: batchAction(actions.ActionApprove, func(ctx context.Context, id int64) (*types.Ticket, error) {
		return ctrl.Actions().Approve(ctx, id)
	}),
}

var sendCmd = &cobra.Command{
	Use:   "send ID [ID...]",
	Short: "Send the current draft to the customer",
	Args:  cobra.MinimumNArgs(1),
	RunE: batchAction(actions.ActionSend, func(ctx context.Context, id int64) (*types.Ticket, error) {
		return ctrl.Actions().Send(ctx, id)
	}),
}

var resolveCmd = &cobra.Command{
	Use:   "resolve ID [ID...]",
	Short: "Mark tickets as resolved",
	Args:  cobra.MinimumNArgs(1),
	RunE: batchAction(actions.ActionResolve, func(ctx context.Context, id int64) (*types.Ticket, error) {
		return ctrl.Actions().Resolve(ctx, id)
	}),
}

var editCmd = &cobra.Command{
	Use:   "edit ID",
	Short: "Replace the draft response of a ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		text := editText
		if editFile != "" {
			var data []byte
			if editFile == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(editFile)
			}
			if err != nil {
				return fmt.Errorf("read draft: %w", err)
			}
			text = string(data)
		}
		return runAction(cmd, actions.ActionEdit, id, func(ctx context.Context, id int64) (*types.Ticket, error) {
			return ctrl.Actions().EditResponse(ctx, id, text)
		})
	},
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate ID",
	Short: "Ask the backend for a new AI draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		var previous string
		if regenWait {
			if t, err := ctrl.Ticket(ctx, id); err == nil {
				previous = t.Draft()
			}
		}

		res, err := ctrl.Actions().Regenerate(ctx, id)
		record(ctx, id, actions.ActionRegenerate, err)
		switch {
		case errors.Is(err, actions.ErrPending):
			display.NoticeMsg("#%d: nothing to do (%v)", id, err)
			return nil
		case err != nil:
			return fmt.Errorf("%w (the current draft is unchanged)", err)
		}

		t := res.Ticket
		if res.Deferred {
			if !regenWait {
				if jsonOutput {
					return writeJSON(cmd, map[string]any{"ticket": t, "deferred": true})
				}
				display.NoticeMsg("#%d: draft queued; run 'dk show %d' shortly", id, id)
				return nil
			}
			if t, err = waitForDraft(ctx, id, previous, regenTimeout); err != nil {
				return err
			}
		}

		if jsonOutput {
			return writeJSON(cmd, t)
		}
		if !quietFlag {
			display.SuccessMsg("New draft for #%d", id)
			display.TicketDetail(cmd.OutOrStdout(), t, display.DetailOptions{MaxBodyLines: 4})
		}
		return nil
	},
}

// waitForDraft watches the ticket until a draft other than previous shows
// up. The change stream and the scheduled reconciliation both refresh it.
func waitForDraft(ctx context.Context, id int64, previous string, timeout time.Duration) (*types.Ticket, error) {
	if !quietFlag && !jsonOutput {
		display.SubHeader(os.Stdout, fmt.Sprintf("Waiting up to %s for the queued draft…", timeout))
	}
	got := make(chan *types.Ticket, 1)
	cancel := ctrl.WatchDetail(id, func(v desk.DetailView) {
		if v.Ticket == nil || !v.Ticket.HasDraft() || v.Ticket.Draft() == previous {
			return
		}
		select {
		case got <- v.Ticket:
		default:
		}
	})
	defer cancel()

	ctx, stop := context.WithTimeout(ctx, timeout)
	defer stop()
	select {
	case t := <-got:
		return t, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("no new draft for #%d after %s; check again with 'dk show %d'", id, timeout, id)
	}
}

func init() {
	editCmd.Flags().StringVar(&editText, "text", "", "New draft text")
	editCmd.Flags().StringVar(&editFile, "file", "", "Read the draft from a file (- for stdin)")
	regenerateCmd.Flags().BoolVar(&regenWait, "wait", false, "Wait for a queued draft to arrive")
	regenerateCmd.Flags().DurationVar(&regenTimeout, "timeout", 30*time.Second, "How long --wait waits")

	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(regenerateCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(resolveCmd)
}
