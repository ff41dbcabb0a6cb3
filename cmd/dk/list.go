package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/daviddao/deskbeads/internal/cache"
	"github.com/daviddao/deskbeads/internal/display"
	"github.com/daviddao/deskbeads/internal/filter"
	"github.com/daviddao/deskbeads/internal/types"
	"github.com/spf13/cobra"
)

var (
	listPriority  string
	listSentiment string
	listStatus    string
	listDomain    string
	listCategory  string
	listSearch    string
	listFuzzy     bool
	listPage      int
	listPageSize  int
	listView      string
	listSave      string
)

type listOutput struct {
	Filters filter.State      `json:"filters"`
	Result  *types.ListResult `json:"result"`
	// Offline is set when the backend was unreachable and the result is the
	// last snapshot.
	Offline   bool      `json:"offline,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tickets matching the filters",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := ctrl.Filters()

		if listView != "" {
			if localDB == nil {
				return fmt.Errorf("saved views need the local database")
			}
			v, err := localDB.LoadView(cmd.Context(), listView)
			if err != nil {
				return err
			}
			var s filter.State
			if err := json.Unmarshal([]byte(v.Query), &s); err != nil {
				return fmt.Errorf("decode view %s: %w", listView, err)
			}
			f.Restore(s)
		}
		if err := applyListFlags(cmd, f); err != nil {
			return err
		}

		if listSave != "" {
			if localDB == nil {
				return fmt.Errorf("saved views need the local database")
			}
			data, err := json.Marshal(f.Snapshot())
			if err != nil {
				return fmt.Errorf("encode view: %w", err)
			}
			created, err := localDB.SaveView(cmd.Context(), listSave, string(data))
			if err != nil {
				return err
			}
			if !quietFlag && !jsonOutput {
				verb := "Updated"
				if created {
					verb = "Saved"
				}
				display.SuccessMsg("%s view %q", verb, listSave)
			}
		}

		res, entry, offline, err := readList(cmd)
		if err != nil {
			return err
		}
		// A page past the end snaps back to the first page once.
		if !offline && f.ObserveResult(entry.Key, res.Total) {
			if res, entry, offline, err = readList(cmd); err != nil {
				return err
			}
		}

		state := f.State()
		if jsonOutput {
			return writeJSON(cmd, listOutput{Filters: state, Result: res, Offline: offline, FetchedAt: entry.FetchedAt})
		}

		if offline {
			display.ErrorMsg("backend unreachable, showing snapshot from %s", display.TimeAgo(entry.FetchedAt))
		}
		display.TicketList(cmd.OutOrStdout(), *res, display.ListOptions{
			Page:     state.Page,
			PageSize: state.PageSize,
			Filters:  describeFilters(state),
		})
		return nil
	},
}

// readList reads the current list query, falling back to the last-known
// result when the backend cannot be reached.
func readList(cmd *cobra.Command) (*types.ListResult, cache.Entry, bool, error) {
	key := ctrl.Filters().Key()
	res, err := ctrl.List(cmd.Context())
	if err == nil {
		e, _ := ctrl.Store().Peek(key)
		return res, e, false, nil
	}
	e, ok := ctrl.Store().Peek(key)
	if !ok || !e.HasData() {
		return nil, e, false, fmt.Errorf("list tickets: %w", err)
	}
	var last types.ListResult
	if derr := cache.Decode(e, &last); derr != nil {
		return nil, e, false, fmt.Errorf("list tickets: %w", err)
	}
	return &last, e, true, nil
}

func applyListFlags(cmd *cobra.Command, f *filter.Machine) error {
	flags := cmd.Flags()
	if flags.Changed("page-size") {
		if err := f.SetPageSize(listPageSize); err != nil {
			return err
		}
	}
	if flags.Changed("priority") {
		if err := f.SetPriority(listPriority); err != nil {
			return err
		}
	}
	if flags.Changed("sentiment") {
		if err := f.SetSentiment(listSentiment); err != nil {
			return err
		}
	}
	if flags.Changed("status") {
		if err := f.SetStatus(listStatus); err != nil {
			return err
		}
	}
	if flags.Changed("domain") {
		f.SetDomain(listDomain)
	}
	if flags.Changed("category") {
		f.SetCategory(listCategory)
	}
	if flags.Changed("fuzzy") {
		f.SetFuzzy(listFuzzy)
	}
	if flags.Changed("search") {
		f.SetSearchInput(listSearch)
		f.FlushSearch()
	}
	// Page last: every other change resets it.
	if flags.Changed("page") {
		if err := f.SetPage(listPage - 1); err != nil {
			return fmt.Errorf("page must be 1 or more")
		}
	}
	return nil
}

// describeFilters renders the active filters as a compact summary.
func describeFilters(s filter.State) string {
	var parts []string
	add := func(name, v string) {
		if v != "" {
			parts = append(parts, name+"="+v)
		}
	}
	add("priority", s.Priority)
	add("sentiment", s.Sentiment)
	add("status", s.Status)
	add("domain", s.Domain)
	add("category", s.Category)
	if s.Search != "" {
		parts = append(parts, fmt.Sprintf("%q", s.Search))
	}
	if s.Fuzzy {
		parts = append(parts, "fuzzy")
	}
	return strings.Join(parts, " ")
}

func init() {
	listCmd.Flags().StringVarP(&listPriority, "priority", "p", "", "Filter by priority (Urgent, High, Normal, Low)")
	listCmd.Flags().StringVar(&listSentiment, "sentiment", "", "Filter by sentiment (Positive, Negative, Neutral)")
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (pending, responded, resolved)")
	listCmd.Flags().StringVar(&listDomain, "domain", "", "Filter by sender domain")
	listCmd.Flags().StringVar(&listCategory, "category", "", "Filter by category tag")
	listCmd.Flags().StringVarP(&listSearch, "search", "q", "", "Free-text search")
	listCmd.Flags().BoolVar(&listFuzzy, "fuzzy", false, "Fuzzy search matching")
	listCmd.Flags().IntVar(&listPage, "page", 1, "Page number, starting at 1")
	listCmd.Flags().IntVar(&listPageSize, "page-size", filter.DefaultPageSize, "Tickets per page")
	listCmd.Flags().StringVar(&listView, "view", "", "Start from a saved view")
	listCmd.Flags().StringVar(&listSave, "save", "", "Save the resulting filters as a named view")
	rootCmd.AddCommand(listCmd)
}
