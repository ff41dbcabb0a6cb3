package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/daviddao/deskbeads/internal/actions"
	"github.com/daviddao/deskbeads/internal/cache"
	"github.com/daviddao/deskbeads/internal/desk"
	"github.com/daviddao/deskbeads/internal/display"
	"github.com/daviddao/deskbeads/internal/types"
)

const dashboardHelp = "/TEXT search · p|s|t|d|c VALUE filter (- clears) · f fuzzy · n/b page · r refresh · " +
	"o ID open · a approve · S send · x resolve · g regenerate · e TEXT edit · q quit"

// dashboard keeps the latest state of each mounted panel and redraws when
// any of them changes. Panels only ever read what the controller delivers.
type dashboard struct {
	ctx   context.Context
	ctrl  *desk.Controller
	out   io.Writer
	clear bool
	bars  bool
	lines int

	mu          sync.Mutex
	list        desk.ListView
	summary     desk.SummaryView
	detail      *desk.DetailView
	detailID    int64
	closeDetail func()
	status      string

	dirty chan struct{}
	work  sync.WaitGroup
}

func newDashboard(ctx context.Context, c *desk.Controller, out io.Writer) *dashboard {
	return &dashboard{
		ctx:   ctx,
		ctrl:  c,
		out:   out,
		lines: 8,
		dirty: make(chan struct{}, 1),
	}
}

func (d *dashboard) poke() {
	select {
	case d.dirty <- struct{}{}:
	default:
	}
}

func (d *dashboard) setStatus(format string, args ...any) {
	d.mu.Lock()
	d.status = fmt.Sprintf(format, args...)
	d.mu.Unlock()
	d.poke()
}

// mount attaches the list and analytics panels.
func (d *dashboard) mount() (unmount func()) {
	stopList := d.ctrl.WatchList(func(v desk.ListView) {
		d.mu.Lock()
		d.list = v
		d.mu.Unlock()
		d.poke()
	})
	stopSummary := d.ctrl.WatchSummary(func(v desk.SummaryView) {
		d.mu.Lock()
		d.summary = v
		d.mu.Unlock()
		d.poke()
	})
	return func() {
		d.open(0)
		stopSummary()
		stopList()
	}
}

// open switches the detail panel to ticket id; 0 closes it.
func (d *dashboard) open(id int64) {
	d.mu.Lock()
	prev := d.closeDetail
	d.closeDetail, d.detail, d.detailID = nil, nil, id
	d.mu.Unlock()
	if prev != nil {
		prev()
	}
	if id == 0 {
		d.poke()
		return
	}

	cancel := d.ctrl.WatchDetail(id, func(v desk.DetailView) {
		d.mu.Lock()
		if d.detailID == id {
			d.detail = &v
		}
		d.mu.Unlock()
		d.poke()
	})

	d.mu.Lock()
	if d.detailID == id && d.closeDetail == nil {
		d.closeDetail = cancel
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	cancel()
}

// wait blocks until in-flight actions finish.
func (d *dashboard) wait() { d.work.Wait() }

// parseCommand splits an input line into a verb and its argument. A
// leading "/" is the search verb and keeps the rest of the line verbatim.
func parseCommand(line string) (verb, arg string) {
	line = strings.TrimSpace(line)
	if rest, ok := strings.CutPrefix(line, "/"); ok {
		return "/", rest
	}
	verb, arg, _ = strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	if arg == "-" {
		arg = ""
	}
	return verb, arg
}

// canonical maps v onto the matching member of set, ignoring case.
func canonical(v string, set []string) string {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return s
		}
	}
	return v
}

// handle applies one input line and reports whether the operator quit.
func (d *dashboard) handle(line string) (quit bool) {
	f := d.ctrl.Filters()
	verb, arg := parseCommand(line)

	var err error
	switch verb {
	case "":
		d.poke()
	case "/":
		f.SetSearchInput(arg)
	case "p":
		err = f.SetPriority(canonical(arg, types.ValidPriorities))
	case "s":
		err = f.SetSentiment(canonical(arg, types.ValidSentiments))
	case "t":
		err = f.SetStatus(strings.ToLower(arg))
	case "d":
		f.SetDomain(arg)
	case "c":
		f.SetCategory(arg)
	case "f":
		f.SetFuzzy(!f.State().Fuzzy)
	case "n":
		f.NextPage()
	case "b":
		f.PrevPage()
	case "r":
		d.ctrl.Refresh()
		d.setStatus("refreshing")
	case "o":
		var id int64
		if arg != "" {
			if id, err = parseID(arg); err != nil {
				break
			}
		}
		d.open(id)
	case "a", "S", "x", "g", "e":
		d.act(verb, arg)
	case "q", "quit", "exit":
		return true
	case "?", "h", "help":
		d.setStatus("%s", dashboardHelp)
	default:
		err = fmt.Errorf("unknown command %q (? for help)", verb)
	}
	if err != nil {
		d.setStatus("%v", err)
	}
	return false
}

// act runs an action on the open ticket without blocking input.
func (d *dashboard) act(verb, arg string) {
	d.mu.Lock()
	id := d.detailID
	d.mu.Unlock()
	if id == 0 {
		d.setStatus("open a ticket first (o ID)")
		return
	}

	orch := d.ctrl.Actions()
	var (
		action string
		run    func(context.Context) error
	)
	wrap := func(fn func(context.Context, int64) (*types.Ticket, error)) func(context.Context) error {
		return func(ctx context.Context) error {
			_, err := fn(ctx, id)
			return err
		}
	}
	switch verb {
	case "a":
		action, run = actions.ActionApprove, wrap(orch.Approve)
	case "S":
		action, run = actions.ActionSend, wrap(orch.Send)
	case "x":
		action, run = actions.ActionResolve, wrap(orch.Resolve)
	case "e":
		action = actions.ActionEdit
		run = wrap(func(ctx context.Context, id int64) (*types.Ticket, error) {
			return orch.EditResponse(ctx, id, arg)
		})
	case "g":
		action = actions.ActionRegenerate
		run = func(ctx context.Context) error {
			res, err := orch.Regenerate(ctx, id)
			if err == nil && res.Deferred {
				d.setStatus("#%d: draft queued, it will appear when ready", id)
			}
			return err
		}
	}

	d.setStatus("%s #%d…", action, id)
	d.work.Go(func() {
		err := run(d.ctx)
		record(context.WithoutCancel(d.ctx), id, action, err)
		switch {
		case errors.Is(err, actions.ErrNotAllowed), errors.Is(err, actions.ErrPending):
			d.setStatus("#%d: nothing to do (%v)", id, err)
		case err != nil:
			d.setStatus("%s #%d failed: %v", action, id, err)
		case action != actions.ActionRegenerate || !orch.Reconciling(id):
			d.setStatus("%s #%d done", action, id)
		}
	})
}

// render draws every panel in one write.
func (d *dashboard) render() {
	d.mu.Lock()
	list, summary, status, id := d.list, d.summary, d.status, d.detailID
	var detail *desk.DetailView
	if d.detail != nil {
		v := *d.detail
		detail = &v
	}
	d.mu.Unlock()

	var b bytes.Buffer
	if d.clear {
		b.WriteString("\033[H\033[2J")
	}

	switch {
	case summary.Summary != nil:
		display.Summary(&b, *summary.Summary, display.SummaryOptions{Bars: d.bars, Width: 30})
	case summary.Entry.Status == cache.StatusError:
		fmt.Fprintf(&b, "%s %v\n", display.ErrStyle.Render("analytics unavailable:"), summary.Entry.Err)
	default:
		display.SubHeader(&b, "Analytics loading…")
	}
	fmt.Fprintln(&b)

	state := d.ctrl.Filters().State()
	switch {
	case list.Result != nil:
		display.TicketList(&b, *list.Result, display.ListOptions{
			Page:       state.Page,
			PageSize:   state.PageSize,
			Refreshing: list.Previous || list.Entry.Status == cache.StatusLoading,
			Filters:    describeFilters(state),
		})
		if list.Entry.Status == cache.StatusError {
			fmt.Fprintf(&b, "%s %v\n", display.ErrStyle.Render("  refresh failed, showing last data:"), list.Entry.Err)
		}
	case list.Entry.Status == cache.StatusError:
		fmt.Fprintf(&b, "%s %v\n", display.ErrStyle.Render("tickets unavailable:"), list.Entry.Err)
	default:
		display.SubHeader(&b, "Tickets loading…")
	}

	if id != 0 {
		fmt.Fprintln(&b)
		switch {
		case detail != nil && detail.Ticket != nil:
			display.TicketDetail(&b, detail.Ticket, display.DetailOptions{
				Regenerating: d.ctrl.Actions().Regenerating(id),
				Reconciling:  d.ctrl.Actions().Reconciling(id),
				MaxBodyLines: d.lines,
			})
		case detail != nil && detail.Entry.Status == cache.StatusError:
			fmt.Fprintf(&b, "%s %v\n", display.ErrStyle.Render(fmt.Sprintf("#%d unavailable:", id)), detail.Entry.Err)
		default:
			display.SubHeader(&b, "#"+strconv.FormatInt(id, 10)+" loading…")
		}
	}

	fmt.Fprintln(&b)
	line := display.Muted.Render("stream " + string(d.ctrl.StreamState()))
	if input := d.ctrl.Filters().SearchInput(); input != state.Search {
		line += "  " + display.Dim.Render(fmt.Sprintf("search %q pending", input))
	}
	if status != "" {
		line += "  " + status
	}
	fmt.Fprintln(&b, line)
	b.WriteString("> ")

	d.out.Write(b.Bytes())
}
