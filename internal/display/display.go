// Package display provides terminal formatting for deskbeads output.
package display

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/daviddao/deskbeads/internal/actions"
	"github.com/daviddao/deskbeads/internal/types"
)

var (
	// Styles
	Muted    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	Dim      = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	Bold     = lipgloss.NewStyle().Bold(true)
	Success  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	Warn     = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))

	UrgentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))
	HighStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ea580c"))
	NormalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	LowStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))

	PendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	RespondedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#2563eb"))
	ResolvedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
)

// PriorityOrder is the display order of priorities, most urgent first.
var PriorityOrder = []string{
	types.PriorityUrgent, types.PriorityHigh, types.PriorityNormal,
	types.PriorityLow, types.PriorityNotUrgent,
}

// SentimentOrder is the display order of sentiments.
var SentimentOrder = []string{types.SentimentNegative, types.SentimentNeutral, types.SentimentPositive}

func priorityStyle(priority string) lipgloss.Style {
	switch priority {
	case types.PriorityUrgent:
		return UrgentStyle
	case types.PriorityHigh:
		return HighStyle
	case types.PriorityNormal:
		return NormalStyle
	case types.PriorityLow, types.PriorityNotUrgent:
		return LowStyle
	default:
		return Dim
	}
}

// priorityGlyph fills one ring or bar cell; the glyphs stay distinct
// without color.
func priorityGlyph(priority string) string {
	switch priority {
	case types.PriorityUrgent:
		return "█"
	case types.PriorityHigh:
		return "▓"
	case types.PriorityNormal:
		return "▒"
	case types.PriorityLow:
		return "░"
	default:
		return "·"
	}
}

// PriorityDot returns a colored dot for a priority level.
func PriorityDot(priority string) string {
	switch priority {
	case types.PriorityUrgent, types.PriorityHigh:
		return priorityStyle(priority).Render("●")
	case types.PriorityNormal, types.PriorityLow:
		return priorityStyle(priority).Render("○")
	case types.PriorityNotUrgent:
		return LowStyle.Render("◌")
	default:
		return Dim.Render("·")
	}
}

// PriorityLabel returns a styled priority label.
func PriorityLabel(priority string) string {
	label := fmt.Sprintf("%-10s", strings.ToUpper(priority))
	return priorityStyle(priority).Render(label)
}

// SentimentMark returns a one-character sentiment indicator.
func SentimentMark(sentiment string) string {
	switch sentiment {
	case types.SentimentNegative:
		return ErrStyle.Render("-")
	case types.SentimentPositive:
		return Success.Render("+")
	case types.SentimentNeutral:
		return Dim.Render("~")
	default:
		return Dim.Render(" ")
	}
}

// StatusBadge returns a styled, fixed-width status label.
func StatusBadge(status string) string {
	label := fmt.Sprintf("%-9s", status)
	switch status {
	case types.StatusPending:
		return PendingStyle.Render(label)
	case types.StatusResponded:
		return RespondedStyle.Render(label)
	case types.StatusResolved:
		return ResolvedStyle.Render(label)
	default:
		return Dim.Render(label)
	}
}

// OrgLabel returns a short label for a sender address.
// Derives the label from the domain (e.g., "Ann <ann@acme.com>" -> "acme").
func OrgLabel(sender string) string {
	addr := sender
	if lt := strings.LastIndex(addr, "<"); lt >= 0 {
		addr = strings.TrimSuffix(addr[lt+1:], ">")
	}
	if idx := strings.Index(addr, "@"); idx > 0 {
		domain := addr[idx+1:]
		if dotIdx := strings.Index(domain, "."); dotIdx > 0 {
			return domain[:dotIdx]
		}
		return domain
	}
	return sender
}

// ParseTime parses the timestamp formats the backend and the local
// database emit.
func ParseTime(isoDate string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02 15:04:05", time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, isoDate); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// TimeAgo formats t relative to now.
func TimeAgo(t time.Time) string {
	return timeAgo(t, time.Now())
}

// TimeAgoString formats an ISO date string as a relative time.
func TimeAgoString(isoDate string) string {
	if isoDate == "" {
		return ""
	}
	t, ok := ParseTime(isoDate)
	if !ok {
		return isoDate[:min(10, len(isoDate))]
	}
	return TimeAgo(t)
}

func timeAgo(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Format("Jan 2")
	}
}

// Truncate shortens a string to maxLen runes, adding ellipsis if needed.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// SuccessMsg prints a green checkmark + message.
func SuccessMsg(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(Success.Render("✓") + " " + msg)
}

// NoticeMsg prints an amber dash + message for a no-op outcome.
func NoticeMsg(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(Warn.Render("–") + " " + msg)
}

// ErrorMsg prints a red X + message to stderr.
func ErrorMsg(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, ErrStyle.Render("✗")+" "+msg)
}

// Header prints a section header.
func Header(w io.Writer, title string) {
	fmt.Fprintln(w, Bold.Render(title))
}

// SubHeader prints a dim subsection label.
func SubHeader(w io.Writer, title string) {
	fmt.Fprintln(w, Muted.Render(title))
}

// TicketRow renders one list line.
func TicketRow(t types.Ticket) string {
	draft := " "
	if t.HasDraft() {
		draft = Dim.Render("✎")
	}
	return fmt.Sprintf("%s %s %s %s %s %-10s %s  %s",
		PriorityDot(t.Priority),
		PriorityLabel(t.Priority),
		Muted.Render(fmt.Sprintf("#%-5d", t.ID)),
		StatusBadge(t.Status),
		SentimentMark(t.Sentiment)+draft,
		Truncate(OrgLabel(t.Sender), 10),
		Truncate(t.Subject, 60),
		Dim.Render(TimeAgo(t.ReceivedAt)),
	)
}

// ListOptions annotates a rendered list page.
type ListOptions struct {
	Page     int
	PageSize int
	// Refreshing marks data still shown while a newer query loads.
	Refreshing bool
	Filters    string
}

// TicketList renders a page of tickets.
func TicketList(w io.Writer, res types.ListResult, opts ListOptions) {
	title := fmt.Sprintf("Tickets (%d)", res.Total)
	if opts.Filters != "" {
		title += "  " + Muted.Render(opts.Filters)
	}
	if opts.Refreshing {
		title += "  " + Dim.Render("refreshing…")
	}
	Header(w, title)

	if len(res.Items) == 0 {
		fmt.Fprintln(w, Dim.Render("  No tickets match."))
	}
	for _, t := range res.Items {
		fmt.Fprintln(w, "  "+TicketRow(t))
	}

	if opts.PageSize > 0 && res.Total > 0 {
		pages := (res.Total + opts.PageSize - 1) / opts.PageSize
		first := res.Offset + 1
		last := res.Offset + len(res.Items)
		fmt.Fprintln(w, Muted.Render(fmt.Sprintf("  %d–%d of %d · page %d/%d", first, last, res.Total, opts.Page+1, pages)))
	}
}

// AvailableActions names the mutations the operator may issue on t.
func AvailableActions(t *types.Ticket) []string {
	if t == nil {
		return nil
	}
	out := []string{actions.ActionEdit, actions.ActionRegenerate}
	if actions.CanApprove(t) {
		out = append(out, actions.ActionApprove)
	}
	if actions.CanSend(t) {
		out = append(out, actions.ActionSend)
	}
	if actions.CanResolve(t) {
		out = append(out, actions.ActionResolve)
	}
	return out
}

// DetailOptions annotates a rendered ticket detail.
type DetailOptions struct {
	Regenerating bool
	Reconciling  bool
	MaxBodyLines int
}

// TicketDetail renders the full ticket with its draft and allowed actions.
func TicketDetail(w io.Writer, t *types.Ticket, opts DetailOptions) {
	Header(w, fmt.Sprintf("#%d  %s", t.ID, t.Subject))
	fmt.Fprintf(w, "  %s %s  %s  %s  %s\n",
		PriorityDot(t.Priority), PriorityLabel(t.Priority),
		StatusBadge(t.Status), SentimentMark(t.Sentiment)+" "+Dim.Render(t.Sentiment),
		Dim.Render(TimeAgo(t.ReceivedAt)))
	fmt.Fprintf(w, "  %s %s\n", Muted.Render("from"), Bold.Render(t.Sender))
	if t.Source != "" {
		fmt.Fprintf(w, "  %s %s\n", Muted.Render("via "), t.Source)
	}

	fmt.Fprintln(w)
	block(w, t.Body, opts.MaxBodyLines)

	if x := t.Extracted; x != nil {
		meta := [][2]string{
			{"keywords", strings.Join(x.Keywords, ", ")},
			{"requests", strings.Join(x.RequestedActions, ", ")},
			{"phones", strings.Join(x.PhoneNumbers, ", ")},
			{"alt emails", strings.Join(x.AltEmails, ", ")},
			{"tone", strings.Join(x.SentimentTerms, ", ")},
		}
		printed := false
		for _, m := range meta {
			if m[1] == "" {
				continue
			}
			if !printed {
				fmt.Fprintln(w)
				SubHeader(w, "Extracted")
				printed = true
			}
			fmt.Fprintf(w, "  %s %s\n", Muted.Render(fmt.Sprintf("%-10s", m[0])), m[1])
		}
	}

	fmt.Fprintln(w)
	switch {
	case opts.Regenerating:
		SubHeader(w, "Draft  "+Dim.Render("regenerating…"))
	case opts.Reconciling:
		SubHeader(w, "Draft  "+Dim.Render("queued, checking again shortly"))
	default:
		SubHeader(w, "Draft")
	}
	if t.HasDraft() {
		block(w, t.Draft(), 0)
	} else {
		fmt.Fprintln(w, Dim.Render("  (no draft yet)"))
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", Muted.Render("actions"), strings.Join(AvailableActions(t), " · "))
}

// block prints text indented under a rail, capped at maxLines when positive.
func block(w io.Writer, text string, maxLines int) {
	prefix := Muted.Render("  │ ")
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i, line := range lines {
		if maxLines > 0 && i >= maxLines {
			fmt.Fprintf(w, "%s%s\n", prefix, Dim.Render(fmt.Sprintf("... (%d more lines)", len(lines)-maxLines)))
			break
		}
		fmt.Fprintf(w, "%s%s\n", prefix, Truncate(strings.TrimRight(line, " \t\r"), 100))
	}
}

// SummaryOptions controls the analytics rendering.
type SummaryOptions struct {
	// Bars forces the bar chart instead of the priority ring.
	Bars  bool
	Width int
}

// Summary renders the analytics aggregates. Priority is drawn as a ring
// with a legend, falling back to bars when forced, when there is nothing
// to divide, or when the ring would be too narrow to read.
func Summary(w io.Writer, s types.Summary, opts SummaryOptions) {
	width := opts.Width
	if width <= 0 {
		width = 40
	}

	Header(w, "Analytics")
	fmt.Fprintf(w, "  %s %d   %s %d   %s %s   %s %s\n",
		Muted.Render("total"), s.Total,
		Muted.Render("last 24h"), s.Last24h,
		Muted.Render("pending"), PendingStyle.Render(fmt.Sprint(s.Pending)),
		Muted.Render("resolved"), ResolvedStyle.Render(fmt.Sprint(s.Resolved)),
	)

	fmt.Fprintln(w)
	SubHeader(w, "Priority")
	keys := orderedKeys(s.Priority, PriorityOrder)
	if opts.Bars || sum(s.Priority) == 0 || width < len(keys)*2 {
		for _, line := range Bars(s.Priority, keys, width, priorityGlyph, priorityStyle) {
			fmt.Fprintln(w, "  "+line)
		}
	} else {
		fmt.Fprintln(w, "  "+PriorityRing(s.Priority, keys, width))
		fmt.Fprintln(w, "  "+legend(s.Priority, keys))
	}

	fmt.Fprintln(w)
	SubHeader(w, "Sentiment")
	sentimentStyle := func(k string) lipgloss.Style {
		switch k {
		case types.SentimentNegative:
			return ErrStyle
		case types.SentimentPositive:
			return Success
		default:
			return Dim
		}
	}
	for _, line := range Bars(s.Sentiment, orderedKeys(s.Sentiment, SentimentOrder), width,
		func(string) string { return "█" }, sentimentStyle) {
		fmt.Fprintln(w, "  "+line)
	}
}

// PriorityRing draws counts as one closed band of width cells, each key
// taking a share proportional to its count.
func PriorityRing(counts map[string]int, keys []string, width int) string {
	cells := ringCells(counts, keys, width)
	var b strings.Builder
	b.WriteString(Muted.Render("("))
	for i, k := range keys {
		if cells[i] == 0 {
			continue
		}
		b.WriteString(priorityStyle(k).Render(strings.Repeat(priorityGlyph(k), cells[i])))
	}
	b.WriteString(Muted.Render(")"))
	return b.String()
}

// ringCells splits width across keys by largest remainder.
func ringCells(counts map[string]int, keys []string, width int) []int {
	cells := make([]int, len(keys))
	total := 0
	for _, k := range keys {
		total += max(counts[k], 0)
	}
	if total == 0 || width <= 0 {
		return cells
	}

	type remainder struct{ idx, frac int }
	var rems []remainder
	used := 0
	for i, k := range keys {
		c := counts[k]
		if c <= 0 {
			continue
		}
		cells[i] = c * width / total
		used += cells[i]
		rems = append(rems, remainder{i, c * width % total})
	}
	slices.SortStableFunc(rems, func(a, b remainder) int { return b.frac - a.frac })
	for j := 0; used < width; j++ {
		cells[rems[j%len(rems)].idx]++
		used++
	}
	return cells
}

func legend(counts map[string]int, keys []string) string {
	total := sum(counts)
	var parts []string
	for _, k := range keys {
		c := counts[k]
		if c <= 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s %d (%d%%)",
			priorityStyle(k).Render(priorityGlyph(k)), k, c, c*100/total))
	}
	return strings.Join(parts, "  ")
}

// Bars renders one line per key with a bar scaled to the largest count.
func Bars(counts map[string]int, keys []string, width int, glyph func(string) string, style func(string) lipgloss.Style) []string {
	peak := 0
	for _, k := range keys {
		peak = max(peak, counts[k])
	}
	total := sum(counts)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		c := counts[k]
		n := 0
		if peak > 0 && c > 0 {
			n = max(1, c*width/peak)
		}
		pct := 0
		if total > 0 {
			pct = c * 100 / total
		}
		lines = append(lines, fmt.Sprintf("%-10s %s %d (%d%%)",
			k, style(k).Render(strings.Repeat(glyph(k), n)), c, pct))
	}
	return lines
}

// orderedKeys lists the preferred keys first, then any extra keys the
// backend reported, sorted.
func orderedKeys(counts map[string]int, preferred []string) []string {
	keys := make([]string, 0, len(counts)+len(preferred))
	for _, k := range preferred {
		if _, ok := counts[k]; ok || k != types.PriorityNotUrgent {
			keys = append(keys, k)
		}
	}
	var extra []string
	for k := range counts {
		if !slices.Contains(preferred, k) {
			extra = append(extra, k)
		}
	}
	slices.Sort(extra)
	return append(keys, extra...)
}

func sum(counts map[string]int) int {
	n := 0
	for _, c := range counts {
		n += max(c, 0)
	}
	return n
}

// Health renders the advisory backend status line.
func Health(w io.Writer, h types.Health) {
	status := Success.Render(h.Status)
	if h.Status != "ok" {
		status = Warn.Render(h.Status)
	}
	rag := Dim.Render("rag " + h.RAG.Status)
	if !h.RAG.Available {
		rag = Warn.Render("rag " + h.RAG.Status)
	}
	fmt.Fprintf(w, "%s %s  %s  %s %s  %s %d\n",
		Muted.Render("backend"), status, rag,
		Muted.Render("provider"), h.Provider,
		Muted.Render("tickets"), h.Emails)
}
