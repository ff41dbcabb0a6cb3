// Package filter owns the operator's list query: filter dimensions, the
// debounced free-text search, pagination and the manual refresh counter.
package filter

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/daviddao/deskbeads/internal/api"
	"github.com/daviddao/deskbeads/internal/cache"
	"github.com/daviddao/deskbeads/internal/clock"
	"github.com/daviddao/deskbeads/internal/types"
)

const (
	// DefaultDebounce is the quiet period before typed search text applies.
	DefaultDebounce = 350 * time.Millisecond
	// DefaultPageSize is the list page size.
	DefaultPageSize = 20
	// MaxPageSize is the largest page the backend serves.
	MaxPageSize = 500
)

// refreshParam carries the refresh counter in the key only; it is never sent.
const refreshParam = "refresh"

// State is a complete list query.
type State struct {
	Priority  string `json:"priority,omitempty" yaml:"priority,omitempty"`
	Sentiment string `json:"sentiment,omitempty" yaml:"sentiment,omitempty"`
	Status    string `json:"status,omitempty" yaml:"status,omitempty"`
	Domain    string `json:"domain,omitempty" yaml:"domain,omitempty"`
	Category  string `json:"category,omitempty" yaml:"category,omitempty"`
	Fuzzy     bool   `json:"fuzzy,omitempty" yaml:"fuzzy,omitempty"`
	// Search is the effective search text, after debounce.
	Search   string `json:"search,omitempty" yaml:"search,omitempty"`
	PageSize int    `json:"page_size" yaml:"page_size"`
	Page     int    `json:"page" yaml:"page"`
	Refresh  int    `json:"-" yaml:"-"`
}

// Query converts the state into backend list parameters. The category tag
// is sent as the leading term of q.
func (s State) Query() api.ListQuery {
	size := normalizePageSize(s.PageSize)
	return api.ListQuery{
		Priority:  s.Priority,
		Sentiment: s.Sentiment,
		Status:    s.Status,
		Domain:    s.Domain,
		Q:         strings.TrimSpace(strings.TrimSpace(s.Category) + " " + strings.TrimSpace(s.Search)),
		Fuzzy:     s.Fuzzy,
		Limit:     size,
		Offset:    s.Page * size,
	}
}

// Key is the cache key for the state.
func (s State) Key() cache.Key {
	v := s.Query().Values()
	if s.Refresh > 0 {
		v.Set(refreshParam, strconv.Itoa(s.Refresh))
	}
	return cache.Key{Family: cache.FamilyList, Params: v.Encode()}
}

// QueryFromKey recovers the backend parameters from a list key.
func QueryFromKey(key cache.Key) (api.ListQuery, error) {
	if key.Family != cache.FamilyList {
		return api.ListQuery{}, fmt.Errorf("not a list key: %s", key)
	}
	v, err := url.ParseQuery(key.Params)
	if err != nil {
		return api.ListQuery{}, fmt.Errorf("parse list key: %w", err)
	}
	q := api.ListQuery{
		Priority:  v.Get("priority"),
		Sentiment: v.Get("sentiment"),
		Status:    v.Get("status"),
		Domain:    v.Get("domain"),
		Q:         v.Get("q"),
		Fuzzy:     v.Get("fuzzy") == "true",
	}
	if s := v.Get("limit"); s != "" {
		if q.Limit, err = strconv.Atoi(s); err != nil {
			return api.ListQuery{}, fmt.Errorf("parse list key limit: %w", err)
		}
	}
	if s := v.Get("offset"); s != "" {
		if q.Offset, err = strconv.Atoi(s); err != nil {
			return api.ListQuery{}, fmt.Errorf("parse list key offset: %w", err)
		}
	}
	return q, nil
}

// Options configures a Machine.
type Options struct {
	Clock    clock.Clock
	Debounce time.Duration
	PageSize int
	// OnChange is called, outside the machine lock, whenever the effective
	// state changes.
	OnChange func(State)
}

// Machine is safe for concurrent use.
type Machine struct {
	clock    clock.Clock
	debounce time.Duration
	onChange func(State)

	mu        sync.Mutex
	state     State
	input     string
	timer     *clock.Timer
	gen       int
	corrected map[cache.Key]bool
	stopped   bool
}

// New builds a Machine on page 0 with no filters.
func New(opts Options) *Machine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Machine{
		clock:     clk,
		debounce:  debounce,
		onChange:  opts.OnChange,
		state:     State{PageSize: normalizePageSize(opts.PageSize)},
		corrected: make(map[cache.Key]bool),
	}
}

// State returns the effective state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Key returns the cache key of the effective state.
func (m *Machine) Key() cache.Key { return m.State().Key() }

// SearchInput returns the raw, possibly not yet effective, search text.
func (m *Machine) SearchInput() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.input
}

// SetPriority filters by priority; "" clears it.
func (m *Machine) SetPriority(v string) error {
	if v != "" && !types.IsValidPriority(v) {
		return fmt.Errorf("invalid priority %q (valid: %s)", v, strings.Join(types.ValidPriorities, ", "))
	}
	m.update(func(s *State) { s.Priority = v })
	return nil
}

// SetSentiment filters by sentiment; "" clears it.
func (m *Machine) SetSentiment(v string) error {
	if v != "" && !types.IsValidSentiment(v) {
		return fmt.Errorf("invalid sentiment %q (valid: %s)", v, strings.Join(types.ValidSentiments, ", "))
	}
	m.update(func(s *State) { s.Sentiment = v })
	return nil
}

// SetStatus filters by status; "" clears it.
func (m *Machine) SetStatus(v string) error {
	if v != "" && !types.IsValidStatus(v) {
		return fmt.Errorf("invalid status %q (valid: %s)", v, strings.Join(types.ValidStatuses, ", "))
	}
	m.update(func(s *State) { s.Status = v })
	return nil
}

// SetDomain filters by sender domain.
func (m *Machine) SetDomain(v string) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "@")
	m.update(func(s *State) { s.Domain = v })
}

// SetCategory sets the category tag.
func (m *Machine) SetCategory(v string) {
	v = strings.TrimSpace(v)
	m.update(func(s *State) { s.Category = v })
}

// SetFuzzy toggles fuzzy matching.
func (m *Machine) SetFuzzy(v bool) {
	m.update(func(s *State) { s.Fuzzy = v })
}

// SetPageSize changes the page size.
func (m *Machine) SetPageSize(n int) error {
	if n < 1 || n > MaxPageSize {
		return fmt.Errorf("page size must be between 1 and %d", MaxPageSize)
	}
	m.update(func(s *State) { s.PageSize = n })
	return nil
}

// SetPage moves to page n. It is the only change that keeps the page.
func (m *Machine) SetPage(n int) error {
	if n < 0 {
		return fmt.Errorf("page must not be negative")
	}
	m.updatePage(func(s *State) { s.Page = n })
	return nil
}

// NextPage moves forward one page.
func (m *Machine) NextPage() {
	m.updatePage(func(s *State) { s.Page++ })
}

// PrevPage moves back one page, stopping at 0.
func (m *Machine) PrevPage() {
	m.updatePage(func(s *State) {
		if s.Page > 0 {
			s.Page--
		}
	})
}

// Refresh bumps the refresh counter, giving the current query a new key.
func (m *Machine) Refresh() {
	m.updatePage(func(s *State) { s.Refresh++ })
}

// SetSearchInput records typed text. It becomes effective once no further
// input arrives within the debounce period.
func (m *Machine) SetSearchInput(text string) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.input = text
	m.gen++
	gen := m.gen
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = nil
	m.mu.Unlock()

	timer := m.clock.AfterFunc(m.debounce, func() { m.commitSearch(gen) })

	m.mu.Lock()
	if m.gen == gen && !m.stopped {
		m.timer = timer
	} else {
		timer.Stop()
	}
	m.mu.Unlock()
}

// FlushSearch applies pending search input immediately.
func (m *Machine) FlushSearch() {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.commitSearch(gen)
}

// ObserveResult reports the total count returned for key. When key is the
// current query, the page is past the end and this key was not corrected
// before, the machine moves to page 0 and returns true.
func (m *Machine) ObserveResult(key cache.Key, total int) bool {
	m.mu.Lock()
	s := m.state
	if s.Key() != key || m.corrected[key] || s.Page == 0 || s.Page*normalizePageSize(s.PageSize) < total {
		m.mu.Unlock()
		return false
	}
	m.corrected[key] = true
	m.state.Page = 0
	m.mu.Unlock()

	m.emit()
	return true
}

// Snapshot returns the state for saving as a named view.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.Refresh = 0
	return s
}

// Restore replaces the state, dropping any pending search input.
func (m *Machine) Restore(s State) {
	s.PageSize = normalizePageSize(s.PageSize)
	if s.Page < 0 {
		s.Page = 0
	}

	m.mu.Lock()
	m.cancelTimerLocked()
	s.Refresh = m.state.Refresh
	m.input = s.Search
	changed := s != m.state
	m.state = s
	m.mu.Unlock()

	if changed {
		m.emit()
	}
}

// Stop cancels the pending debounce. Later search input is ignored.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.cancelTimerLocked()
}

func (m *Machine) cancelTimerLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) commitSearch(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	text := strings.TrimSpace(m.input)
	m.mu.Unlock()

	m.update(func(s *State) { s.Search = text })
}

// update applies a filter change and resets the page when anything changed.
func (m *Machine) update(fn func(*State)) {
	m.apply(fn, true)
}

// updatePage applies a change that keeps the page.
func (m *Machine) updatePage(fn func(*State)) {
	m.apply(fn, false)
}

func (m *Machine) apply(fn func(*State), resetPage bool) {
	m.mu.Lock()
	next := m.state
	fn(&next)
	if next == m.state {
		m.mu.Unlock()
		return
	}
	if resetPage {
		next.Page = 0
	}
	m.state = next
	m.mu.Unlock()

	m.emit()
}

// emit reports the latest state, so a late caller never rolls a listener
// back to an older query.
func (m *Machine) emit() {
	if m.onChange != nil {
		m.onChange(m.State())
	}
}

func normalizePageSize(n int) int {
	switch {
	case n <= 0:
		return DefaultPageSize
	case n > MaxPageSize:
		return MaxPageSize
	default:
		return n
	}
}
