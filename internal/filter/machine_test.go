package filter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/deskbeads/internal/cache"
	"github.com/daviddao/deskbeads/internal/clock"
)

type changeLog struct {
	mu     sync.Mutex
	states []State
}

func (c *changeLog) record(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, s)
}

func (c *changeLog) all() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]State(nil), c.states...)
}

func newMachine(pageSize int) (*Machine, *clock.FakeClock, *changeLog) {
	clk := clock.Fake(time.Unix(0, 0))
	log := &changeLog{}
	m := New(Options{Clock: clk, PageSize: pageSize, OnChange: log.record})
	return m, clk, log
}

func TestTypingIsDebouncedIntoOneQuery(t *testing.T) {
	m, clk, log := newMachine(10)
	defer m.Stop()

	word := "billing"
	for i := 1; i <= len(word); i++ {
		m.SetSearchInput(word[:i])
		clk.Advance(120 * time.Millisecond)
	}
	assert.Empty(t, log.all(), "nothing applies while typing")

	clk.Advance(DefaultDebounce)
	states := log.all()
	require.Len(t, states, 1)
	assert.Equal(t, "billing", states[0].Search)
	assert.Equal(t, "billing", m.State().Query().Q)

	clk.Advance(time.Second)
	assert.Len(t, log.all(), 1)
}

func TestFilterChangeResetsPage(t *testing.T) {
	m, _, _ := newMachine(10)
	defer m.Stop()

	require.NoError(t, m.SetPage(3))
	require.NoError(t, m.SetPriority("Urgent"))
	assert.Equal(t, 0, m.State().Page)

	m.NextPage()
	m.NextPage()
	m.SetFuzzy(true)
	assert.Equal(t, 0, m.State().Page)

	m.NextPage()
	m.Refresh()
	s := m.State()
	assert.Equal(t, 1, s.Page, "refresh keeps the page")
	assert.Equal(t, 1, s.Refresh)
}

func TestUnchangedFilterDoesNotEmit(t *testing.T) {
	m, _, log := newMachine(10)
	defer m.Stop()

	m.SetDomain("example.com")
	m.SetDomain("@example.com")
	assert.Len(t, log.all(), 1)
}

func TestInvalidFilterValues(t *testing.T) {
	m, _, _ := newMachine(10)
	defer m.Stop()

	assert.Error(t, m.SetPriority("Critical"))
	assert.Error(t, m.SetSentiment("Angry"))
	assert.Error(t, m.SetStatus("closed"))
	assert.Error(t, m.SetPageSize(0))
	assert.Error(t, m.SetPage(-1))
	assert.NoError(t, m.SetPriority(""))
}

func TestPaginationCorrectionIsOneShot(t *testing.T) {
	m, _, log := newMachine(10)
	defer m.Stop()

	require.NoError(t, m.SetPage(2))
	key := m.Key()

	assert.True(t, m.ObserveResult(key, 5))
	assert.Equal(t, 0, m.State().Page)

	assert.False(t, m.ObserveResult(key, 5), "stale key is ignored")
	assert.False(t, m.ObserveResult(m.Key(), 5), "page 0 needs no correction")

	corrections := 0
	for _, s := range log.all() {
		if s.Page == 0 {
			corrections++
		}
	}
	assert.Equal(t, 1, corrections)
}

func TestResultWithinRangeKeepsPage(t *testing.T) {
	m, _, _ := newMachine(10)
	defer m.Stop()

	require.NoError(t, m.SetPage(1))
	assert.False(t, m.ObserveResult(m.Key(), 11))
	assert.Equal(t, 1, m.State().Page)
}

func TestStopCancelsPendingSearch(t *testing.T) {
	m, clk, log := newMachine(10)

	m.SetSearchInput("refund")
	assert.Equal(t, 1, clk.Pending())
	m.Stop()
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(time.Second)
	assert.Empty(t, log.all())
	m.SetSearchInput("ignored")
	assert.Equal(t, 0, clk.Pending())
}

func TestFlushSearch(t *testing.T) {
	m, clk, _ := newMachine(10)
	defer m.Stop()

	m.SetSearchInput("  invoice ")
	m.FlushSearch()
	assert.Equal(t, "invoice", m.State().Search)
	clk.Advance(time.Second)
	assert.Equal(t, "invoice", m.State().Search)
}

func TestCategoryLeadsQuery(t *testing.T) {
	s := State{Category: "billing", Search: "late fee", PageSize: 10, Page: 2}
	q := s.Query()
	assert.Equal(t, "billing late fee", q.Q)
	assert.Equal(t, 20, q.Offset)
	assert.Equal(t, 10, q.Limit)
}

func TestKeyIdentity(t *testing.T) {
	a := State{Priority: "High", PageSize: 10}
	b := State{Priority: "High", PageSize: 10}
	assert.Equal(t, a.Key(), b.Key())

	b.Refresh = 1
	assert.NotEqual(t, a.Key(), b.Key())

	q, err := QueryFromKey(b.Key())
	require.NoError(t, err)
	assert.Equal(t, a.Query(), q)

	_, err = QueryFromKey(cache.SummaryKey)
	assert.Error(t, err)
}

func TestSnapshotRestore(t *testing.T) {
	m, _, log := newMachine(10)
	defer m.Stop()

	require.NoError(t, m.SetStatus("pending"))
	m.Refresh()
	saved := m.Snapshot()
	assert.Zero(t, saved.Refresh)

	other, otherClock, _ := newMachine(25)
	defer other.Stop()
	other.SetSearchInput("pending text")
	other.Restore(saved)
	otherClock.Advance(time.Second)
	assert.Equal(t, "pending", other.State().Status)
	assert.Equal(t, 10, other.State().PageSize)
	assert.Empty(t, other.State().Search)
	assert.NotEmpty(t, log.all())
}
