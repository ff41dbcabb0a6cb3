package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/deskbeads/internal/cache"
	"github.com/daviddao/deskbeads/internal/clock"
	"github.com/daviddao/deskbeads/internal/logging"
	"github.com/daviddao/deskbeads/internal/types"
)

func strPtr(s string) *string { return &s }

// server holds backend ticket state and serves it to the cache.
type server struct {
	mu      sync.Mutex
	tickets map[int64]types.Ticket
	reads   atomic.Int32
}

func newServer(tickets ...types.Ticket) *server {
	s := &server{tickets: make(map[int64]types.Ticket)}
	for _, t := range tickets {
		s.tickets[t.ID] = t
	}
	return s
}

func (s *server) put(t types.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.ID] = t
}

func (s *server) fetch(_ context.Context, key cache.Key) ([]byte, error) {
	s.reads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if key.Family != cache.FamilyTicket {
		return []byte(`{"total":0,"items":[]}`), nil
	}
	for id, t := range s.tickets {
		if cache.TicketKey(id) == key {
			return json.Marshal(t)
		}
	}
	return nil, errors.New("not found")
}

type fakeBackend struct {
	mu    sync.Mutex
	calls []string
	reply *types.Ticket
	err   error
	// gate, when set, blocks Regenerate until closed.
	gate    chan struct{}
	entered chan struct{}
}

func (b *fakeBackend) record(name string) (*types.Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, name)
	return b.reply, b.err
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *fakeBackend) UpdateResponse(context.Context, int64, string) (*types.Ticket, error) {
	return b.record(ActionEdit)
}

func (b *fakeBackend) Regenerate(context.Context, int64) (*types.Ticket, error) {
	if b.gate != nil {
		close(b.entered)
		<-b.gate
	}
	return b.record(ActionRegenerate)
}

func (b *fakeBackend) Approve(context.Context, int64) (*types.Ticket, error) {
	return b.record(ActionApprove)
}

func (b *fakeBackend) Send(context.Context, int64) (*types.Ticket, error) {
	return b.record(ActionSend)
}

func (b *fakeBackend) Resolve(context.Context, int64) (*types.Ticket, error) {
	return b.record(ActionResolve)
}

type fixture struct {
	server  *server
	store   *cache.Store
	backend *fakeBackend
	clock   *clock.FakeClock
	orch    *Orchestrator
}

func newFixture(t *testing.T, ticket types.Ticket) *fixture {
	t.Helper()
	srv := newServer(ticket)
	store := cache.New(cache.Options{Fetch: srv.fetch})
	t.Cleanup(store.Close)
	clk := clock.Fake(time.Unix(0, 0))
	backend := &fakeBackend{}
	orch := New(Options{Backend: backend, Store: store, Clock: clk})
	t.Cleanup(orch.Close)

	_, err := store.Get(context.Background(), cache.TicketKey(ticket.ID))
	require.NoError(t, err)
	return &fixture{server: srv, store: store, backend: backend, clock: clk, orch: orch}
}

func (f *fixture) draft(t *testing.T, id int64) string {
	t.Helper()
	e, ok := f.store.Peek(cache.TicketKey(id))
	require.True(t, ok)
	var ticket types.Ticket
	require.NoError(t, cache.Decode(e, &ticket))
	return ticket.Draft()
}

func TestDeferredRegenerateKeepsDraftAndReconcilesOnce(t *testing.T) {
	f := newFixture(t, types.Ticket{ID: 1, Status: types.StatusPending, AutoResponse: strPtr("old draft")})
	f.backend.reply = &types.Ticket{ID: 1, Status: types.StatusPending, AutoResponse: strPtr("")}
	ctx := context.Background()

	res, err := f.orch.Regenerate(ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.Equal(t, "old draft", f.draft(t, 1))
	assert.True(t, f.orch.Reconciling(1))
	assert.Equal(t, 1, f.clock.Pending())

	_, err = f.orch.Regenerate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, f.clock.Pending(), "a second deferral replaces the scheduled reconciliation")

	f.server.put(types.Ticket{ID: 1, Status: types.StatusPending, AutoResponse: strPtr("queued draft")})
	f.clock.Advance(DefaultReconcileDelay - time.Millisecond)
	e, _ := f.store.Peek(cache.TicketKey(1))
	assert.False(t, e.Stale)

	f.clock.Advance(time.Millisecond)
	assert.False(t, f.orch.Reconciling(1))
	e, _ = f.store.Peek(cache.TicketKey(1))
	assert.True(t, e.Stale)

	e, err = f.store.Get(ctx, cache.TicketKey(1))
	require.NoError(t, err)
	assert.Equal(t, "queued draft", f.draft(t, 1))
}

func TestRegenerateWritesSynchronousDraft(t *testing.T) {
	f := newFixture(t, types.Ticket{ID: 2, Status: types.StatusPending})
	f.backend.reply = &types.Ticket{ID: 2, Status: types.StatusPending, AutoResponse: strPtr("fresh draft")}
	reads := f.server.reads.Load()

	res, err := f.orch.Regenerate(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, res.Deferred)
	assert.Equal(t, "fresh draft", f.draft(t, 2))
	assert.Equal(t, reads, f.server.reads.Load(), "no refetch needed to show the draft")
	assert.Equal(t, 0, f.clock.Pending())
}

func TestConcurrentRegenerateIsRejected(t *testing.T) {
	f := newFixture(t, types.Ticket{ID: 3, Status: types.StatusPending})
	f.backend.reply = &types.Ticket{ID: 3, Status: types.StatusPending, AutoResponse: strPtr("draft")}
	f.backend.gate = make(chan struct{})
	f.backend.entered = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Regenerate(context.Background(), 3)
		done <- err
	}()
	<-f.backend.entered
	assert.True(t, f.orch.Regenerating(3))

	_, err := f.orch.Regenerate(context.Background(), 3)
	assert.ErrorIs(t, err, ErrPending)

	close(f.backend.gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.backend.callCount())
	assert.False(t, f.orch.Regenerating(3))
}

func TestGuardedActionsSendNoRequest(t *testing.T) {
	ctx := context.Background()

	resolved := newFixture(t, types.Ticket{ID: 4, Status: types.StatusResolved, AutoResponse: strPtr("sent")})
	_, err := resolved.orch.Approve(ctx, 4)
	assert.ErrorIs(t, err, ErrNotAllowed)
	_, err = resolved.orch.Resolve(ctx, 4)
	assert.ErrorIs(t, err, ErrNotAllowed)
	_, err = resolved.orch.Send(ctx, 4)
	assert.ErrorIs(t, err, ErrNotAllowed)
	assert.Equal(t, 0, resolved.backend.callCount())

	noDraft := newFixture(t, types.Ticket{ID: 5, Status: types.StatusPending})
	_, err = noDraft.orch.Approve(ctx, 5)
	assert.ErrorIs(t, err, ErrNotAllowed)
	_, err = noDraft.orch.EditResponse(ctx, 5, "   ")
	assert.ErrorIs(t, err, ErrNotAllowed)
	assert.Equal(t, 0, noDraft.backend.callCount())

	responded := newFixture(t, types.Ticket{ID: 6, Status: types.StatusResponded, AutoResponse: strPtr("ok")})
	_, err = responded.orch.Approve(ctx, 6)
	assert.ErrorIs(t, err, ErrNotAllowed)
	responded.backend.reply = &types.Ticket{ID: 6, Status: types.StatusResolved}
	_, err = responded.orch.Resolve(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, []string{ActionResolve}, responded.backend.calls)
}

func TestFailedMutationLeavesCacheUntouched(t *testing.T) {
	f := newFixture(t, types.Ticket{ID: 7, Status: types.StatusPending, AutoResponse: strPtr("draft")})
	f.backend.err = errors.New("backend returned 500")
	before, _ := f.store.Peek(cache.TicketKey(7))

	_, err := f.orch.Approve(context.Background(), 7)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotAllowed)
	_, err = f.orch.Regenerate(context.Background(), 7)
	require.Error(t, err)

	after, _ := f.store.Peek(cache.TicketKey(7))
	assert.Equal(t, before, after)
	assert.Equal(t, 2, f.backend.callCount(), "failures are not retried")
	assert.Equal(t, 0, f.clock.Pending())
}

func TestSuccessfulMutationInvalidatesTicketListAndSummary(t *testing.T) {
	f := newFixture(t, types.Ticket{ID: 8, Status: types.StatusPending, AutoResponse: strPtr("draft")})
	ctx := context.Background()
	listKey := cache.Key{Family: cache.FamilyList, Params: "limit=20"}
	_, err := f.store.Get(ctx, listKey)
	require.NoError(t, err)
	_, err = f.store.Get(ctx, cache.SummaryKey)
	require.NoError(t, err)

	f.backend.reply = &types.Ticket{ID: 8, Status: types.StatusResponded, AutoResponse: strPtr("edited")}
	got, err := f.orch.EditResponse(ctx, 8, "edited")
	require.NoError(t, err)
	assert.Equal(t, types.StatusResponded, got.Status)

	for _, key := range []cache.Key{cache.TicketKey(8), listKey, cache.SummaryKey} {
		e, _ := f.store.Peek(key)
		assert.True(t, e.Stale, key.String())
	}
	assert.Equal(t, "draft", f.draft(t, 8), "status and draft come from the refetch, not the reply")
}

func TestCloseCancelsReconciliation(t *testing.T) {
	f := newFixture(t, types.Ticket{ID: 9, Status: types.StatusPending, AutoResponse: strPtr("draft")})
	f.backend.reply = &types.Ticket{ID: 9, Status: types.StatusPending}

	_, err := f.orch.Regenerate(context.Background(), 9)
	require.NoError(t, err)
	require.Equal(t, 1, f.clock.Pending())

	f.orch.Close()
	assert.Equal(t, 0, f.clock.Pending())
	f.clock.Advance(DefaultReconcileDelay)
	e, _ := f.store.Peek(cache.TicketKey(9))
	assert.False(t, e.Stale)
}

func TestPermissionHelpers(t *testing.T) {
	draft := strPtr("hi")
	assert.True(t, CanApprove(&types.Ticket{Status: types.StatusPending, AutoResponse: draft}))
	assert.False(t, CanApprove(&types.Ticket{Status: types.StatusPending}))
	assert.True(t, CanSend(&types.Ticket{Status: types.StatusResponded, AutoResponse: draft}))
	assert.False(t, CanResolve(&types.Ticket{Status: types.StatusResolved}))
}

func TestBackwardStatusReplyIsFlagged(t *testing.T) {
	f := newFixture(t, types.Ticket{ID: 9, Status: types.StatusResponded, AutoResponse: strPtr("sent")})
	var buf bytes.Buffer
	f.orch.logger = logging.NewWithWriter(&buf, "debug", true)

	f.backend.reply = &types.Ticket{ID: 9, Status: types.StatusPending}
	_, err := f.orch.Resolve(context.Background(), 9)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "ticket status moved backwards")
	assert.Contains(t, buf.String(), `"from":"responded"`)

	buf.Reset()
	f.server.put(types.Ticket{ID: 9, Status: types.StatusResponded, AutoResponse: strPtr("sent")})
	_, err = f.store.Get(context.Background(), cache.TicketKey(9))
	require.NoError(t, err)
	f.backend.reply = &types.Ticket{ID: 9, Status: types.StatusResolved}
	_, err = f.orch.Resolve(context.Background(), 9)
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "moved backwards")
}
