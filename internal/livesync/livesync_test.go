package livesync

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/deskbeads/internal/cache"
	"github.com/daviddao/deskbeads/internal/clock"
	"github.com/daviddao/deskbeads/internal/types"
)

type recordingStore struct {
	mu       sync.Mutex
	matchers []cache.Matcher
}

func (r *recordingStore) Invalidate(m cache.Matcher) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matchers = append(r.matchers, m)
	return 1
}

func (r *recordingStore) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.matchers)
}

func (r *recordingStore) matcher(i int) cache.Matcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.matchers[i]
}

type pipeOpener struct {
	reader *io.PipeReader
}

func (p *pipeOpener) Events(context.Context) (io.ReadCloser, error) { return p.reader, nil }

type failingOpener struct {
	attempts   atomic.Int32
	inFlight   atomic.Int32
	maxHeldNow atomic.Int32
}

func (f *failingOpener) Events(context.Context) (io.ReadCloser, error) {
	f.attempts.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	if n > f.maxHeldNow.Load() {
		f.maxHeldNow.Store(n)
	}
	return nil, errors.New("connection refused")
}

func TestNotificationInvalidatesDetailListAndSummary(t *testing.T) {
	pr, pw := io.Pipe()
	store := &recordingStore{}
	var changes atomic.Int32
	sub := NewSubscription(SubscriptionOptions{
		Opener:   &pipeOpener{reader: pr},
		Store:    store,
		Clock:    clock.Fake(time.Unix(0, 0)),
		OnChange: func(types.ChangeNotification) { changes.Add(1) },
	})
	sub.Start()
	sub.Start()
	defer sub.Stop()

	_, err := io.WriteString(pw, "event: email_updated\ndata: {\"id\":42,\"status\":\"responded\"}\n\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return store.count() == 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StateOpen, sub.State())

	detail := store.matcher(0)
	assert.True(t, detail(cache.TicketKey(42)))
	assert.False(t, detail(cache.TicketKey(41)))
	assert.True(t, store.matcher(1)(cache.Key{Family: cache.FamilyList, Params: "offset=20"}))
	assert.True(t, store.matcher(2)(cache.SummaryKey))

	_, err = io.WriteString(pw, "event: email_updated\ndata: {not json\n\n")
	require.NoError(t, err)
	_, err = io.WriteString(pw, "event: keepalive\ndata: {}\n\n")
	require.NoError(t, err)
	_, err = io.WriteString(pw, ": comment\nevent: email_updated\ndata: {\"id\":7}\n\n")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return store.count() == 6 }, 2*time.Second, time.Millisecond)
	assert.True(t, store.matcher(3)(cache.TicketKey(7)))
	assert.Equal(t, int32(2), changes.Load())
	assert.Equal(t, 1, sub.Attempts())
}

func TestReconnectBackoffNeverOverlaps(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	opener := &failingOpener{}
	sub := NewSubscription(SubscriptionOptions{Opener: opener, Store: &recordingStore{}, Clock: clk})
	sub.Start()
	defer sub.Stop()

	clk.WaitForTimers(1)
	assert.Equal(t, int32(1), opener.attempts.Load())

	clk.Advance(2 * time.Second)
	assert.Equal(t, int32(1), opener.attempts.Load(), "no attempt before the backoff elapses")

	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return opener.attempts.Load() == 2 }, 2*time.Second, time.Millisecond)
	clk.WaitForTimers(1)

	clk.Advance(DefaultBackoff)
	require.Eventually(t, func() bool { return opener.attempts.Load() == 3 }, 2*time.Second, time.Millisecond)
	clk.WaitForTimers(1)

	assert.Equal(t, int32(3), opener.attempts.Load())
	assert.Equal(t, int32(1), opener.maxHeldNow.Load())
	assert.Equal(t, StateClosed, sub.State())
}

func TestStopClosesOpenStream(t *testing.T) {
	pr, _ := io.Pipe()
	sub := NewSubscription(SubscriptionOptions{Opener: &pipeOpener{reader: pr}, Store: &recordingStore{}})
	sub.Start()
	require.Eventually(t, func() bool { return sub.State() == StateOpen }, 2*time.Second, time.Millisecond)

	sub.Stop()
	assert.Equal(t, StateClosed, sub.State())
	sub.Stop()
}

func TestDuplicateNotificationsConverge(t *testing.T) {
	var calls atomic.Int32
	store := cache.New(cache.Options{Fetch: func(_ context.Context, k cache.Key) ([]byte, error) {
		calls.Add(1)
		return []byte(`{"id":5,"status":"responded"}`), nil
	}})
	defer store.Close()

	_, err := store.Get(context.Background(), cache.TicketKey(5))
	require.NoError(t, err)

	Notify(store, 5)
	once, _ := store.Peek(cache.TicketKey(5))
	Notify(store, 5)
	twice, _ := store.Peek(cache.TicketKey(5))
	assert.Equal(t, once, twice)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPollerRunsOnlyWhileWatched(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	store := &recordingStore{}
	p := NewPoller(store, clk, nil)
	defer p.Close()

	first := p.Watch("list", DefaultListInterval, cache.Family(cache.FamilyList))
	second := p.Watch("list", DefaultListInterval, cache.Family(cache.FamilyList))
	assert.Equal(t, 1, clk.Pending(), "one ticker per poll name")

	clk.Advance(DefaultListInterval)
	require.Eventually(t, func() bool { return store.count() == 1 }, 2*time.Second, time.Millisecond)

	first()
	assert.True(t, p.Active("list"))
	second()
	second()
	assert.False(t, p.Active("list"))
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(3 * DefaultListInterval)
	assert.Equal(t, 1, store.count())

	again := p.Watch("list", DefaultListInterval, cache.Family(cache.FamilyList))
	defer again()
	clk.Advance(DefaultListInterval)
	require.Eventually(t, func() bool { return store.count() == 2 }, 2*time.Second, time.Millisecond)
}

func TestPollerIgnoresNonPositiveInterval(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	p := NewPoller(&recordingStore{}, clk, nil)
	defer p.Close()

	cancel := p.Watch("detail", 0, cache.Family(cache.FamilyTicket))
	cancel()
	assert.False(t, p.Active("detail"))
	assert.Equal(t, 0, clk.Pending())
}
