// Package desk wires the cache store, the live sync channels, the list
// query state and the operator actions into one controller with an
// explicit lifecycle. Views mount through the Watch methods and read only
// from the cache.
package desk

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/daviddao/deskbeads/internal/actions"
	"github.com/daviddao/deskbeads/internal/api"
	"github.com/daviddao/deskbeads/internal/cache"
	"github.com/daviddao/deskbeads/internal/clock"
	"github.com/daviddao/deskbeads/internal/filter"
	"github.com/daviddao/deskbeads/internal/livesync"
	"github.com/daviddao/deskbeads/internal/logging"
	"github.com/daviddao/deskbeads/internal/metrics"
	"github.com/daviddao/deskbeads/internal/types"
)

// Poll names.
const (
	pollList    = "list"
	pollSummary = "summary"
)

// Backend is everything the controller needs from the API client.
type Backend interface {
	actions.Backend
	ListRaw(ctx context.Context, q api.ListQuery) ([]byte, error)
	TicketRaw(ctx context.Context, id int64) ([]byte, error)
	SummaryRaw(ctx context.Context) ([]byte, error)
	HealthRaw(ctx context.Context) ([]byte, error)
	Events(ctx context.Context) (io.ReadCloser, error)
}

// Timing holds the controller's intervals and sizes. Zero values take the
// package defaults.
type Timing struct {
	ListInterval    time.Duration
	SummaryInterval time.Duration
	Backoff         time.Duration
	Debounce        time.Duration
	ReconcileDelay  time.Duration
	PageSize        int
	ReadRetries     int
}

// Options configures a Controller.
type Options struct {
	Backend   Backend
	Clock     clock.Clock
	Logger    *slog.Logger
	Persister cache.Persister
	Timing    Timing
	// OnChange is called for every change notification read from the stream.
	OnChange func(types.ChangeNotification)
}

// Controller owns every sync component. Build one with New and tear it
// down with Close.
type Controller struct {
	backend Backend
	logger  *slog.Logger
	timing  Timing

	store   *cache.Store
	sub     *livesync.Subscription
	poller  *livesync.Poller
	filters *filter.Machine
	actions *actions.Orchestrator

	mu         sync.Mutex
	lists      map[int]*listView
	nextList   int
	subscribed bool
	closed     bool
}

// New builds a Controller. Nothing runs until a view mounts.
func New(opts Options) *Controller {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := logging.OrDiscard(opts.Logger)
	timing := opts.Timing
	if timing.ListInterval == 0 {
		timing.ListInterval = livesync.DefaultListInterval
	}
	if timing.SummaryInterval == 0 {
		timing.SummaryInterval = livesync.DefaultSummaryInterval
	}

	c := &Controller{
		backend: opts.Backend,
		logger:  logger,
		timing:  timing,
		lists:   make(map[int]*listView),
	}
	c.store = cache.New(cache.Options{
		Fetch:       c.fetch,
		Clock:       clk,
		Logger:      logger.With(slog.String("component", "cache")),
		Persister:   opts.Persister,
		ReadRetries: timing.ReadRetries,
	})
	c.sub = livesync.NewSubscription(livesync.SubscriptionOptions{
		Opener:   opts.Backend,
		Store:    c.store,
		Clock:    clk,
		Logger:   logger.With(slog.String("component", "stream")),
		Backoff:  timing.Backoff,
		OnChange: opts.OnChange,
	})
	c.poller = livesync.NewPoller(c.store, clk, logger.With(slog.String("component", "poller")))
	c.filters = filter.New(filter.Options{
		Clock:    clk,
		Debounce: timing.Debounce,
		PageSize: timing.PageSize,
		OnChange: c.onFilterChange,
	})
	c.actions = actions.New(actions.Options{
		Backend:        opts.Backend,
		Store:          c.store,
		Clock:          clk,
		Logger:         logger.With(slog.String("component", "actions")),
		ReconcileDelay: timing.ReconcileDelay,
	})
	return c
}

// Store returns the cache store.
func (c *Controller) Store() *cache.Store { return c.store }

// Filters returns the list query state machine.
func (c *Controller) Filters() *filter.Machine { return c.filters }

// Actions returns the mutation orchestrator.
func (c *Controller) Actions() *actions.Orchestrator { return c.actions }

// StreamState returns the push connection state.
func (c *Controller) StreamState() livesync.State { return c.sub.State() }

// Refresh refetches the current list under a new key and marks the summary
// stale.
func (c *Controller) Refresh() {
	c.filters.Refresh()
	c.store.Invalidate(cache.Exact(cache.SummaryKey))
	metrics.Invalidation("manual")
}

// Close stops all background work.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	lists := make([]*listView, 0, len(c.lists))
	for _, lv := range c.lists {
		lists = append(lists, lv)
	}
	c.lists = map[int]*listView{}
	c.mu.Unlock()

	for _, lv := range lists {
		lv.stop()
	}
	c.filters.Stop()
	c.actions.Close()
	c.poller.Close()
	c.sub.Stop()
	c.store.Close()
}

// ListView is what a mounted list renders.
type ListView struct {
	Key    cache.Key
	Entry  cache.Entry
	Result *types.ListResult
	// Previous is set while Result belongs to the previous query because the
	// current one has not resolved yet.
	Previous bool
}

// DetailView is what a mounted ticket detail renders.
type DetailView struct {
	Entry        cache.Entry
	Ticket       *types.Ticket
	Regenerating bool
	Reconciling  bool
}

// SummaryView is what a mounted analytics panel renders.
type SummaryView struct {
	Entry   cache.Entry
	Summary *types.Summary
}

// WatchList mounts a list view. fn is called with every change of the
// current query's entry and follows filter changes.
func (c *Controller) WatchList(fn func(ListView)) (cancel func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	id := c.nextList
	c.nextList++
	lv := &listView{c: c, fn: fn}
	c.lists[id] = lv
	c.mu.Unlock()

	c.ensureSubscribed()
	stopPoll := c.poller.Watch(pollList, c.timing.ListInterval, cache.Family(cache.FamilyList))
	lv.retarget(c.filters.Key())

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.lists, id)
			c.mu.Unlock()
			stopPoll()
			lv.stop()
		})
	}
}

// WatchDetail mounts a ticket detail view. Details are not polled; they
// refresh on change notifications and after actions.
func (c *Controller) WatchDetail(id int64, fn func(DetailView)) (cancel func()) {
	c.ensureSubscribed()
	return c.store.Observe(cache.TicketKey(id), func(e cache.Entry) {
		view := DetailView{
			Entry:        e,
			Regenerating: c.actions.Regenerating(id),
			Reconciling:  c.actions.Reconciling(id),
		}
		var t types.Ticket
		if err := cache.Decode(e, &t); err == nil {
			view.Ticket = &t
		}
		fn(view)
	})
}

// WatchSummary mounts the analytics panel.
func (c *Controller) WatchSummary(fn func(SummaryView)) (cancel func()) {
	c.ensureSubscribed()
	stopPoll := c.poller.Watch(pollSummary, c.timing.SummaryInterval, cache.Exact(cache.SummaryKey))
	stopObserve := c.store.Observe(cache.SummaryKey, func(e cache.Entry) {
		view := SummaryView{Entry: e}
		var s types.Summary
		if err := cache.Decode(e, &s); err == nil {
			view.Summary = &s
		}
		fn(view)
	})
	return func() {
		stopObserve()
		stopPoll()
	}
}

// List reads the current list query once.
func (c *Controller) List(ctx context.Context) (*types.ListResult, error) {
	var out types.ListResult
	if err := c.read(ctx, c.filters.Key(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ticket reads one ticket's detail.
func (c *Controller) Ticket(ctx context.Context, id int64) (*types.Ticket, error) {
	var out types.Ticket
	if err := c.read(ctx, cache.TicketKey(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Tickets reads several tickets concurrently, preserving order.
func (c *Controller) Tickets(ctx context.Context, ids ...int64) ([]*types.Ticket, error) {
	out := make([]*types.Ticket, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, id := range ids {
		g.Go(func() error {
			t, err := c.Ticket(ctx, id)
			if err != nil {
				return err
			}
			out[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Summary reads the analytics summary.
func (c *Controller) Summary(ctx context.Context) (*types.Summary, error) {
	var out types.Summary
	if err := c.read(ctx, cache.SummaryKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health reads the backend health document. It is advisory only.
func (c *Controller) Health(ctx context.Context) (*types.Health, error) {
	var out types.Health
	if err := c.read(ctx, cache.HealthKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Controller) read(ctx context.Context, key cache.Key, v any) error {
	e, err := c.store.Get(ctx, key)
	if err != nil {
		return err
	}
	return cache.Decode(e, v)
}

func (c *Controller) ensureSubscribed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed || c.closed {
		return
	}
	c.subscribed = true
	c.sub.Start()
}

func (c *Controller) onFilterChange(s filter.State) {
	key := s.Key()
	c.mu.Lock()
	lists := make([]*listView, 0, len(c.lists))
	for _, lv := range c.lists {
		lists = append(lists, lv)
	}
	c.mu.Unlock()

	for _, lv := range lists {
		lv.retarget(key)
	}
}

func (c *Controller) fetch(ctx context.Context, key cache.Key) ([]byte, error) {
	switch key.Family {
	case cache.FamilyList:
		q, err := filter.QueryFromKey(key)
		if err != nil {
			return nil, err
		}
		return c.backend.ListRaw(ctx, q)
	case cache.FamilyTicket:
		id, err := strconv.ParseInt(key.Params, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse ticket key %q: %w", key.Params, err)
		}
		return c.backend.TicketRaw(ctx, id)
	case cache.FamilySummary:
		return c.backend.SummaryRaw(ctx)
	case cache.FamilyHealth:
		return c.backend.HealthRaw(ctx)
	default:
		return nil, fmt.Errorf("unknown query family %q", key.Family)
	}
}

// listView follows the filter machine's current key.
type listView struct {
	c  *Controller
	fn func(ListView)

	mu       sync.Mutex
	key      cache.Key
	cancel   func()
	previous *types.ListResult
	stopped  bool
}

func (lv *listView) retarget(key cache.Key) {
	lv.mu.Lock()
	if lv.stopped || (lv.cancel != nil && lv.key == key) {
		lv.mu.Unlock()
		return
	}
	prev := lv.cancel
	lv.key = key
	lv.cancel = nil
	lv.mu.Unlock()

	if prev != nil {
		prev()
		// Drop list results nothing watches any more.
		lv.c.store.Evict(func(k cache.Key) bool { return k.Family == cache.FamilyList && k != key })
	}
	cancel := lv.c.store.Observe(key, func(e cache.Entry) { lv.deliver(key, e) })

	lv.mu.Lock()
	current := lv.key == key && !lv.stopped && lv.cancel == nil
	if current {
		lv.cancel = cancel
	}
	lv.mu.Unlock()
	if !current {
		cancel()
	}
}

func (lv *listView) deliver(key cache.Key, e cache.Entry) {
	lv.mu.Lock()
	if lv.stopped || lv.key != key {
		lv.mu.Unlock()
		return
	}
	view := ListView{Key: key, Entry: e}
	var result types.ListResult
	if err := cache.Decode(e, &result); err == nil {
		view.Result = &result
		lv.previous = &result
	} else if lv.previous != nil {
		view.Result = lv.previous
		view.Previous = true
	}
	lv.mu.Unlock()

	lv.fn(view)
	if e.Status == cache.StatusSuccess && view.Result != nil && !view.Previous {
		lv.c.filters.ObserveResult(key, view.Result.Total)
	}
}

func (lv *listView) stop() {
	lv.mu.Lock()
	lv.stopped = true
	cancel := lv.cancel
	lv.cancel = nil
	lv.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
