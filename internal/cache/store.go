// Package cache is the keyed store of backend query results. It is the
// single source of truth for everything rendered: views read and observe
// entries, pollers and the event stream invalidate them, and operator
// actions write optimistic results into them.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/daviddao/deskbeads/internal/clock"
	"github.com/daviddao/deskbeads/internal/logging"
	"github.com/daviddao/deskbeads/internal/metrics"
)

// Query families.
const (
	FamilyList    = "emails"
	FamilyTicket  = "email"
	FamilySummary = "summary"
	FamilyHealth  = "health"
)

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("cache: store closed")
	// ErrNoData is returned by Decode for an entry that never loaded.
	ErrNoData = errors.New("cache: entry has no data")
)

// Key identifies one cached query. Params is a canonical encoding of
// everything that distinguishes two requests of the same family, so struct
// equality is request identity.
type Key struct {
	Family string
	Params string
}

func (k Key) String() string {
	if k.Params == "" {
		return k.Family
	}
	return k.Family + "?" + k.Params
}

// TicketKey is the detail key for one ticket.
func TicketKey(id int64) Key {
	return Key{Family: FamilyTicket, Params: strconv.FormatInt(id, 10)}
}

// SummaryKey is the analytics summary key.
var SummaryKey = Key{Family: FamilySummary}

// HealthKey is the backend health key.
var HealthKey = Key{Family: FamilyHealth}

// Entry is a value copy of a cached query result.
type Entry struct {
	Key       Key
	Data      []byte
	FetchedAt time.Time
	Status    Status
	Err       error
	Stale     bool
	Revision  uint64
}

// HasData reports whether the entry holds a last-known-good payload.
func (e Entry) HasData() bool { return len(e.Data) > 0 }

// Decode unmarshals the entry's payload into v.
func Decode(e Entry, v any) error {
	if !e.HasData() {
		return ErrNoData
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Key, err)
	}
	return nil
}

// Matcher selects keys for invalidation.
type Matcher func(Key) bool

// Exact matches one key.
func Exact(k Key) Matcher { return func(other Key) bool { return other == k } }

// Family matches every key of the given family.
func Family(family string) Matcher {
	return func(k Key) bool { return k.Family == family }
}

// Any matches keys selected by at least one of ms.
func Any(ms ...Matcher) Matcher {
	return func(k Key) bool {
		for _, m := range ms {
			if m(k) {
				return true
			}
		}
		return false
	}
}

// Fetcher loads the raw JSON payload for a key.
type Fetcher func(ctx context.Context, key Key) ([]byte, error)

// Persister stores last-known-good payloads across process restarts.
type Persister interface {
	SaveSnapshot(ctx context.Context, family, params string, data []byte, fetchedAt time.Time) error
	LoadSnapshot(ctx context.Context, family, params string) (data []byte, fetchedAt time.Time, ok bool, err error)
}

// Options configures a Store.
type Options struct {
	Fetch     Fetcher
	Clock     clock.Clock
	Logger    *slog.Logger
	Persister Persister
	// ReadRetries is the number of extra attempts after a failed fetch.
	// Zero means the default of one; negative disables retries.
	ReadRetries int
}

// Store is safe for concurrent use. Observer callbacks run outside the
// store lock and may call back into the store.
type Store struct {
	fetch     Fetcher
	clock     clock.Clock
	logger    *slog.Logger
	persister Persister
	retries   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	revision uint64
	entries  map[Key]*entry
}

type entry struct {
	Entry

	flight    *flight
	staleMark uint64
	observers []observer
	nextObs   int

	// pending is the newest undelivered snapshot; draining is set while one
	// goroutine delivers snapshots to observers.
	pending  *Entry
	draining bool
}

type observer struct {
	id int
	fn func(Entry)
}

type flight struct {
	rev  uint64
	done chan struct{}
	err  error
}

// New builds a Store. Fetch is required.
func New(opts Options) *Store {
	retries := opts.ReadRetries
	switch {
	case retries == 0:
		retries = 1
	case retries < 0:
		retries = 0
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		fetch:     opts.Fetch,
		clock:     clk,
		logger:    logging.OrDiscard(opts.Logger),
		persister: opts.Persister,
		retries:   retries,
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[Key]*entry),
	}
}

// Get returns the entry for key, fetching it when absent, stale or failed.
// Concurrent calls for one key share a single request. The returned entry
// carries the last-known-good data even when err is non-nil.
func (s *Store) Get(ctx context.Context, key Key) (Entry, error) {
	e, err := s.ensure(key)
	if err != nil {
		return Entry{Key: key, Status: StatusIdle}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Entry{Key: key, Status: StatusIdle}, ErrClosed
	}
	if e.Status == StatusSuccess && !e.Stale {
		snap := e.snapshot()
		s.mu.Unlock()
		return snap, nil
	}
	f := e.flight
	if f == nil {
		f = s.startLocked(e)
	}
	s.mu.Unlock()
	s.drain(e)

	select {
	case <-f.done:
	case <-ctx.Done():
		s.mu.Lock()
		snap := e.snapshot()
		s.mu.Unlock()
		return snap, ctx.Err()
	}

	s.mu.Lock()
	snap := e.snapshot()
	s.mu.Unlock()
	return snap, f.err
}

// Peek returns the current entry without fetching.
func (s *Store) Peek(key Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{Key: key, Status: StatusIdle}, false
	}
	return e.snapshot(), true
}

// Observe registers fn for every change to key and returns a cancel func.
// fn is called with the current entry right away. The first observer of
// an absent, stale or failed entry starts a fetch.
func (s *Store) Observe(key Key, fn func(Entry)) (cancel func()) {
	e, err := s.ensure(key)
	if err != nil {
		return func() {}
	}

	s.mu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers = append(e.observers, observer{id: id, fn: fn})
	if len(e.observers) == 1 && e.flight == nil && (e.Status != StatusSuccess || e.Stale) && !s.closed {
		s.startLocked(e)
	} else {
		s.changedLocked(e)
	}
	s.mu.Unlock()
	s.drain(e)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, o := range e.observers {
				if o.id == id {
					e.observers = append(e.observers[:i], e.observers[i+1:]...)
					break
				}
			}
		})
	}
}

// Observed reports whether key has at least one observer.
func (s *Store) Observed(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return ok && len(e.observers) > 0
}

// Invalidate marks every entry selected by m stale and refetches the
// observed ones. A fetch already in flight is not duplicated; if it began
// before the invalidation the entry stays stale afterwards and one
// follow-up fetch runs. Data is never cleared. It returns the number of
// entries marked.
func (s *Store) Invalidate(m Matcher) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	var touched []*entry
	for k, e := range s.entries {
		if !m(k) {
			continue
		}
		e.Stale = true
		e.staleMark = s.nextLocked()
		if len(e.observers) > 0 && e.flight == nil {
			s.startLocked(e)
		} else {
			s.changedLocked(e)
		}
		touched = append(touched, e)
	}
	s.mu.Unlock()

	for _, e := range touched {
		s.drain(e)
	}
	return len(touched)
}

// Evict drops every entry selected by m that has no observers and no
// fetch in flight. A later read starts from scratch, seeded from the
// persister when one is configured. It returns the number dropped.
func (s *Store) Evict(m Matcher) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if !m(k) || len(e.observers) > 0 || e.flight != nil {
			continue
		}
		delete(s.entries, k)
		n++
	}
	return n
}

// Reserve takes the next store revision. An optimistic write whose outcome
// is known only after a request completes reserves its revision before
// sending the request and applies it with SetAt.
func (s *Store) Reserve() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

// Set writes data for key without a network round trip.
func (s *Store) Set(key Key, data []byte) bool {
	return s.SetAt(key, data, s.Reserve())
}

// SetAt writes data for key at revision rev. The write is dropped, and
// false returned, when the entry already holds a newer revision.
func (s *Store) SetAt(key Key, data []byte, rev uint64) bool {
	e, err := s.ensure(key)
	if err != nil {
		return false
	}

	s.mu.Lock()
	if rev < e.Revision {
		s.mu.Unlock()
		s.logger.Debug("dropped superseded write",
			slog.String("key", key.String()),
			slog.Uint64("revision", rev),
			slog.Uint64("current", e.Revision),
		)
		return false
	}
	e.Data = append([]byte(nil), data...)
	e.FetchedAt = s.clock.Now()
	e.Err = nil
	e.Revision = rev
	e.Stale = e.staleMark > rev
	if e.flight == nil {
		e.Status = StatusSuccess
	}
	s.changedLocked(e)
	s.mu.Unlock()
	s.drain(e)
	return true
}

// Close cancels in-flight fetches and waits for them to finish.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// ensure returns the entry for key, creating it (seeded from the persister
// when one is configured) if needed.
func (s *Store) ensure(key Key) (*entry, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := s.entries[key]; ok {
		s.mu.Unlock()
		return e, nil
	}
	s.mu.Unlock()

	var (
		seed      []byte
		fetchedAt time.Time
	)
	if s.persister != nil {
		data, at, ok, err := s.persister.LoadSnapshot(s.ctx, key.Family, key.Params)
		if err != nil {
			s.logger.Warn("load snapshot failed", slog.String("key", key.String()), slog.Any("error", err))
		} else if ok {
			seed, fetchedAt = data, at
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if e, ok := s.entries[key]; ok {
		return e, nil
	}
	e := &entry{Entry: Entry{Key: key, Status: StatusIdle}}
	if len(seed) > 0 {
		e.Data = seed
		e.FetchedAt = fetchedAt
		e.Status = StatusSuccess
		e.Stale = true
	}
	s.entries[key] = e
	return e, nil
}

func (s *Store) nextLocked() uint64 {
	s.revision++
	return s.revision
}

// startLocked begins a fetch for e. The fetch takes its revision now.
func (s *Store) startLocked(e *entry) *flight {
	f := &flight{rev: s.nextLocked(), done: make(chan struct{})}
	e.flight = f
	e.Status = StatusLoading
	s.changedLocked(e)

	s.wg.Add(1)
	go s.run(e, f)
	return f
}

func (s *Store) run(e *entry, f *flight) {
	defer s.wg.Done()

	var (
		data []byte
		err  error
	)
	for attempt := 0; attempt <= s.retries; attempt++ {
		start := time.Now()
		data, err = s.fetch(s.ctx, e.Key)
		metrics.ObserveFetch(e.Key.Family, time.Since(start), err)
		if err == nil || s.ctx.Err() != nil {
			break
		}
		if attempt < s.retries {
			s.logger.Debug("fetch failed, retrying",
				slog.String("key", e.Key.String()),
				slog.Any("error", err),
			)
		}
	}
	s.complete(e, f, data, err)
}

func (s *Store) complete(e *entry, f *flight, data []byte, err error) {
	s.mu.Lock()
	e.flight = nil
	if err != nil && f.rev < e.Revision {
		// A newer write already holds good data; the failure is moot.
		err = nil
	}
	f.err = err
	persist := false

	switch {
	case err != nil:
		e.Status = StatusError
		e.Err = err
		if s.ctx.Err() == nil {
			s.logger.Warn("fetch failed", slog.String("key", e.Key.String()), slog.Any("error", err))
		}
	case f.rev >= e.Revision:
		e.Data = data
		e.FetchedAt = s.clock.Now()
		e.Status = StatusSuccess
		e.Err = nil
		e.Revision = f.rev
		e.Stale = e.staleMark > f.rev
		persist = true
	default:
		// A newer write landed while this fetch was running.
		e.Status = StatusSuccess
		e.Err = nil
		e.Stale = e.staleMark > e.Revision
	}

	if err == nil && e.Stale && len(e.observers) > 0 && !s.closed {
		s.startLocked(e)
	} else {
		s.changedLocked(e)
	}
	close(f.done)
	s.mu.Unlock()

	s.drain(e)
	if persist && s.persister != nil {
		// Close waits for this write, so it must outlive the store context.
		if err := s.persister.SaveSnapshot(context.WithoutCancel(s.ctx), e.Key.Family, e.Key.Params, data, s.clock.Now()); err != nil {
			s.logger.Warn("save snapshot failed", slog.String("key", e.Key.String()), slog.Any("error", err))
		}
	}
}

// changedLocked queues the current snapshot for delivery. Only the newest
// undelivered snapshot is kept.
func (s *Store) changedLocked(e *entry) {
	if len(e.observers) == 0 {
		return
	}
	snap := e.snapshot()
	e.pending = &snap
}

// drain delivers queued snapshots. One goroutine drains an entry at a
// time; a nested call from an observer returns immediately and its
// snapshot is picked up by the running loop.
func (s *Store) drain(e *entry) {
	s.mu.Lock()
	if e.draining {
		s.mu.Unlock()
		return
	}
	e.draining = true
	for e.pending != nil {
		snap := *e.pending
		e.pending = nil
		fns := make([]func(Entry), len(e.observers))
		for i, o := range e.observers {
			fns[i] = o.fn
		}
		s.mu.Unlock()
		for _, fn := range fns {
			fn(snap)
		}
		s.mu.Lock()
	}
	e.draining = false
	s.mu.Unlock()
}

func (e *entry) snapshot() Entry {
	snap := e.Entry
	if e.Data != nil {
		snap.Data = append([]byte(nil), e.Data...)
	}
	return snap
}
