// Package livesync keeps cached queries fresh in the background: a
// Subscription holds the push stream of change notifications and a Poller
// invalidates watched query families on a fixed period.
package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/daviddao/deskbeads/internal/cache"
	"github.com/daviddao/deskbeads/internal/clock"
	"github.com/daviddao/deskbeads/internal/logging"
	"github.com/daviddao/deskbeads/internal/metrics"
	"github.com/daviddao/deskbeads/internal/sse"
	"github.com/daviddao/deskbeads/internal/types"
)

// DefaultBackoff is the fixed delay between connection attempts.
const DefaultBackoff = 3 * time.Second

// Stream event types.
const (
	EventTicketUpdated = "email_updated"
	EventKeepalive     = "keepalive"
)

// State of the push connection.
type State string

const (
	StateClosed     State = "closed"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
)

var errStreamEnded = errors.New("event stream ended")

// Opener opens the change notification stream.
type Opener interface {
	Events(ctx context.Context) (io.ReadCloser, error)
}

// Invalidator is the part of the cache store the background channels write.
type Invalidator interface {
	Invalidate(m cache.Matcher) int
}

// SubscriptionOptions configures a Subscription.
type SubscriptionOptions struct {
	Opener  Opener
	Store   Invalidator
	Clock   clock.Clock
	Logger  *slog.Logger
	Backoff time.Duration
	// OnChange, if set, is called after a notification's invalidations.
	OnChange func(types.ChangeNotification)
}

// Subscription owns at most one push connection. Connection attempts run
// on a single goroutine, so two attempts never overlap.
type Subscription struct {
	opener   Opener
	store    Invalidator
	clock    clock.Clock
	logger   *slog.Logger
	backoff  time.Duration
	onChange func(types.ChangeNotification)

	mu       sync.Mutex
	state    State
	attempts int
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSubscription builds a closed Subscription.
func NewSubscription(opts SubscriptionOptions) *Subscription {
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Subscription{
		opener:   opts.Opener,
		store:    opts.Store,
		clock:    clk,
		logger:   logging.OrDiscard(opts.Logger),
		backoff:  backoff,
		onChange: opts.OnChange,
		state:    StateClosed,
	}
}

// Start launches the connection loop. It is a no-op while the loop runs.
func (s *Subscription) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop closes the connection and waits for the loop to exit.
func (s *Subscription) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// State returns the current connection state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the number of connection attempts made so far.
func (s *Subscription) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Subscription) setState(state State) {
	s.mu.Lock()
	s.state = state
	if state == StateConnecting {
		s.attempts++
	}
	s.mu.Unlock()
}

func (s *Subscription) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.setState(StateClosed)

	for {
		s.setState(StateConnecting)
		body, err := s.opener.Events(ctx)
		metrics.StreamConnect(err)
		if err == nil {
			s.setState(StateOpen)
			s.logger.Debug("event stream open")
			err = s.consume(ctx, body)
		}
		s.setState(StateClosed)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("event stream closed, reconnecting",
			slog.Any("error", err),
			slog.Duration("backoff", s.backoff),
		)

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.backoff):
		}
	}
}

func (s *Subscription) consume(ctx context.Context, body io.ReadCloser) error {
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer func() {
		stop()
		_ = body.Close()
	}()

	scanner := sse.NewScanner(body)
	for scanner.Next() {
		s.handle(scanner.Event())
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errStreamEnded
}

func (s *Subscription) handle(ev sse.Event) {
	switch ev.Type {
	case EventTicketUpdated:
	case EventKeepalive:
		metrics.StreamEvent("keepalive")
		return
	default:
		metrics.StreamEvent("ignored")
		return
	}

	var n types.ChangeNotification
	if err := json.Unmarshal([]byte(ev.Data), &n); err != nil || n.ID <= 0 {
		metrics.StreamEvent("malformed")
		s.logger.Debug("dropped malformed notification", slog.String("data", ev.Data))
		return
	}
	metrics.StreamEvent("change")

	Notify(s.store, n.ID)
	if s.onChange != nil {
		s.onChange(n)
	}
}

// Notify applies a change notification for ticket id: the ticket's detail
// entry, every list query and the summary are invalidated. Repeated calls
// are idempotent.
func Notify(store Invalidator, id int64) {
	store.Invalidate(cache.Exact(cache.TicketKey(id)))
	store.Invalidate(cache.Family(cache.FamilyList))
	store.Invalidate(cache.Exact(cache.SummaryKey))
	metrics.Invalidation("push")
}
