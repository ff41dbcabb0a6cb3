// Package actions runs operator mutations against the backend and keeps
// the cache consistent with their results.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/daviddao/deskbeads/internal/cache"
	"github.com/daviddao/deskbeads/internal/clock"
	"github.com/daviddao/deskbeads/internal/logging"
	"github.com/daviddao/deskbeads/internal/metrics"
	"github.com/daviddao/deskbeads/internal/types"
)

// DefaultReconcileDelay is how long a deferred regeneration waits before
// refetching the ticket.
const DefaultReconcileDelay = 6 * time.Second

// Action names, used in logs and metrics.
const (
	ActionEdit       = "edit"
	ActionRegenerate = "regenerate"
	ActionApprove    = "approve"
	ActionSend       = "send"
	ActionResolve    = "resolve"
)

var (
	// ErrNotAllowed is returned, without contacting the backend, when the
	// ticket's current state does not permit the action.
	ErrNotAllowed = errors.New("action not allowed for ticket state")
	// ErrPending is returned when a regeneration for the ticket is still
	// outstanding.
	ErrPending = errors.New("regeneration already in progress")
)

// Backend is the mutating half of the API client.
type Backend interface {
	UpdateResponse(ctx context.Context, id int64, text string) (*types.Ticket, error)
	Regenerate(ctx context.Context, id int64) (*types.Ticket, error)
	Approve(ctx context.Context, id int64) (*types.Ticket, error)
	Send(ctx context.Context, id int64) (*types.Ticket, error)
	Resolve(ctx context.Context, id int64) (*types.Ticket, error)
}

// Store is the cache surface the orchestrator reads and writes.
type Store interface {
	Peek(key cache.Key) (cache.Entry, bool)
	Get(ctx context.Context, key cache.Key) (cache.Entry, error)
	Invalidate(m cache.Matcher) int
	Reserve() uint64
	SetAt(key cache.Key, data []byte, rev uint64) bool
}

// CanApprove reports whether t has a draft awaiting approval.
func CanApprove(t *types.Ticket) bool {
	return t.Status == types.StatusPending && t.HasDraft()
}

// CanSend reports whether t has a draft that can still be sent.
func CanSend(t *types.Ticket) bool {
	return t.Status != types.StatusResolved && t.HasDraft()
}

// CanResolve reports whether t is still open.
func CanResolve(t *types.Ticket) bool {
	return t.Status != types.StatusResolved
}

// RegenerateResult describes how a regeneration completed.
type RegenerateResult struct {
	Ticket *types.Ticket
	// Deferred is set when the backend queued the work; the cache keeps the
	// previous draft and a reconciliation is scheduled.
	Deferred bool
}

// Options configures an Orchestrator.
type Options struct {
	Backend        Backend
	Store          Store
	Clock          clock.Clock
	Logger         *slog.Logger
	ReconcileDelay time.Duration
}

// Orchestrator is safe for concurrent use. Failed mutations are returned
// to the caller and never retried.
type Orchestrator struct {
	backend Backend
	store   Store
	clock   clock.Clock
	logger  *slog.Logger
	delay   time.Duration

	mu           sync.Mutex
	regenerating map[int64]bool
	reconciles   map[int64]*reconcile
	closed       bool
}

type reconcile struct {
	timer *clock.Timer
}

// New builds an Orchestrator.
func New(opts Options) *Orchestrator {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	delay := opts.ReconcileDelay
	if delay <= 0 {
		delay = DefaultReconcileDelay
	}
	return &Orchestrator{
		backend:      opts.Backend,
		store:        opts.Store,
		clock:        clk,
		logger:       logging.OrDiscard(opts.Logger),
		delay:        delay,
		regenerating: make(map[int64]bool),
		reconciles:   make(map[int64]*reconcile),
	}
}

// EditResponse saves a manually edited draft.
func (o *Orchestrator) EditResponse(ctx context.Context, id int64, text string) (*types.Ticket, error) {
	if strings.TrimSpace(text) == "" {
		metrics.Mutation(ActionEdit, metrics.OutcomeSkipped)
		return nil, fmt.Errorf("%w: response text is empty", ErrNotAllowed)
	}
	return o.confirm(ctx, ActionEdit, id, func() (*types.Ticket, error) {
		return o.backend.UpdateResponse(ctx, id, text)
	})
}

// Approve approves the ticket's draft. It requires a pending ticket with a
// draft.
func (o *Orchestrator) Approve(ctx context.Context, id int64) (*types.Ticket, error) {
	if err := o.guard(ctx, ActionApprove, id, CanApprove); err != nil {
		return nil, err
	}
	return o.confirm(ctx, ActionApprove, id, func() (*types.Ticket, error) {
		return o.backend.Approve(ctx, id)
	})
}

// Send dispatches the ticket's draft. It requires an open ticket with a
// draft.
func (o *Orchestrator) Send(ctx context.Context, id int64) (*types.Ticket, error) {
	if err := o.guard(ctx, ActionSend, id, CanSend); err != nil {
		return nil, err
	}
	return o.confirm(ctx, ActionSend, id, func() (*types.Ticket, error) {
		return o.backend.Send(ctx, id)
	})
}

// Resolve closes an open ticket.
func (o *Orchestrator) Resolve(ctx context.Context, id int64) (*types.Ticket, error) {
	if err := o.guard(ctx, ActionResolve, id, CanResolve); err != nil {
		return nil, err
	}
	return o.confirm(ctx, ActionResolve, id, func() (*types.Ticket, error) {
		return o.backend.Resolve(ctx, id)
	})
}

// Regenerate asks for a new draft. A draft returned synchronously is
// written straight into the ticket's cache entry at a revision reserved
// before the request, so a refetch started later wins over it. An empty
// draft means the backend deferred the work: the cache is left alone and
// one delayed refetch of the ticket is scheduled.
func (o *Orchestrator) Regenerate(ctx context.Context, id int64) (RegenerateResult, error) {
	o.mu.Lock()
	if o.regenerating[id] {
		o.mu.Unlock()
		metrics.Mutation(ActionRegenerate, metrics.OutcomeSkipped)
		return RegenerateResult{}, ErrPending
	}
	o.regenerating[id] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.regenerating, id)
		o.mu.Unlock()
	}()

	rev := o.store.Reserve()
	t, err := o.backend.Regenerate(ctx, id)
	if err != nil {
		metrics.Mutation(ActionRegenerate, metrics.OutcomeError)
		return RegenerateResult{}, fmt.Errorf("regenerate ticket %d: %w", id, err)
	}
	metrics.Mutation(ActionRegenerate, metrics.OutcomeSuccess)

	if !t.HasDraft() {
		o.scheduleReconcile(id)
		o.logger.Info("draft generation deferred",
			slog.Int64("ticket", id),
			slog.Duration("reconcile_in", o.delay),
		)
		return RegenerateResult{Ticket: t, Deferred: true}, nil
	}

	data, err := json.Marshal(t)
	if err != nil {
		return RegenerateResult{}, fmt.Errorf("encode ticket %d: %w", id, err)
	}
	if !o.store.SetAt(cache.TicketKey(id), data, rev) {
		o.logger.Debug("regenerated draft superseded by newer fetch", slog.Int64("ticket", id))
	}
	o.store.Invalidate(cache.Family(cache.FamilyList))
	metrics.Invalidation("mutation")
	return RegenerateResult{Ticket: t}, nil
}

// Regenerating reports whether a regeneration for id is outstanding.
func (o *Orchestrator) Regenerating(id int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.regenerating[id]
}

// Reconciling reports whether a delayed refetch for id is scheduled.
func (o *Orchestrator) Reconciling(id int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.reconciles[id]
	return ok
}

// Close cancels scheduled reconciliations.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for id, r := range o.reconciles {
		r.timer.Stop()
		delete(o.reconciles, id)
	}
}

// scheduleReconcile replaces any pending reconciliation for id.
func (o *Orchestrator) scheduleReconcile(id int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if prev, ok := o.reconciles[id]; ok {
		prev.timer.Stop()
	}
	r := &reconcile{}
	o.reconciles[id] = r
	r.timer = o.clock.AfterFunc(o.delay, func() { o.fireReconcile(id, r) })
}

func (o *Orchestrator) fireReconcile(id int64, r *reconcile) {
	o.mu.Lock()
	if o.reconciles[id] != r {
		o.mu.Unlock()
		return
	}
	delete(o.reconciles, id)
	o.mu.Unlock()

	o.store.Invalidate(cache.Exact(cache.TicketKey(id)))
	metrics.Invalidation("reconcile")
	o.logger.Debug("reconciled deferred draft", slog.Int64("ticket", id))
}

// guard loads the ticket's last known state and checks allowed against it.
func (o *Orchestrator) guard(ctx context.Context, action string, id int64, allowed func(*types.Ticket) bool) error {
	t, err := o.current(ctx, id)
	if err != nil {
		return err
	}
	if !allowed(t) {
		metrics.Mutation(action, metrics.OutcomeSkipped)
		return fmt.Errorf("%w: cannot %s ticket %d (status %s)", ErrNotAllowed, action, id, t.Status)
	}
	return nil
}

func (o *Orchestrator) current(ctx context.Context, id int64) (*types.Ticket, error) {
	key := cache.TicketKey(id)
	e, ok := o.store.Peek(key)
	if !ok || !e.HasData() {
		var err error
		e, err = o.store.Get(ctx, key)
		if err != nil && !e.HasData() {
			return nil, fmt.Errorf("load ticket %d: %w", id, err)
		}
	}
	var t types.Ticket
	if err := cache.Decode(e, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// cachedStatus returns the ticket's cached status, or "" when none is held.
func (o *Orchestrator) cachedStatus(id int64) string {
	e, ok := o.store.Peek(cache.TicketKey(id))
	if !ok || !e.HasData() {
		return ""
	}
	var t types.Ticket
	if err := cache.Decode(e, &t); err != nil {
		return ""
	}
	return t.Status
}

// confirm sends a mutation and, on success, invalidates everything the
// ticket's change can affect. No status is written locally.
func (o *Orchestrator) confirm(ctx context.Context, action string, id int64, send func() (*types.Ticket, error)) (*types.Ticket, error) {
	before := o.cachedStatus(id)
	t, err := send()
	if err != nil {
		metrics.Mutation(action, metrics.OutcomeError)
		return nil, fmt.Errorf("%s ticket %d: %w", action, id, err)
	}
	metrics.Mutation(action, metrics.OutcomeSuccess)
	if before != "" && t.Status != before && !types.CanAdvance(before, t.Status) {
		metrics.StatusRegression(action)
		o.logger.Warn("ticket status moved backwards",
			slog.String("action", action),
			slog.Int64("ticket", id),
			slog.String("from", before),
			slog.String("to", t.Status),
		)
	}

	o.store.Invalidate(cache.Exact(cache.TicketKey(id)))
	o.store.Invalidate(cache.Family(cache.FamilyList))
	o.store.Invalidate(cache.Exact(cache.SummaryKey))
	metrics.Invalidation("mutation")

	o.logger.Info("ticket updated",
		slog.String("action", action),
		slog.Int64("ticket", id),
		slog.String("status", t.Status),
	)
	return t, nil
}
