package livesync

import (
	"log/slog"
	"sync"
	"time"

	"github.com/daviddao/deskbeads/internal/cache"
	"github.com/daviddao/deskbeads/internal/clock"
	"github.com/daviddao/deskbeads/internal/logging"
	"github.com/daviddao/deskbeads/internal/metrics"
)

// Default poll periods.
const (
	DefaultListInterval    = 8 * time.Second
	DefaultSummaryInterval = 10 * time.Second
)

// Poller invalidates watched queries on a fixed period. A poll runs only
// while at least one watcher holds its name.
type Poller struct {
	store  Invalidator
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	polls map[string]*poll
	wg    sync.WaitGroup
}

type poll struct {
	refs   int
	ticker *clock.Ticker
	stop   chan struct{}
}

// NewPoller builds a Poller writing to store.
func NewPoller(store Invalidator, clk clock.Clock, logger *slog.Logger) *Poller {
	if clk == nil {
		clk = clock.Real()
	}
	return &Poller{
		store:  store,
		clock:  clk,
		logger: logging.OrDiscard(logger),
		polls:  make(map[string]*poll),
	}
}

// Watch holds the poll called name, starting it on the first hold. The
// interval and matcher of the first hold win. A non-positive interval
// disables polling. Cancel releases the hold; the last release stops the
// poll.
func (p *Poller) Watch(name string, interval time.Duration, m cache.Matcher) (cancel func()) {
	if interval <= 0 {
		return func() {}
	}

	p.mu.Lock()
	pl, ok := p.polls[name]
	if !ok {
		pl = &poll{ticker: p.clock.NewTicker(interval), stop: make(chan struct{})}
		p.polls[name] = pl
		p.wg.Add(1)
		go p.run(name, pl, m)
		p.logger.Debug("poll started", slog.String("name", name), slog.Duration("interval", interval))
	}
	pl.refs++
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { p.release(name, pl) })
	}
}

// Active reports whether the named poll is running.
func (p *Poller) Active(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.polls[name]
	return ok
}

// Close stops every poll and waits for them to exit.
func (p *Poller) Close() {
	p.mu.Lock()
	for name, pl := range p.polls {
		pl.ticker.Stop()
		close(pl.stop)
		delete(p.polls, name)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Poller) release(name string, pl *poll) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl.refs--
	if pl.refs > 0 || p.polls[name] != pl {
		return
	}
	pl.ticker.Stop()
	close(pl.stop)
	delete(p.polls, name)
	p.logger.Debug("poll stopped", slog.String("name", name))
}

func (p *Poller) run(name string, pl *poll, m cache.Matcher) {
	defer p.wg.Done()
	for {
		select {
		case <-pl.stop:
			return
		case <-pl.ticker.C:
			select {
			case <-pl.stop:
				return
			default:
			}
			n := p.store.Invalidate(m)
			metrics.Invalidation("poll")
			p.logger.Debug("poll tick", slog.String("name", name), slog.Int("entries", n))
		}
	}
}
