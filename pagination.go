package chatterbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// DefaultScrollDebounce is the scroll inactivity required before a fetch.
const DefaultScrollDebounce = 120 * time.Millisecond

// Viewport is the scrollable message list of the host UI.
type Viewport interface {
	ScrollHeight() float64
	ScrollTop() float64
	SetScrollTop(top float64)
}

// Pager loads older history when the viewport is scrolled to the top and
// keeps the visible content in place while the page is prepended.
type Pager struct {
	session   *Session
	ledger    *Ledger
	history   HistoryFetcher
	viewport  Viewport
	clock     clock.Clock
	debounce  time.Duration
	threshold float64
	logger    logrus.FieldLogger
	notify    *notifier

	mu            sync.Mutex
	loading       bool
	gen           uint64
	timer         *clock.Timer
	suppressUntil time.Time
}

func newPager(session *Session, ledger *Ledger, history HistoryFetcher, viewport Viewport, clk clock.Clock, debounce time.Duration, threshold float64, logger logrus.FieldLogger, n *notifier) *Pager {
	return &Pager{
		session:   session,
		ledger:    ledger,
		history:   history,
		viewport:  viewport,
		clock:     clk,
		debounce:  debounce,
		threshold: threshold,
		logger:    componentLogger(logger, "pager"),
		notify:    n,
	}
}

// Loading reports whether a fetch is in flight.
func (p *Pager) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

// LoadOlderMessages fetches the page before the active conversation's
// cursor. It is a no-op while loading, or when no cursor or no more history
// exists. A page arriving after a conversation switch is dropped.
func (p *Pager) LoadOlderMessages(ctx context.Context) (int, error) {
	conv, epoch := p.session.current()
	if conv == "" || p.history == nil {
		return 0, nil
	}
	pag := p.session.Pagination()

	p.mu.Lock()
	if !pag.HasMore || pag.Cursor == "" || p.loading {
		p.mu.Unlock()
		return 0, nil
	}
	p.loading = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.loading = false
		p.mu.Unlock()
	}()

	var heightBefore, topBefore float64
	if p.viewport != nil {
		heightBefore = p.viewport.ScrollHeight()
		topBefore = p.viewport.ScrollTop()
	}

	log := p.logger.WithField("conversation_id", maskID(conv))
	page, err := p.history.FetchHistory(ctx, conv, pag.Cursor)
	if err != nil {
		return 0, fmt.Errorf("fetch older messages: %w", err)
	}
	if !p.session.isCurrent(conv, epoch) {
		log.Debug("discarding stale page")
		return 0, nil
	}

	added := p.ledger.Prepend(page.Messages)
	p.session.setPagination(conv, Pagination{Cursor: page.Cursor, HasMore: page.HasMore})
	p.notify.emit(NotifyLedgerChanged, conv)
	log.WithFields(logrus.Fields{"added": added, "has_more": page.HasMore}).Debug("older messages loaded")

	if p.viewport != nil && added > 0 {
		delta := p.viewport.ScrollHeight() - heightBefore
		p.mu.Lock()
		p.suppressUntil = p.clock.Now().Add(p.debounce)
		p.mu.Unlock()
		p.viewport.SetScrollTop(topBefore + delta)
	}
	return added, nil
}

// OnScroll is called for every scroll event of the viewport. Once scrolling
// settles at the top a fetch starts. Events caused by the pager's own
// position restore are ignored.
func (p *Pager) OnScroll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clock.Now().Before(p.suppressUntil) {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = p.clock.AfterFunc(p.debounce, func() { p.settle(gen) })
}

func (p *Pager) settle(gen uint64) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	p.mu.Unlock()

	if p.viewport == nil || p.viewport.ScrollTop() > p.threshold {
		return
	}
	if _, err := p.LoadOlderMessages(context.Background()); err != nil {
		p.logger.WithError(err).Warn("loading older messages failed")
	}
}

// Stop cancels a pending debounced fetch.
func (p *Pager) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
