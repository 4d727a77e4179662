package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/animeboard/internal/model"
)

// ErrClosed is returned by a Paginator after Close.
var ErrClosed = errors.New("paginator closed")

// ErrStale marks a result that was superseded or arrived after Close
// and has been discarded.
var ErrStale = errors.New("stale page result")

// Ticket identifies one in-flight page fetch.
type Ticket struct {
	Page int
	seq  uint64
}

// Paginator merges numbered pages into one ordered list.
//
// RULES:
//   - Page 1 replaces the held sequence; page > 1 appends items whose id
//     is not already held
//   - A failed fetch leaves the sequence untouched
//   - LoadMore is a no-op while a fetch is in flight or !HasMore
//   - Results completing after Close, or after a newer Begin, are dropped
//
// The split form (Begin, then Complete) lets a single-writer loop run the
// fetch in a goroutine and apply its result on the loop. LoadPage and
// LoadMore do both in one call.
//
// Thread-safety: all methods are safe for concurrent use.
type Paginator struct {
	fetch Fetcher

	mu       sync.Mutex
	items    []model.AnimeSummary
	ids      map[int]struct{}
	page     int  // last page merged
	hasMore  bool // from the last merged page
	inFlight bool
	seq      uint64
	closed   bool
}

// NewPaginator creates an empty Paginator. HasMore starts true so the
// first LoadMore fetches page 1.
func NewPaginator(fetch Fetcher) *Paginator {
	return &Paginator{fetch: fetch, ids: make(map[int]struct{}), hasMore: true}
}

// Begin reserves a fetch for page. force allows it to supersede an
// in-flight fetch (a refresh); otherwise Begin refuses while one is
// running. ok is false when nothing should be fetched.
func (p *Paginator) Begin(page int, force bool) (Ticket, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight && !force {
		return Ticket{}, false
	}
	return p.beginLocked(page)
}

// BeginNext reserves the page after the last merged one, honoring the
// LoadMore no-op rules.
func (p *Paginator) BeginNext() (Ticket, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight || !p.hasMore {
		return Ticket{}, false
	}
	return p.beginLocked(p.page + 1)
}

func (p *Paginator) beginLocked(page int) (Ticket, bool) {
	if p.closed || page < 1 {
		return Ticket{}, false
	}
	p.seq++
	p.inFlight = true
	return Ticket{Page: page, seq: p.seq}, true
}

// Complete applies the outcome of t's fetch. A fetch error is returned
// wrapped with the page number and leaves the sequence as it was.
func (p *Paginator) Complete(t Ticket, page model.CatalogPage, fetchErr error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || t.seq != p.seq {
		return ErrStale
	}
	p.inFlight = false

	if fetchErr != nil {
		return fmt.Errorf("load page %d: %w", t.Page, fetchErr)
	}

	if t.Page == 1 {
		p.items = p.items[:0:0]
		p.ids = make(map[int]struct{}, len(page.Items))
	}
	for _, it := range page.Items {
		if _, dup := p.ids[it.ID]; dup {
			continue
		}
		p.ids[it.ID] = struct{}{}
		p.items = append(p.items, it)
	}
	p.page = t.Page
	p.hasMore = page.HasNextPage
	return nil
}

// LoadPage fetches and merges page, superseding any in-flight fetch.
func (p *Paginator) LoadPage(ctx context.Context, page int) error {
	t, ok := p.Begin(page, true)
	if !ok {
		if p.Closed() {
			return ErrClosed
		}
		return model.Invalidf("page %d (want >= 1)", page)
	}
	res, err := p.fetch.TopPage(ctx, page)
	return p.Complete(t, res, err)
}

// LoadMore fetches the next page. It returns nil without fetching when a
// fetch is in flight or there is nothing more.
func (p *Paginator) LoadMore(ctx context.Context) error {
	t, ok := p.BeginNext()
	if !ok {
		if p.Closed() {
			return ErrClosed
		}
		return nil
	}
	res, err := p.fetch.TopPage(ctx, t.Page)
	return p.Complete(t, res, err)
}

// Fetcher returns the source used by LoadPage and LoadMore.
func (p *Paginator) Fetcher() Fetcher { return p.fetch }

// Items returns a copy of the merged sequence.
func (p *Paginator) Items() []model.AnimeSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.AnimeSummary, len(p.items))
	copy(out, p.items)
	return out
}

// Page returns the last merged page number (0 before the first).
func (p *Paginator) Page() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.page
}

// HasMore reports the continuation flag of the last merged page.
func (p *Paginator) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

// InFlight reports whether a fetch is reserved and not yet completed.
func (p *Paginator) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Close discards any in-flight result. Safe to call more than once.
func (p *Paginator) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.inFlight = false
}

// Closed reports whether Close was called.
func (p *Paginator) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
