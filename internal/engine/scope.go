package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/animeboard/internal/bus"
	"github.com/roach88/animeboard/internal/catalog"
	"github.com/roach88/animeboard/internal/interaction"
	"github.com/roach88/animeboard/internal/model"
	"github.com/roach88/animeboard/internal/optimistic"
	"github.com/roach88/animeboard/internal/reconcile"
	"github.com/roach88/animeboard/internal/session"
	"github.com/roach88/animeboard/internal/subscription"
)

const (
	// DefaultWriteTimeout bounds one backing write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultFetchTimeout bounds one catalog or listing fetch.
	DefaultFetchTimeout = 15 * time.Second
	// notificationLimit is how many notifications a view loads.
	notificationLimit = 50
)

// Scope is one UI scope: the owner of every piece of reconciled state on
// behalf of one signed-in user.
//
// All state below the "loop-owned" marker is touched only from Run.
// Public methods enqueue a closure and wait for it, so they are safe to
// call from any goroutine while Run is running.
type Scope struct {
	user     session.Identity
	backend  Backend
	fetcher  catalog.Fetcher
	uploader Uploader
	ids      IDGenerator
	now      func() time.Time

	writeTimeout time.Duration
	fetchTimeout time.Duration
	backoff      subscription.Backoff
	retention    int

	queue    *eventQueue
	failSeq  *Clock
	subs     *subscription.Manager
	pages    *catalog.Paginator // nil without a fetcher; thread-safe
	writes   sync.WaitGroup
	done     chan struct{}
	running  atomic.Bool
	closed   atomic.Bool
	stopOnce sync.Once

	// loop-owned
	opt       *optimistic.Engine
	rec       *reconcile.Reconciler
	inter     *interaction.Store
	bookmarks map[string]bool
	heldMarks map[string]bool // fetched bookmark state for busy posts
	search    string          // feed title filter
	profile   *model.Profile
	failures  []*Failure
	chains    map[string]chan struct{} // last write issued per key
}

// Option configures a Scope.
type Option func(*Scope)

// WithFetcher enables the catalog views.
func WithFetcher(f catalog.Fetcher) Option {
	return func(s *Scope) { s.fetcher = f }
}

// WithUploader enables avatar uploads.
func WithUploader(u Uploader) Option {
	return func(s *Scope) { s.uploader = u }
}

// WithIDs overrides the UUIDv7 generator (tests use sequential ids).
func WithIDs(ids IDGenerator) Option {
	return func(s *Scope) { s.ids = ids }
}

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Scope) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Scope) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

// WithBackoff overrides the resubscribe policy.
func WithBackoff(b subscription.Backoff) Option {
	return func(s *Scope) { s.backoff = b }
}

// WithNow overrides the wall clock used for created_at stamps.
func WithNow(now func() time.Time) Option {
	return func(s *Scope) { s.now = now }
}

// WithSettledRetention bounds duplicate-settle detection.
func WithSettledRetention(n int) Option {
	return func(s *Scope) { s.retention = n }
}

// New creates a scope for user. Run must be started before any other
// method is called.
func New(user session.Identity, backend Backend, sub bus.Subscriber, opts ...Option) *Scope {
	s := &Scope{
		user:         user,
		backend:      backend,
		ids:          UUIDv7Generator{},
		now:          func() time.Time { return time.Now().UTC() },
		writeTimeout: DefaultWriteTimeout,
		fetchTimeout: DefaultFetchTimeout,
		backoff:      subscription.DefaultBackoff,
		queue:        newEventQueue(),
		failSeq:      NewClock(),
		done:         make(chan struct{}),
		inter:        interaction.New(user.UserID),
		bookmarks:    make(map[string]bool),
		heldMarks:    make(map[string]bool),
		chains:       make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	var optOpts []optimistic.Option
	if s.retention > 0 {
		optOpts = append(optOpts, optimistic.WithSettledRetention(s.retention))
	}
	s.opt = optimistic.New(s.ids, optOpts...)
	s.rec = reconcile.New(s.postBusy)
	s.subs = subscription.New(sub, s.ids, s.enqueueDelivery,
		subscription.WithBackoff(s.backoff),
		subscription.WithReporter(s.enqueueChannelError),
	)
	if s.fetcher != nil {
		s.pages = catalog.NewPaginator(s.fetcher)
	}
	return s
}

// User returns the identity the scope acts for.
func (s *Scope) User() session.Identity { return s.user }

// Run processes loop events until ctx is cancelled or Close is called.
func (s *Scope) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scope already running")
	}
	defer close(s.done)
	slog.Info("scope starting", "user", s.user.UserID)

	for {
		ev, ok := s.queue.TryDequeue()
		if ok {
			s.processEvent(ev)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("scope stopping: context cancelled")
			s.stop()
			return ctx.Err()

		case <-s.queue.Wait():
			// The signal channel closes with the queue.
			if s.queue.Drained() {
				slog.Info("scope stopping: closed")
				return nil
			}
		}
	}
}

// Close tears the scope down: subscriptions close, the paginator
// discards late results, and the loop exits. Writes already issued are
// not cancelled; their results are dropped on arrival.
// Safe to call more than once.
func (s *Scope) Close() {
	s.stop()
	if s.running.Load() {
		<-s.done
	}
}

func (s *Scope) stop() {
	s.stopOnce.Do(func() {
		s.closed.Store(true)
		s.subs.CloseAll()
		if s.pages != nil {
			s.pages.Close()
		}
		s.queue.Close()
	})
}

// Done is closed when Run returns.
func (s *Scope) Done() <-chan struct{} { return s.done }

// Flush waits until every write issued so far has settled on the loop.
func (s *Scope) Flush(ctx context.Context) error {
	settled := make(chan struct{})
	go func() {
		s.writes.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Settle events were enqueued before their write counted down, so a
	// barrier behind them observes every result.
	return s.call(ctx, "flush", func() error { return nil })
}

// processEvent routes one event. Called only from Run.
func (s *Scope) processEvent(ev Event) {
	if s.closed.Load() {
		slog.Debug("dropping event after close", "type", ev.Type.String(), "op", ev.Op)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.fail(ev.Op, fmt.Errorf("panic: %v", r))
		}
	}()

	switch ev.Type {
	case EventTypeAction:
		ev.Action()
	case EventTypeSettle:
		s.settle(ev.Settle)
	case EventTypeDelivery:
		s.deliver(*ev.Delivery)
	default:
		slog.Warn("unknown event type", "type", int(ev.Type))
	}
}

// call runs fn on the loop and waits for it. A panic inside fn becomes
// a remote failure and is returned.
func (s *Scope) call(ctx context.Context, op string, fn func() error) error {
	var err error
	done := make(chan struct{})
	action := func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				err = s.fail(op, fmt.Errorf("panic: %v", r))
			}
		}()
		err = fn()
	}
	if !s.queue.Enqueue(Event{Type: EventTypeAction, Op: op, Action: action}) {
		return ErrScopeClosed
	}
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case <-done:
			return err
		default:
			return ErrScopeClosed
		}
	}
}

// read runs fn on the loop. Once the loop has exited nothing mutates
// the state, so fn then runs directly.
func (s *Scope) read(fn func()) {
	if err := s.call(context.Background(), "read", func() error { fn(); return nil }); err != nil {
		<-s.done
		fn()
	}
}

// fail records a failure for err and returns it. Conflicts are benign
// and return nil. Called only from the loop.
func (s *Scope) fail(op string, err error) error {
	f := newFailure(op, err)
	if f.Kind == KindConflict {
		slog.Debug("conflict treated as success", "op", op, "error", err)
		return nil
	}
	f.ID = s.failSeq.Next()
	f.At = s.now()
	s.failures = append(s.failures, f)
	slog.Warn("operation failed", "op", op, "kind", string(f.Kind), "failure_id", f.ID, "error", err)
	return f
}

// failAsync records a failure from a caller goroutine.
func (s *Scope) failAsync(ctx context.Context, op string, err error) error {
	var out error
	if callErr := s.call(ctx, op, func() error {
		out = s.fail(op, err)
		return nil
	}); callErr != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return out
}

// Failures returns the recorded failures, oldest first.
func (s *Scope) Failures() []Failure {
	var out []Failure
	s.read(func() {
		out = make([]Failure, 0, len(s.failures))
		for _, f := range s.failures {
			out = append(out, *f)
		}
	})
	return out
}

// Dismiss removes a failure. It reports whether id was present.
func (s *Scope) Dismiss(id int64) bool {
	if id <= 0 || id > s.failSeq.Current() {
		return false
	}
	found := false
	s.read(func() {
		for i, f := range s.failures {
			if f.ID == id {
				s.failures = append(s.failures[:i], s.failures[i+1:]...)
				found = true
				return
			}
		}
	})
	return found
}

// Pending returns the number of unsettled optimistic mutations.
func (s *Scope) Pending() int {
	var n int
	s.read(func() { n = s.opt.PendingCount() })
	return n
}

func (s *Scope) enqueueDelivery(d subscription.Delivery) {
	s.queue.Enqueue(Event{Type: EventTypeDelivery, Op: "deliver " + d.Topic, Delivery: &d})
}

// deliver reduces one push event. Called only from Run.
func (s *Scope) deliver(d subscription.Delivery) {
	if !s.subs.Live(d.SubID) {
		slog.Debug("dropping delivery for closed subscription", "topic", d.Topic, "sub_id", d.SubID)
		return
	}
	out, err := s.rec.OnEvent(d.Event)
	if err != nil {
		slog.Warn("push event rejected", "topic", d.Topic, "event", d.Event.ID, "error", err)
		return
	}
	slog.Debug("push event reconciled", "topic", d.Topic, "event", d.Event.ID, "outcome", out.String())
}

// enqueueChannelError runs on pump goroutines. Only the final report of
// a handle that gave up is a failure; retries are logged.
func (s *Scope) enqueueChannelError(ce *subscription.ChannelError) {
	if !ce.Final {
		slog.Info("subscription dropped, resubscribing", "topic", ce.Topic, "attempt", ce.Attempt, "error", ce.Err)
		return
	}
	op := "subscribe " + ce.Topic
	s.queue.Enqueue(Event{Type: EventTypeAction, Op: op, Action: func() { s.fail(op, ce) }})
}
