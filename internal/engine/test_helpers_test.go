package engine

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/roach88/animeboard/internal/bus"
	"github.com/roach88/animeboard/internal/model"
	"github.com/roach88/animeboard/internal/session"
	"github.com/roach88/animeboard/internal/store"
	"github.com/roach88/animeboard/internal/testutil"
)

var t0 = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

var alice = session.Identity{UserID: "u1", Email: "alice@example.com"}

// testBackend wraps a real store. Ops can be failed or held at a gate
// until the test releases them.
type testBackend struct {
	*store.Store

	mu    sync.Mutex
	errs  map[string]error
	once  map[string]error
	gates map[string]chan struct{}
	calls map[string]int
}

func (b *testBackend) failWith(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs[op] = err
}

// failNext fails only the next call of op.
func (b *testBackend) failNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.once[op] = err
}

// hold makes op block until the returned release func runs.
func (b *testBackend) hold(op string) (release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	gate := make(chan struct{})
	b.gates[op] = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (b *testBackend) count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// hook waits at op's gate, then returns op's injected error.
func (b *testBackend) hook(ctx context.Context, op string) error {
	b.mu.Lock()
	b.calls[op]++
	gate := b.gates[op]
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.once[op]; ok {
		delete(b.once, op)
		return err
	}
	return b.errs[op]
}

func (b *testBackend) SetLike(ctx context.Context, postID, userID string, liked bool) (model.Post, error) {
	if err := b.hook(ctx, "like"); err != nil {
		return model.Post{}, err
	}
	return b.Store.SetLike(ctx, postID, userID, liked)
}

func (b *testBackend) Upvote(ctx context.Context, postID string) (model.Post, error) {
	if err := b.hook(ctx, "upvote"); err != nil {
		return model.Post{}, err
	}
	return b.Store.Upvote(ctx, postID)
}

func (b *testBackend) CreatePost(ctx context.Context, p model.Post) (model.Post, error) {
	if err := b.hook(ctx, "create post"); err != nil {
		return model.Post{}, err
	}
	return b.Store.CreatePost(ctx, p)
}

func (b *testBackend) EditPost(ctx context.Context, id, userID string, edit model.PostEdit) (model.Post, error) {
	if err := b.hook(ctx, "edit post"); err != nil {
		return model.Post{}, err
	}
	return b.Store.EditPost(ctx, id, userID, edit)
}

func (b *testBackend) DeletePost(ctx context.Context, id, userID string) error {
	if err := b.hook(ctx, "delete post"); err != nil {
		return err
	}
	return b.Store.DeletePost(ctx, id, userID)
}

func (b *testBackend) AddComment(ctx context.Context, c model.Comment) (model.Comment, error) {
	if err := b.hook(ctx, "comment"); err != nil {
		return model.Comment{}, err
	}
	return b.Store.AddComment(ctx, c)
}

func (b *testBackend) DeleteComment(ctx context.Context, id, userID string) error {
	if err := b.hook(ctx, "delete comment"); err != nil {
		return err
	}
	return b.Store.DeleteComment(ctx, id, userID)
}

func (b *testBackend) PutInteraction(ctx context.Context, row model.Interaction) error {
	if err := b.hook(ctx, "mark anime"); err != nil {
		return err
	}
	return b.Store.PutInteraction(ctx, row)
}

func (b *testBackend) DeleteInteraction(ctx context.Context, userID string, animeID int) error {
	if err := b.hook(ctx, "mark anime"); err != nil {
		return err
	}
	return b.Store.DeleteInteraction(ctx, userID, animeID)
}

func (b *testBackend) AddBookmark(ctx context.Context, userID, postID string) error {
	if err := b.hook(ctx, "bookmark"); err != nil {
		return err
	}
	return b.Store.AddBookmark(ctx, userID, postID)
}

func (b *testBackend) RemoveBookmark(ctx context.Context, userID, postID string) error {
	if err := b.hook(ctx, "bookmark"); err != nil {
		return err
	}
	return b.Store.RemoveBookmark(ctx, userID, postID)
}

func (b *testBackend) ListPosts(ctx context.Context, opts store.ListOptions) ([]model.Post, error) {
	if err := b.hook(ctx, "load feed"); err != nil {
		return nil, err
	}
	return b.Store.ListPosts(ctx, opts)
}

// fakeFetcher serves numbered catalog pages of per items each.
type fakeFetcher struct {
	pages int
	per   int

	mu   sync.Mutex
	gate chan struct{}
	err  error
}

func (f *fakeFetcher) TopPage(ctx context.Context, page int) (model.CatalogPage, error) {
	f.mu.Lock()
	gate, err := f.gate, f.err
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.CatalogPage{}, ctx.Err()
		}
	}
	if err != nil {
		return model.CatalogPage{}, err
	}
	out := model.CatalogPage{Number: page, HasNextPage: page < f.pages, LastVisiblePage: f.pages}
	for i := 0; i < f.per; i++ {
		id := (page-1)*f.per + i + 1
		out.Items = append(out.Items, model.AnimeSummary{ID: id, Title: "Anime"})
	}
	return out, nil
}

func (f *fakeFetcher) Detail(_ context.Context, id int) (model.AnimeDetail, error) {
	if id > f.pages*f.per {
		return model.AnimeDetail{}, model.NotFoundf("anime %d", id)
	}
	return model.AnimeDetail{AnimeSummary: model.AnimeSummary{ID: id, Title: "Anime"}, Studios: []string{"Bones"}}, nil
}

func (f *fakeFetcher) CurrentSeason(ctx context.Context) (model.CatalogPage, error) {
	return f.TopPage(ctx, 1)
}

// mockUploader is a testify mock of Uploader.
type mockUploader struct {
	mock.Mock
}

func (m *mockUploader) Upload(ctx context.Context, userID string, r io.Reader) (string, error) {
	args := m.Called(ctx, userID, r)
	return args.String(0), args.Error(1)
}

// failingSubscriber refuses every subscription.
type failingSubscriber struct{}

func (failingSubscriber) Subscribe(context.Context, string) (bus.Stream, error) {
	return nil, bus.ErrClosed
}

type harness struct {
	scope   *Scope
	backend *testBackend
	bus     *bus.Memory
}

// newHarness opens a store publishing to a memory bus and runs a scope
// for alice over both.
func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	mem := bus.NewMemory(0)
	t.Cleanup(func() { mem.Close() })

	clock := testutil.NewSteppingClock(t0, time.Second)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithPublisher(mem), store.WithNow(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := &testBackend{
		Store: st,
		errs:  make(map[string]error),
		once:  make(map[string]error),
		gates: make(map[string]chan struct{}),
		calls: make(map[string]int),
	}

	base := []Option{
		WithIDs(testutil.NewSeqIDs("id")),
		WithNow(clock.Now),
		WithWriteTimeout(5 * time.Second),
	}
	s := New(alice, b, mem, append(base, opts...)...)
	startScope(t, s)
	return &harness{scope: s, backend: b, bus: mem}
}

func startScope(t *testing.T, s *Scope) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	t.Cleanup(func() {
		s.Close()
		cancel()
		<-errc
	})
}

// seedPost stores a post directly, bypassing the scope.
func (h *harness) seedPost(t *testing.T, id, author string, likes ...string) model.Post {
	t.Helper()
	p, err := h.backend.Store.CreatePost(context.Background(), model.Post{
		ID:        id,
		Title:     "Title " + id,
		Content:   "body",
		UserID:    author,
		Likes:     model.NewLikeSet(likes...),
		CreatedAt: t0,
	})
	require.NoError(t, err)
	return p
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.scope.Flush(ctx))
}

// barrier waits until every event queued so far has been processed.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	require.NoError(t, h.scope.call(context.Background(), "barrier", func() error { return nil }))
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
