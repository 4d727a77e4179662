package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/animeboard/internal/bus"
	"github.com/roach88/animeboard/internal/catalog"
	"github.com/roach88/animeboard/internal/model"
	"github.com/roach88/animeboard/internal/reconcile"
	"github.com/roach88/animeboard/internal/store"
)

// ErrNoCatalog is returned by catalog views on a scope built without a
// fetcher.
var ErrNoCatalog = errors.New("catalog not configured")

// ErrNoUploader is returned by UploadAvatar on a scope built without an
// uploader.
var ErrNoUploader = errors.New("uploads not configured")

// Views load with the same shape: subscribe first so nothing committed
// between the fetch and the subscription is missed, fetch on the caller's
// goroutine, then merge on the loop. A failed subscription is recorded
// and the view still loads.

func (s *Scope) subscribe(ctx context.Context, topic string) {
	if _, err := s.subs.Subscribe(ctx, topic); err != nil {
		op := "subscribe " + topic
		_ = s.failAsync(ctx, op, &channelOpenError{topic: topic, err: err})
	}
}

// channelOpenError marks a subscription that never opened so Classify
// files it as a channel failure.
type channelOpenError struct {
	topic string
	err   error
}

func (e *channelOpenError) Error() string { return fmt.Sprintf("open %s: %v", e.topic, e.err) }
func (e *channelOpenError) Unwrap() error { return e.err }

func (s *Scope) fetchCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.fetchTimeout)
}

// LoadFeed fetches posts and the user's bookmarks and subscribes to post
// row changes. It clears any title search.
func (s *Scope) LoadFeed(ctx context.Context) error {
	return s.SearchFeed(ctx, "")
}

// SearchFeed is LoadFeed limited to posts whose title contains term,
// ignoring case. Posts and pushed rows are filtered by the same term
// until the next load.
func (s *Scope) SearchFeed(ctx context.Context, term string) error {
	s.subscribe(ctx, bus.TopicPosts)

	fctx, cancel := s.fetchCtx(ctx)
	defer cancel()
	posts, err := s.backend.ListPosts(fctx, store.ListOptions{Search: term})
	if err != nil {
		return s.failAsync(ctx, "load feed", err)
	}
	marks, err := s.backend.ListBookmarks(fctx, s.user.UserID)
	if err != nil {
		return s.failAsync(ctx, "load bookmarks", err)
	}

	return s.call(ctx, "load feed", func() error {
		s.search = term
		s.rec.LoadPosts(posts)
		s.loadBookmarks(marks)
		return nil
	})
}

// loadBookmarks replaces the bookmark set. Posts with a pending
// bookmark write keep their predicted state; the fetched state is held
// until the write settles.
func (s *Scope) loadBookmarks(marks []model.Bookmark) {
	next := make(map[string]bool, len(marks))
	for _, b := range marks {
		next[b.PostID] = true
	}
	held := make(map[string]bool)
	for _, key := range s.opt.PendingKeys(bookmarkPrefix) {
		id := strings.TrimPrefix(key, bookmarkPrefix)
		held[id] = next[id]
		if s.bookmarks[id] {
			next[id] = true
		} else {
			delete(next, id)
		}
	}
	s.bookmarks = next
	s.heldMarks = held
}

// busyInteractions lists anime ids with a pending interaction write.
func (s *Scope) busyInteractions() []int {
	var ids []int
	for _, key := range s.opt.PendingKeys(interactionPrefix) {
		if id, err := strconv.Atoi(strings.TrimPrefix(key, interactionPrefix)); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Posts returns the cached feed ordered by field.
func (s *Scope) Posts(field reconcile.SortField, ascending bool) []model.Post {
	var out []model.Post
	s.read(func() {
		out = s.rec.Posts(field, ascending)
		if s.search != "" {
			out = slices.DeleteFunc(out, func(p model.Post) bool { return !titleMatches(p.Title, s.search) })
		}
	})
	return out
}

// titleMatches mirrors the store's LIKE search: a substring match that
// ignores ASCII case.
func titleMatches(title, term string) bool {
	return strings.Contains(asciiLower(title), asciiLower(term))
}

func asciiLower(s string) string {
	return strings.Map(func(r rune) rune {
		if 'A' <= r && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}

// Post returns one cached post.
func (s *Scope) Post(id string) (model.Post, bool) {
	var (
		p  model.Post
		ok bool
	)
	s.read(func() { p, ok = s.rec.Post(id) })
	return p, ok
}

// Bookmarked reports whether the current user bookmarked postID.
func (s *Scope) Bookmarked(postID string) bool {
	var on bool
	s.read(func() { on = s.bookmarks[postID] })
	return on
}

// OpenPost loads one post and its comments and subscribes to the
// post's comment topic. An absent post is a not-found failure.
func (s *Scope) OpenPost(ctx context.Context, postID string) (model.Post, error) {
	s.subscribe(ctx, bus.CommentsTopic(postID))

	fctx, cancel := s.fetchCtx(ctx)
	defer cancel()
	p, err := s.backend.GetPost(fctx, postID)
	if err != nil {
		s.subs.Close(bus.CommentsTopic(postID))
		return model.Post{}, s.failAsync(ctx, "open post", err)
	}
	comments, err := s.backend.ListComments(fctx, postID)
	if err != nil {
		return model.Post{}, s.failAsync(ctx, "load comments", err)
	}

	var out model.Post
	err = s.call(ctx, "open post", func() error {
		s.rec.Observe(p)
		s.rec.LoadComments(postID, comments)
		out, _ = s.rec.Post(postID)
		return nil
	})
	return out, err
}

// ClosePost closes the post's comment subscription and forgets its
// cached comments. Buffered deliveries for it are dropped.
func (s *Scope) ClosePost(postID string) {
	s.subs.Close(bus.CommentsTopic(postID))
	s.read(func() { s.rec.DropComments(postID) })
}

// Comments returns a post's cached comments in creation order.
func (s *Scope) Comments(postID string) []model.Comment {
	var out []model.Comment
	s.read(func() { out = s.rec.Comments(postID) })
	return out
}

// OpenNotifications loads recent notifications and subscribes to new
// ones.
func (s *Scope) OpenNotifications(ctx context.Context) error {
	s.subscribe(ctx, bus.TopicNotifications)

	fctx, cancel := s.fetchCtx(ctx)
	defer cancel()
	rows, err := s.backend.ListNotifications(fctx, notificationLimit)
	if err != nil {
		return s.failAsync(ctx, "load notifications", err)
	}
	return s.call(ctx, "load notifications", func() error {
		s.rec.LoadNotifications(rows)
		return nil
	})
}

// Notifications returns cached notifications oldest first.
func (s *Scope) Notifications() []model.Notification {
	var out []model.Notification
	s.read(func() { out = s.rec.Notifications() })
	return out
}

// Notify appends a notification. It is not optimistic: notifications
// cannot be deleted, so there is no rollback path. The row is cached
// once the write commits; the push echo deduplicates.
func (s *Scope) Notify(ctx context.Context, message string) (model.Notification, error) {
	n := model.Notification{ID: s.ids.Generate(), Message: message, CreatedAt: s.now()}
	if err := model.PrepareNotification(&n); err != nil {
		return model.Notification{}, err
	}

	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	stored, err := s.backend.AddNotification(wctx, n)
	if err != nil {
		return model.Notification{}, s.failAsync(ctx, "notify", err)
	}
	err = s.call(ctx, "notify", func() error {
		s.rec.InsertNotification(stored)
		return nil
	})
	return stored, err
}

// EnsureProfile loads the current user's profile, creating it with
// defaults if it does not exist yet.
func (s *Scope) EnsureProfile(ctx context.Context) (model.Profile, error) {
	fctx, cancel := s.fetchCtx(ctx)
	defer cancel()

	p, err := s.backend.GetProfile(fctx, s.user.UserID)
	if errors.Is(err, model.ErrNotFound) {
		slog.Info("creating missing profile", "user", s.user.UserID)
		p, err = s.backend.CreateProfile(fctx, s.user.DefaultProfile(s.now()))
	}
	if err != nil {
		return model.Profile{}, s.failAsync(ctx, "load profile", err)
	}
	err = s.call(ctx, "load profile", func() error {
		s.profile = &p
		return nil
	})
	return p, err
}

// Profile fetches another user's profile. It never creates one; an
// absent profile is a not-found failure.
func (s *Scope) Profile(ctx context.Context, userID string) (model.Profile, error) {
	if userID == s.user.UserID {
		return s.EnsureProfile(ctx)
	}
	fctx, cancel := s.fetchCtx(ctx)
	defer cancel()
	p, err := s.backend.GetProfile(fctx, userID)
	if err != nil {
		return model.Profile{}, s.failAsync(ctx, "load profile", err)
	}
	return p, nil
}

// UploadAvatar stores an image and points the current user's profile at
// it. Rejected images (type, size) are returned without a failure.
func (s *Scope) UploadAvatar(ctx context.Context, r io.Reader) (model.Profile, error) {
	if s.uploader == nil {
		return model.Profile{}, ErrNoUploader
	}
	if _, err := s.EnsureProfile(ctx); err != nil {
		return model.Profile{}, err
	}

	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	url, err := s.uploader.Upload(wctx, s.user.UserID, r)
	if errors.Is(err, model.ErrInvalid) {
		return model.Profile{}, err
	}
	if err != nil {
		return model.Profile{}, s.failAsync(ctx, "upload avatar", err)
	}
	p, err := s.backend.SetAvatar(wctx, s.user.UserID, url)
	if err != nil {
		return model.Profile{}, s.failAsync(ctx, "update avatar", err)
	}
	err = s.call(ctx, "update avatar", func() error {
		s.profile = &p
		return nil
	})
	return p, err
}

// CurrentProfile returns the cached profile of the current user.
func (s *Scope) CurrentProfile() (model.Profile, bool) {
	var (
		p  model.Profile
		ok bool
	)
	s.read(func() {
		if s.profile != nil {
			p, ok = *s.profile, true
		}
	})
	return p, ok
}

// CatalogEntry is a catalog summary joined with the user's status.
type CatalogEntry struct {
	model.AnimeSummary
	Status model.Status `json:"status,omitempty"`
}

// LoadInteractions replaces the cached statuses with the stored ones.
// Subjects with a pending write keep their predicted status.
func (s *Scope) LoadInteractions(ctx context.Context) error {
	fctx, cancel := s.fetchCtx(ctx)
	defer cancel()
	rows, err := s.backend.ListInteractions(fctx, s.user.UserID)
	if err != nil {
		return s.failAsync(ctx, "load interactions", err)
	}
	return s.call(ctx, "load interactions", func() error {
		s.inter.Load(rows, s.busyInteractions())
		return nil
	})
}

// OpenCatalog loads the user's interactions and the first catalog page.
func (s *Scope) OpenCatalog(ctx context.Context) error {
	if s.pages == nil {
		return ErrNoCatalog
	}
	if err := s.LoadInteractions(ctx); err != nil {
		return err
	}
	fctx, cancel := s.fetchCtx(ctx)
	defer cancel()
	return s.pageResult(ctx, s.pages.LoadPage(fctx, 1))
}

// LoadMore fetches the next catalog page. It is a no-op while a fetch is
// in flight or the catalog is exhausted.
func (s *Scope) LoadMore(ctx context.Context) error {
	if s.pages == nil {
		return ErrNoCatalog
	}
	fctx, cancel := s.fetchCtx(ctx)
	defer cancel()
	return s.pageResult(ctx, s.pages.LoadMore(fctx))
}

// pageResult drops results that arrived for a torn-down or superseded
// view and records real fetch errors.
func (s *Scope) pageResult(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, catalog.ErrStale), errors.Is(err, catalog.ErrClosed):
		slog.Debug("discarding catalog result", "error", err)
		return nil
	default:
		return s.failAsync(ctx, "load catalog", err)
	}
}

// HasMore reports whether another catalog page exists.
func (s *Scope) HasMore() bool {
	return s.pages != nil && s.pages.HasMore()
}

// Catalog returns the merged catalog joined with the user's statuses.
func (s *Scope) Catalog() []CatalogEntry {
	if s.pages == nil {
		return nil
	}
	items := s.pages.Items()
	out := make([]CatalogEntry, len(items))
	s.read(func() {
		for i, it := range items {
			out[i] = CatalogEntry{AnimeSummary: it, Status: s.inter.Get(it.ID)}
		}
	})
	return out
}

// Interaction returns the user's status for animeID.
func (s *Scope) Interaction(animeID int) model.Status {
	var st model.Status
	s.read(func() { st = s.inter.Get(animeID) })
	return st
}

// Interactions returns every active status, ordered by anime id.
func (s *Scope) Interactions() []model.Interaction {
	var out []model.Interaction
	s.read(func() { out = s.inter.Snapshot() })
	return out
}

// AnimeDetail fetches the full record for one catalog entry.
func (s *Scope) AnimeDetail(ctx context.Context, id int) (model.AnimeDetail, error) {
	if s.fetcher == nil {
		return model.AnimeDetail{}, ErrNoCatalog
	}
	fctx, cancel := s.fetchCtx(ctx)
	defer cancel()
	d, err := s.fetcher.Detail(fctx, id)
	if err != nil {
		return model.AnimeDetail{}, s.failAsync(ctx, "load anime", err)
	}
	return d, nil
}

// CurrentSeason fetches the airing-now list.
func (s *Scope) CurrentSeason(ctx context.Context) (model.CatalogPage, error) {
	if s.fetcher == nil {
		return model.CatalogPage{}, ErrNoCatalog
	}
	fctx, cancel := s.fetchCtx(ctx)
	defer cancel()
	page, err := s.fetcher.CurrentSeason(fctx)
	if err != nil {
		return model.CatalogPage{}, s.failAsync(ctx, "load season", err)
	}
	return page, nil
}
