// Package reconcile owns the typed local cache (posts, comments,
// notifications) and merges push-delivered events into it exactly once.
//
// RULES:
//   - Dedup key is the entity id. An insert for an id already present is a
//     confirmation (Duplicate), not a second insert. This is what keeps an
//     optimistically added comment from appearing twice when the bus
//     echoes it back.
//   - Inserts land at their creation-time position, not arrival position.
//   - Deleting an absent id is a no-op. Deleted ids are tombstoned so a
//     redelivered insert cannot resurrect them.
//   - A post update for a post with pending optimistic mutations is held
//     back (Deferred); Flush applies the latest held row once the post is
//     idle, so server truth wins after local writes settle.
//
// A Reconciler belongs to one scope and is not safe for concurrent use.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/roach88/animeboard/internal/bus"
	"github.com/roach88/animeboard/internal/model"
)

// Outcome reports what OnEvent did with an event.
type Outcome int

const (
	// Ignored: the event did not change state (unknown table, absent
	// delete, tombstoned insert).
	Ignored Outcome = iota
	// Applied: state changed.
	Applied
	// Duplicate: the entity was already present; treated as confirmation.
	Duplicate
	// Deferred: held until pending local mutations settle.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Deferred:
		return "deferred"
	default:
		return "ignored"
	}
}

// BusyFunc reports whether a post has unsettled optimistic mutations.
type BusyFunc func(postID string) bool

// Reconciler holds the reconciled local state.
type Reconciler struct {
	busy BusyFunc

	posts         map[string]model.Post
	comments      map[string]*Ordered[model.Comment] // by post id
	notifications *Ordered[model.Notification]

	tombstones map[string]struct{}   // "comment:{id}", "post:{id}"
	deferred   map[string]model.Post // latest held post row by id
}

// New creates an empty Reconciler. busy may be nil.
func New(busy BusyFunc) *Reconciler {
	if busy == nil {
		busy = func(string) bool { return false }
	}
	return &Reconciler{
		busy:          busy,
		posts:         make(map[string]model.Post),
		comments:      make(map[string]*Ordered[model.Comment]),
		notifications: NewOrdered[model.Notification](),
		tombstones:    make(map[string]struct{}),
		deferred:      make(map[string]model.Post),
	}
}

// OnEvent merges ev into local state.
func (r *Reconciler) OnEvent(ev bus.Event) (Outcome, error) {
	switch ev.Table {
	case bus.TableComments:
		return r.onComment(ev)
	case bus.TableNotifications:
		return r.onNotification(ev)
	case bus.TablePosts:
		return r.onPost(ev)
	default:
		return Ignored, nil
	}
}

func (r *Reconciler) onComment(ev bus.Event) (Outcome, error) {
	switch ev.Op {
	case bus.OpInsert:
		var c model.Comment
		if err := ev.DecodeNew(&c); err != nil {
			return Ignored, fmt.Errorf("decode comment insert: %w", err)
		}
		if r.tombstoned(commentKey(c.ID)) {
			return Ignored, nil
		}
		if r.commentsFor(c.PostID).Insert(c) {
			return Applied, nil
		}
		return Duplicate, nil

	case bus.OpUpdate:
		var c model.Comment
		if err := ev.DecodeNew(&c); err != nil {
			return Ignored, fmt.Errorf("decode comment update: %w", err)
		}
		if list, ok := r.comments[c.PostID]; ok && list.Replace(c) {
			return Applied, nil
		}
		return Ignored, nil

	case bus.OpDelete:
		var c model.Comment
		if err := ev.DecodeOld(&c); err != nil {
			return Ignored, fmt.Errorf("decode comment delete: %w", err)
		}
		if _, ok := r.RemoveComment(c.PostID, c.ID); ok {
			return Applied, nil
		}
		return Ignored, nil
	}
	return Ignored, nil
}

func (r *Reconciler) onNotification(ev bus.Event) (Outcome, error) {
	if ev.Op != bus.OpInsert {
		// Append-only.
		return Ignored, nil
	}
	var n model.Notification
	if err := ev.DecodeNew(&n); err != nil {
		return Ignored, fmt.Errorf("decode notification: %w", err)
	}
	if r.notifications.Insert(n) {
		return Applied, nil
	}
	return Duplicate, nil
}

func (r *Reconciler) onPost(ev bus.Event) (Outcome, error) {
	switch ev.Op {
	case bus.OpInsert:
		var p model.Post
		if err := ev.DecodeNew(&p); err != nil {
			return Ignored, fmt.Errorf("decode post insert: %w", err)
		}
		if r.tombstoned(postKey(p.ID)) {
			return Ignored, nil
		}
		if _, ok := r.posts[p.ID]; ok {
			return Duplicate, nil
		}
		r.posts[p.ID] = p.Clone()
		return Applied, nil

	case bus.OpUpdate:
		var p model.Post
		if err := ev.DecodeNew(&p); err != nil {
			return Ignored, fmt.Errorf("decode post update: %w", err)
		}
		return r.Observe(p), nil

	case bus.OpDelete:
		var p model.Post
		if err := ev.DecodeOld(&p); err != nil {
			return Ignored, fmt.Errorf("decode post delete: %w", err)
		}
		if _, ok := r.RemovePost(p.ID); ok {
			return Applied, nil
		}
		return Ignored, nil
	}
	return Ignored, nil
}

// Observe merges an authoritative post row (a push update or a write
// response). The row is held back while the post is busy.
func (r *Reconciler) Observe(p model.Post) Outcome {
	if r.tombstoned(postKey(p.ID)) {
		return Ignored
	}
	if r.busy(p.ID) {
		r.deferred[p.ID] = p.Clone()
		return Deferred
	}
	delete(r.deferred, p.ID)
	r.posts[p.ID] = p.Clone()
	return Applied
}

// Flush applies a deferred post row if the post is no longer busy.
func (r *Reconciler) Flush(postID string) bool {
	p, ok := r.deferred[postID]
	if !ok || r.busy(postID) {
		return false
	}
	delete(r.deferred, postID)
	if r.tombstoned(postKey(postID)) {
		return false
	}
	r.posts[postID] = p
	return true
}

// HasDeferred reports whether a post row is being held back.
func (r *Reconciler) HasDeferred(postID string) bool {
	_, ok := r.deferred[postID]
	return ok
}

// Post returns a copy of the cached post.
func (r *Reconciler) Post(id string) (model.Post, bool) {
	p, ok := r.posts[id]
	if !ok {
		return model.Post{}, false
	}
	return p.Clone(), true
}

// PutPost stores a copy of p, replacing any cached row.
func (r *Reconciler) PutPost(p model.Post) {
	r.posts[p.ID] = p.Clone()
}

// UpdatePost edits a cached post in place. It returns false if absent.
func (r *Reconciler) UpdatePost(id string, fn func(*model.Post)) bool {
	p, ok := r.posts[id]
	if !ok {
		return false
	}
	p = p.Clone()
	fn(&p)
	r.posts[id] = p
	return true
}

// RemovePost drops a post and its cached comments and tombstones the id.
func (r *Reconciler) RemovePost(id string) (model.Post, bool) {
	r.tombstones[postKey(id)] = struct{}{}
	delete(r.deferred, id)
	p, ok := r.posts[id]
	if !ok {
		return model.Post{}, false
	}
	delete(r.posts, id)
	delete(r.comments, id)
	return p, true
}

// DiscardPost drops a locally created post whose write failed. Unlike
// RemovePost it leaves no tombstone, so a late echo of a write that did
// commit still converges.
func (r *Reconciler) DiscardPost(id string) {
	delete(r.posts, id)
	delete(r.deferred, id)
	delete(r.comments, id)
}

// RestorePost undoes a local RemovePost.
func (r *Reconciler) RestorePost(p model.Post) {
	delete(r.tombstones, postKey(p.ID))
	r.posts[p.ID] = p.Clone()
}

// LoadPosts replaces the cached posts with a fetched listing. Tombstoned
// ids stay hidden; rows for busy posts keep their optimistic value and
// the fetched row is deferred.
func (r *Reconciler) LoadPosts(posts []model.Post) {
	next := make(map[string]model.Post, len(posts))
	for _, p := range posts {
		if r.tombstoned(postKey(p.ID)) {
			continue
		}
		if cur, ok := r.posts[p.ID]; ok && r.busy(p.ID) {
			next[p.ID] = cur
			r.deferred[p.ID] = p.Clone()
			continue
		}
		next[p.ID] = p.Clone()
	}
	r.posts = next
}

// SortField selects the post listing order.
type SortField string

const (
	SortCreatedAt SortField = "created_at"
	SortUpvotes   SortField = "upvotes"
	SortLikes     SortField = "likes"
)

// Posts returns cached posts ordered by field. Ties break on id.
func (r *Reconciler) Posts(field SortField, ascending bool) []model.Post {
	out := make([]model.Post, 0, len(r.posts))
	for _, p := range r.posts {
		out = append(out, p.Clone())
	}
	less := func(a, b model.Post) int {
		switch field {
		case SortUpvotes:
			return a.Upvotes - b.Upvotes
		case SortLikes:
			return a.LikeCount() - b.LikeCount()
		default:
			return a.CreatedAt.Compare(b.CreatedAt)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		c := less(out[i], out[j])
		if c == 0 {
			return out[i].ID < out[j].ID
		}
		if ascending {
			return c < 0
		}
		return c > 0
	})
	return out
}

// InsertComment adds a locally created comment. False means the id is
// already present.
func (r *Reconciler) InsertComment(c model.Comment) bool {
	return r.commentsFor(c.PostID).Insert(c)
}

// RemoveComment deletes a comment and tombstones its id. postID may be
// empty, in which case every cached post is searched.
func (r *Reconciler) RemoveComment(postID, id string) (model.Comment, bool) {
	r.tombstones[commentKey(id)] = struct{}{}
	if postID != "" {
		if list, ok := r.comments[postID]; ok {
			return list.Remove(id)
		}
		return model.Comment{}, false
	}
	for _, list := range r.comments {
		if c, ok := list.Remove(id); ok {
			return c, true
		}
	}
	return model.Comment{}, false
}

// DiscardComment drops a locally inserted comment whose write failed,
// without a tombstone.
func (r *Reconciler) DiscardComment(postID, id string) {
	if list, ok := r.comments[postID]; ok {
		list.Remove(id)
	}
}

// RestoreComment undoes a local RemoveComment.
func (r *Reconciler) RestoreComment(c model.Comment) {
	delete(r.tombstones, commentKey(c.ID))
	r.commentsFor(c.PostID).Insert(c)
}

// Comment returns one cached comment.
func (r *Reconciler) Comment(postID, id string) (model.Comment, bool) {
	list, ok := r.comments[postID]
	if !ok {
		return model.Comment{}, false
	}
	return list.Get(id)
}

// LoadComments merges a fetched comment listing with anything the
// subscription already delivered.
func (r *Reconciler) LoadComments(postID string, rows []model.Comment) {
	list := r.commentsFor(postID)
	for _, c := range rows {
		if r.tombstoned(commentKey(c.ID)) {
			continue
		}
		list.Insert(c)
	}
}

// Comments returns a post's comments in creation order.
func (r *Reconciler) Comments(postID string) []model.Comment {
	list, ok := r.comments[postID]
	if !ok {
		return []model.Comment{}
	}
	return list.Items()
}

// DropComments forgets a post's cached comments (its view closed).
func (r *Reconciler) DropComments(postID string) {
	delete(r.comments, postID)
}

// InsertNotification adds a notification; false means duplicate.
func (r *Reconciler) InsertNotification(n model.Notification) bool {
	return r.notifications.Insert(n)
}

// LoadNotifications merges fetched notifications.
func (r *Reconciler) LoadNotifications(rows []model.Notification) {
	for _, n := range rows {
		r.notifications.Insert(n)
	}
}

// Notifications returns notifications oldest first.
func (r *Reconciler) Notifications() []model.Notification {
	return r.notifications.Items()
}

func (r *Reconciler) commentsFor(postID string) *Ordered[model.Comment] {
	list, ok := r.comments[postID]
	if !ok {
		list = NewOrdered[model.Comment]()
		r.comments[postID] = list
	}
	return list
}

func (r *Reconciler) tombstoned(key string) bool {
	_, ok := r.tombstones[key]
	return ok
}

func commentKey(id string) string { return "comment:" + id }
func postKey(id string) string    { return "post:" + id }
