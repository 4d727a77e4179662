package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/roach88/animeboard/internal/interaction"
	"github.com/roach88/animeboard/internal/model"
	"github.com/roach88/animeboard/internal/optimistic"
)

// Mutation keys. A post has one key per independently mutable field so
// a pending like does not hold back an upvote rollback, and vice versa.
func likesKey(postID string) string     { return "post:" + postID + "/likes" }
func upvotesKey(postID string) string   { return "post:" + postID + "/upvotes" }
func postKey(postID string) string      { return "post:" + postID }
func commentKey(id string) string       { return "comment:" + id }
func bookmarkKey(postID string) string  { return bookmarkPrefix + postID }
func interactionKey(animeID int) string { return interactionPrefix + strconv.Itoa(animeID) }

const (
	bookmarkPrefix    = "bookmark:"
	interactionPrefix = "interaction:"
)

// postBusy reports whether any optimistic mutation on the post is
// pending. The reconciler defers authoritative rows while it is.
func (s *Scope) postBusy(postID string) bool {
	return s.opt.Pending(likesKey(postID)) ||
		s.opt.Pending(upvotesKey(postID)) ||
		s.opt.Pending(postKey(postID))
}

// settlement is the result of one backing write.
type settlement struct {
	op      string
	key     string
	localID string
	err     error
	confirm func()        // runs on the loop when the write is confirmed
	flush   func()        // runs on the loop after every settle; may be nil
	done    chan struct{} // closed once the settle is queued
}

// apply runs m locally and starts its write. Writes on one key run in
// apply order: each waits for the previous write on its key to return
// and queue its settle, so settles on a key arrive in apply order.
// Called only from the loop.
func (s *Scope) apply(op string, m optimistic.Mutation, confirm, flush func()) optimistic.Result {
	res := s.opt.Apply(m)
	slog.Debug("optimistic apply", "op", op, "key", res.Key, "local_id", res.LocalID)

	prev := s.chains[res.Key]
	done := make(chan struct{})
	s.chains[res.Key] = done

	s.writes.Add(1)
	go func() {
		defer s.writes.Done()
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		err := m.Write(ctx)
		cancel()
		defer close(done)

		st := &settlement{op: op, key: res.Key, localID: res.LocalID, err: err, confirm: confirm, flush: flush, done: done}
		if !s.queue.Enqueue(Event{Type: EventTypeSettle, Op: op, Settle: st}) {
			slog.Debug("write settled after close", "op", op, "local_id", res.LocalID, "error", err)
		}
	}()
	return res
}

// settle confirms or rolls back one mutation. Called only from Run.
func (s *Scope) settle(st *settlement) {
	if s.chains[st.key] == st.done {
		delete(s.chains, st.key)
	}

	writeErr := st.err
	if Classify(writeErr) == KindConflict {
		writeErr = nil
	}

	out, err := s.opt.Settle(st.localID, writeErr)
	if err != nil {
		slog.Debug("ignoring settle", "local_id", st.localID, "error", err)
		return
	}

	switch out.State {
	case optimistic.StateConfirmed:
		if st.confirm != nil {
			st.confirm()
		}
	case optimistic.StateRolledBack:
		s.fail(st.op, out.Err)
	}

	if st.flush != nil {
		st.flush()
	}
}

// flushPost returns a settle hook applying the post row held back while
// the post was busy.
func (s *Scope) flushPost(postID string) func() {
	return func() {
		if !s.postBusy(postID) && s.rec.Flush(postID) {
			slog.Debug("applied deferred post row", "post", postID)
		}
	}
}

// observe returns a confirm callback merging the row a write returned.
func (s *Scope) observe(row *model.Post) func() {
	return func() {
		if row.ID != "" {
			s.rec.Observe(*row)
		}
	}
}

// ToggleLike flips the current user's like on a post and returns the
// predicted likes set.
func (s *Scope) ToggleLike(ctx context.Context, postID string) (model.LikeSet, error) {
	var predicted model.LikeSet
	err := s.call(ctx, "like", func() error {
		p, ok := s.rec.Post(postID)
		if !ok {
			return model.NotFoundf("post %s", postID)
		}
		prev := p.Likes.Clone()
		next, liked := prev.Toggle(s.user.UserID)
		userID := s.user.UserID

		var row model.Post
		m := optimistic.Func{
			K: likesKey(postID),
			ApplyFn: func() (any, optimistic.Undo) {
				s.rec.UpdatePost(postID, func(p *model.Post) { p.Likes = next.Clone() })
				return next.Clone(), func() {
					s.rec.UpdatePost(postID, func(p *model.Post) { p.Likes = prev.Clone() })
				}
			},
			WriteFn: func(ctx context.Context) error {
				var err error
				row, err = s.backend.SetLike(ctx, postID, userID, liked)
				return err
			},
		}
		res := s.apply("like", m, s.observe(&row), s.flushPost(postID))
		predicted = res.Predicted.(model.LikeSet)
		return nil
	})
	return predicted, err
}

// Upvote increments a post's counter and returns the predicted value.
func (s *Scope) Upvote(ctx context.Context, postID string) (int, error) {
	var predicted int
	err := s.call(ctx, "upvote", func() error {
		p, ok := s.rec.Post(postID)
		if !ok {
			return model.NotFoundf("post %s", postID)
		}
		prev := p.Upvotes

		var row model.Post
		m := optimistic.CompensatingFunc{
			Func: optimistic.Func{
				K: upvotesKey(postID),
				ApplyFn: func() (any, optimistic.Undo) {
					s.rec.UpdatePost(postID, func(p *model.Post) { p.Upvotes = prev + 1 })
					return prev + 1, func() {
						s.rec.UpdatePost(postID, func(p *model.Post) { p.Upvotes = prev })
					}
				},
				WriteFn: func(ctx context.Context) error {
					var err error
					row, err = s.backend.Upvote(ctx, postID)
					return err
				},
			},
			CompensateFn: func() {
				s.rec.UpdatePost(postID, func(p *model.Post) {
					if p.Upvotes > 0 {
						p.Upvotes--
					}
				})
			},
		}
		res := s.apply("upvote", m, s.observe(&row), s.flushPost(postID))
		predicted = res.Predicted.(int)
		return nil
	})
	return predicted, err
}

// CreatePost publishes a new post authored by the current user. The id
// is generated locally so the push echo deduplicates against it.
func (s *Scope) CreatePost(ctx context.Context, draft model.Post) (model.Post, error) {
	draft.ID = s.ids.Generate()
	draft.UserID = s.user.UserID
	draft.Likes = model.NewLikeSet()
	draft.Upvotes = 0
	draft.CreatedAt = s.now()
	if err := model.PreparePost(&draft); err != nil {
		return model.Post{}, err
	}

	err := s.call(ctx, "create post", func() error {
		var row model.Post
		m := optimistic.Func{
			K: postKey(draft.ID),
			ApplyFn: func() (any, optimistic.Undo) {
				s.rec.PutPost(draft)
				return draft.Clone(), func() { s.rec.DiscardPost(draft.ID) }
			},
			WriteFn: func(ctx context.Context) error {
				var err error
				row, err = s.backend.CreatePost(ctx, draft)
				return err
			},
		}
		s.apply("create post", m, s.observe(&row), s.flushPost(draft.ID))
		return nil
	})
	return draft, err
}

// EditPost changes the author-editable fields of the current user's
// post. Rollback restores only those fields.
func (s *Scope) EditPost(ctx context.Context, postID string, edit model.PostEdit) (model.Post, error) {
	if err := model.PrepareEdit(&edit); err != nil {
		return model.Post{}, err
	}

	var predicted model.Post
	err := s.call(ctx, "edit post", func() error {
		p, ok := s.rec.Post(postID)
		if !ok {
			return model.NotFoundf("post %s", postID)
		}
		if p.UserID != s.user.UserID {
			return fmt.Errorf("edit post %s: %w", postID, model.ErrForbidden)
		}
		prev := model.PostEdit{Title: p.Title, Content: p.Content, ImageURL: p.ImageURL}
		userID := s.user.UserID

		var row model.Post
		m := optimistic.Func{
			K: postKey(postID),
			ApplyFn: func() (any, optimistic.Undo) {
				s.rec.UpdatePost(postID, func(p *model.Post) { setEdit(p, edit) })
				return edit, func() {
					s.rec.UpdatePost(postID, func(p *model.Post) { setEdit(p, prev) })
				}
			},
			WriteFn: func(ctx context.Context) error {
				var err error
				row, err = s.backend.EditPost(ctx, postID, userID, edit)
				return err
			},
		}
		s.apply("edit post", m, s.observe(&row), s.flushPost(postID))
		predicted, _ = s.rec.Post(postID)
		return nil
	})
	return predicted, err
}

func setEdit(p *model.Post, e model.PostEdit) {
	p.Title = e.Title
	p.Content = e.Content
	p.ImageURL = e.ImageURL
}

// DeletePost removes the current user's post. Rollback restores the
// post and its cached comments.
func (s *Scope) DeletePost(ctx context.Context, postID string) error {
	return s.call(ctx, "delete post", func() error {
		p, ok := s.rec.Post(postID)
		if !ok {
			return model.NotFoundf("post %s", postID)
		}
		if p.UserID != s.user.UserID {
			return fmt.Errorf("delete post %s: %w", postID, model.ErrForbidden)
		}
		comments := s.rec.Comments(postID)
		userID := s.user.UserID

		m := optimistic.Func{
			K: postKey(postID),
			ApplyFn: func() (any, optimistic.Undo) {
				s.rec.RemovePost(postID)
				return nil, func() {
					s.rec.RestorePost(p)
					for _, c := range comments {
						s.rec.InsertComment(c)
					}
				}
			},
			WriteFn: func(ctx context.Context) error {
				return ignoreNotFound(s.backend.DeletePost(ctx, postID, userID))
			},
		}
		s.apply("delete post", m, nil, s.flushPost(postID))
		return nil
	})
}

// AddComment inserts a comment locally and writes it. The push echo of
// the same id is a no-op.
func (s *Scope) AddComment(ctx context.Context, postID, content string) (model.Comment, error) {
	c := model.Comment{
		ID:        s.ids.Generate(),
		PostID:    postID,
		UserID:    s.user.UserID,
		Content:   content,
		CreatedAt: s.now(),
	}
	if err := model.PrepareComment(&c); err != nil {
		return model.Comment{}, err
	}

	err := s.call(ctx, "comment", func() error {
		m := optimistic.Func{
			K: commentKey(c.ID),
			ApplyFn: func() (any, optimistic.Undo) {
				s.rec.InsertComment(c)
				return c, func() { s.rec.DiscardComment(postID, c.ID) }
			},
			WriteFn: func(ctx context.Context) error {
				_, err := s.backend.AddComment(ctx, c)
				return err
			},
		}
		s.apply("comment", m, nil, nil)
		return nil
	})
	return c, err
}

// DeleteComment removes one of the current user's comments.
func (s *Scope) DeleteComment(ctx context.Context, postID, commentID string) error {
	return s.call(ctx, "delete comment", func() error {
		c, ok := s.rec.Comment(postID, commentID)
		if !ok {
			return model.NotFoundf("comment %s", commentID)
		}
		if c.UserID != s.user.UserID {
			return fmt.Errorf("delete comment %s: %w", commentID, model.ErrForbidden)
		}
		userID := s.user.UserID

		m := optimistic.Func{
			K: commentKey(commentID),
			ApplyFn: func() (any, optimistic.Undo) {
				s.rec.RemoveComment(postID, commentID)
				return nil, func() { s.rec.RestoreComment(c) }
			},
			WriteFn: func(ctx context.Context) error {
				return ignoreNotFound(s.backend.DeleteComment(ctx, commentID, userID))
			},
		}
		s.apply("delete comment", m, nil, nil)
		return nil
	})
}

// ToggleBookmark flips the bookmark on a post and returns the predicted
// state.
func (s *Scope) ToggleBookmark(ctx context.Context, postID string) (bool, error) {
	var predicted bool
	err := s.call(ctx, "bookmark", func() error {
		prev := s.bookmarks[postID]
		next := !prev
		userID := s.user.UserID

		m := optimistic.Func{
			K: bookmarkKey(postID),
			ApplyFn: func() (any, optimistic.Undo) {
				s.setBookmark(postID, next)
				return next, func() { s.setBookmark(postID, prev) }
			},
			WriteFn: func(ctx context.Context) error {
				if next {
					return s.backend.AddBookmark(ctx, userID, postID)
				}
				return s.backend.RemoveBookmark(ctx, userID, postID)
			},
		}
		key := bookmarkKey(postID)
		res := s.apply("bookmark", m,
			func() { delete(s.heldMarks, postID) },
			func() {
				held, ok := s.heldMarks[postID]
				if ok && !s.opt.Pending(key) {
					delete(s.heldMarks, postID)
					s.setBookmark(postID, held)
				}
			})
		predicted = res.Predicted.(bool)
		return nil
	})
	return predicted, err
}

func (s *Scope) setBookmark(postID string, on bool) {
	if on {
		s.bookmarks[postID] = true
		return
	}
	delete(s.bookmarks, postID)
}

// SetInteraction applies the toggle/switch state machine for animeID and
// returns the predicted status (interaction.Absent when toggled off).
func (s *Scope) SetInteraction(ctx context.Context, animeID int, status model.Status) (model.Status, error) {
	if !status.Valid() {
		return "", model.Invalidf("unknown interaction status %q", status)
	}

	var predicted model.Status
	err := s.call(ctx, "mark anime", func() error {
		var t interaction.Transition
		m := optimistic.Func{
			K: interactionKey(animeID),
			ApplyFn: func() (any, optimistic.Undo) {
				t = s.inter.Set(animeID, status)
				return t.To, func() { s.inter.Restore(animeID, t.From) }
			},
			WriteFn: func(ctx context.Context) error {
				switch t.Write() {
				case interaction.WriteUpsert:
					return s.backend.PutInteraction(ctx, t.Row())
				case interaction.WriteDelete:
					return s.backend.DeleteInteraction(ctx, t.UserID, t.SubjectID)
				default:
					return nil
				}
			},
		}
		key := interactionKey(animeID)
		res := s.apply("mark anime", m,
			func() { s.inter.Discard(animeID) },
			func() {
				if !s.opt.Pending(key) {
					s.inter.Flush(animeID)
				}
			})
		predicted = res.Predicted.(model.Status)
		return nil
	})
	return predicted, err
}

// ignoreNotFound treats deleting an absent row as reaching the goal.
func ignoreNotFound(err error) error {
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	return err
}
