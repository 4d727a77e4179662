package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/animeboard/internal/bus"
	"github.com/roach88/animeboard/internal/model"
)

func TestCreatePost_PublishesInsert(t *testing.T) {
	s, pub := createTestStore(t)

	p := createTestPost(t, s, "p1", "alice")
	assert.Equal(t, 0, p.LikeCount())

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, bus.TopicPosts, events[0].Topic)
	assert.Equal(t, bus.OpInsert, events[0].Op)

	var got model.Post
	require.NoError(t, events[0].DecodeNew(&got))
	assert.Equal(t, "p1", got.ID)
}

func TestCreatePost_RetryIsIdempotent(t *testing.T) {
	s, pub := createTestStore(t)
	ctx := context.Background()

	createTestPost(t, s, "p1", "alice")
	again, err := s.CreatePost(ctx, model.Post{ID: "p1", Title: "Title p1", UserID: "alice"})
	require.NoError(t, err)

	assert.Equal(t, "Title p1", again.Title)
	assert.Len(t, pub.all(), 1, "no second event")

	_, err = s.CreatePost(ctx, model.Post{ID: "p1", Title: "hijack", UserID: "mallory"})
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestCreatePost_Validates(t *testing.T) {
	s, _ := createTestStore(t)
	_, err := s.CreatePost(context.Background(), model.Post{ID: "p1", Title: "   ", UserID: "alice"})
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func TestGetPost_NotFound(t *testing.T) {
	s, _ := createTestStore(t)
	_, err := s.GetPost(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSetLike_RoundTrip(t *testing.T) {
	s, pub := createTestStore(t)
	ctx := context.Background()
	createTestPost(t, s, "p1", "alice")

	p, err := s.SetLike(ctx, "p1", "u1", true)
	require.NoError(t, err)
	assert.Equal(t, model.LikeSet{"u1"}, p.Likes)

	p, err = s.SetLike(ctx, "p1", "u1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, p.LikeCount(), "liking twice is a no-op")

	p, err = s.SetLike(ctx, "p1", "u1", false)
	require.NoError(t, err)
	assert.Equal(t, 0, p.LikeCount())

	// insert + like + unlike; the repeated like published nothing
	assert.Len(t, pub.all(), 3)
}

func TestSetLike_UsersDoNotOverwriteEachOther(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	createTestPost(t, s, "p1", "alice")

	done := make(chan error, 2)
	for _, u := range []string{"u1", "u2"} {
		go func(u string) {
			_, err := s.SetLike(ctx, "p1", u, true)
			done <- err
		}(u)
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	p, err := s.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, []string(p.Likes))
}

func TestUpvote_Increments(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	createTestPost(t, s, "p1", "alice")

	for i := 0; i < 3; i++ {
		_, err := s.Upvote(ctx, "p1")
		require.NoError(t, err)
	}
	p, err := s.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Upvotes)

	_, err = s.Upvote(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEditPost_AuthorOnly(t *testing.T) {
	s, pub := createTestStore(t)
	ctx := context.Background()
	createTestPost(t, s, "p1", "alice")

	_, err := s.EditPost(ctx, "p1", "bob", model.PostEdit{Title: "x"})
	assert.ErrorIs(t, err, model.ErrForbidden)

	p, err := s.EditPost(ctx, "p1", "alice", model.PostEdit{Title: "New title", Content: "new"})
	require.NoError(t, err)
	assert.Equal(t, "New title", p.Title)

	events := pub.all()
	last := events[len(events)-1]
	assert.Equal(t, bus.OpUpdate, last.Op)
	var old model.Post
	require.NoError(t, last.DecodeOld(&old))
	assert.Equal(t, "Title p1", old.Title)
}

func TestDeletePost_CascadesComments(t *testing.T) {
	s, pub := createTestStore(t)
	ctx := context.Background()
	createTestPost(t, s, "p1", "alice")
	_, err := s.AddComment(ctx, model.Comment{ID: "c1", PostID: "p1", UserID: "bob", Content: "hi"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeletePost(ctx, "p1", "bob"), model.ErrForbidden)
	require.NoError(t, s.DeletePost(ctx, "p1", "alice"))

	comments, err := s.ListComments(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, comments)

	events := pub.all()
	assert.Equal(t, bus.OpDelete, events[len(events)-1].Op)
	assert.ErrorIs(t, s.DeletePost(ctx, "p1", "alice"), model.ErrNotFound)
}

func TestListPosts_Ordering(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		_, err := s.CreatePost(ctx, model.Post{ID: id, Title: id, UserID: "alice", CreatedAt: t0.Add(time.Duration(i) * time.Hour)})
		require.NoError(t, err)
	}
	_, err := s.Upvote(ctx, "a")
	require.NoError(t, err)

	newest, err := s.ListPosts(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, postIDs(newest))

	top, err := s.ListPosts(ctx, ListOptions{Sort: SortUpvotes, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, postIDs(top))
}

func TestListPosts_SearchByTitle(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	titles := map[string]string{
		"a": "Frieren ep 12 thoughts",
		"b": "Best OP this season?",
		"c": "frieren vs Himmel",
		"d": "100% sync rate",
		"e": "snake_case titles",
	}
	i := 0
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := s.CreatePost(ctx, model.Post{ID: id, Title: titles[id], UserID: "alice", CreatedAt: t0.Add(time.Duration(i) * time.Hour)})
		require.NoError(t, err)
		i++
	}

	tests := []struct {
		search string
		want   []string
	}{
		{"FRIEREN", []string{"c", "a"}},
		{"season", []string{"b"}},
		{"%", []string{"d"}},
		{"_", []string{"e"}},
		{"nothing", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.search, func(t *testing.T) {
			got, err := s.ListPosts(ctx, ListOptions{Search: tt.search})
			require.NoError(t, err)
			assert.Equal(t, tt.want, postIDs(got))
		})
	}

	mine, err := s.ListPosts(ctx, ListOptions{Search: "frieren", UserID: "bob"})
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestPublishFailureDoesNotFailWrite(t *testing.T) {
	s, pub := createTestStore(t)
	pub.err = errors.New("broker down")

	p := createTestPost(t, s, "p1", "alice")
	assert.Equal(t, "p1", p.ID)

	events, last, err := s.Changes(context.Background(), 0, "", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1, "change logged for replay")
	assert.Equal(t, int64(1), last)
}

func postIDs(posts []model.Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.ID
	}
	return out
}
