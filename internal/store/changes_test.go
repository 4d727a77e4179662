package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/animeboard/internal/bus"
	"github.com/roach88/animeboard/internal/model"
)

func TestReplay_RedeliversWithOriginalIDs(t *testing.T) {
	s, pub := createTestStore(t)
	ctx := context.Background()
	createTestPost(t, s, "p1", "alice")
	_, err := s.AddComment(ctx, model.Comment{ID: "c1", PostID: "p1", UserID: "bob", Content: "x"})
	require.NoError(t, err)

	live := pub.all()
	require.Len(t, live, 2)

	last, err := s.Replay(ctx, 0, bus.CommentsTopic("p1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)

	all := pub.all()
	require.Len(t, all, 3)
	assert.Equal(t, live[1].ID, all[2].ID, "replayed comment keeps its event id")
}

func TestChanges_AfterSeq(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	createTestPost(t, s, "p1", "alice")
	_, err := s.Upvote(ctx, "p1")
	require.NoError(t, err)

	events, last, err := s.Changes(ctx, 1, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, bus.OpUpdate, events[0].Op)
	assert.Equal(t, int64(2), last)

	none, last, err := s.Changes(ctx, 2, "", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Equal(t, int64(2), last)
}

func TestReplay_RequiresPublisher(t *testing.T) {
	s, _ := createTestStore(t)
	s.SetPublisher(nil)
	_, err := s.Replay(context.Background(), 0, "")
	assert.Error(t, err)
}

func TestLastSeq(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	seq, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)

	createTestPost(t, s, "p1", "alice")
	_, err = s.Upvote(ctx, "p1")
	require.NoError(t, err)

	seq, err = s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}
