package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLikeSet_ToggleRoundTrip(t *testing.T) {
	var likes LikeSet

	likes, liked := likes.Toggle("U1")
	assert.True(t, liked)
	assert.Equal(t, LikeSet{"U1"}, likes)
	assert.Equal(t, 1, likes.Len())

	likes, liked = likes.Toggle("U1")
	assert.False(t, liked)
	assert.Empty(t, likes)
	assert.Equal(t, 0, likes.Len())
}

func TestLikeSet_ToggleDoesNotMutateReceiver(t *testing.T) {
	before := LikeSet{"U1", "U2"}

	after, _ := before.Toggle("U3")

	assert.Equal(t, LikeSet{"U1", "U2"}, before)
	assert.Equal(t, LikeSet{"U1", "U2", "U3"}, after)
}

func TestLikeSet_WithIsIdempotent(t *testing.T) {
	s := NewLikeSet("U1").With("U1").With("U1")
	assert.Equal(t, LikeSet{"U1"}, s)
}

func TestNewLikeSet_DropsDuplicatesKeepsOrder(t *testing.T) {
	s := NewLikeSet("b", "a", "b", "", "c", "a")
	assert.Equal(t, LikeSet{"b", "a", "c"}, s)
}

func TestLikeSet_JSON(t *testing.T) {
	var nilSet LikeSet
	data, err := json.Marshal(nilSet)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	var decoded LikeSet
	require.NoError(t, json.Unmarshal([]byte(`["x","y","x"]`), &decoded))
	assert.Equal(t, LikeSet{"x", "y"}, decoded)
}

func TestPost_CloneIsDeep(t *testing.T) {
	p := Post{ID: "p1", Likes: LikeSet{"U1"}, Tags: []string{"isekai"}}
	c := p.Clone()
	c.Likes[0] = "changed"
	c.Tags[0] = "changed"

	assert.Equal(t, "U1", p.Likes[0])
	assert.Equal(t, "isekai", p.Tags[0])
	assert.Equal(t, 1, p.LikeCount())
}
