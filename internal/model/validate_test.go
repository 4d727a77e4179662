package model

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreparePost_NormalizesAndValidates(t *testing.T) {
	// "e" + combining acute accent normalizes to a single rune.
	p := Post{Title: "  Cafe\u0301 talk  ", Content: "body", Tags: []string{" Mecha "}, Likes: LikeSet{"a", "a"}}

	require.NoError(t, PreparePost(&p))

	assert.Equal(t, "Caf\u00e9 talk", p.Title)
	assert.Equal(t, []string{"mecha"}, p.Tags)
	assert.Equal(t, LikeSet{"a"}, p.Likes)
}

func TestPreparePost_Invalid(t *testing.T) {
	tests := []struct {
		name string
		post Post
		want string
	}{
		{"missing title", Post{Title: "   "}, "title: required"},
		{"title too long", Post{Title: strings.Repeat("x", 301)}, "title: max=300"},
		{"bad image url", Post{Title: "ok", ImageURL: "not a url"}, "imageurl: url"},
		{"negative upvotes", Post{Title: "ok", Upvotes: -1}, "upvotes: gte=0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := PreparePost(&tt.post)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPrepareComment_RequiresContent(t *testing.T) {
	c := Comment{Content: " \n "}
	err := PrepareComment(&c)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("watched")
	require.NoError(t, err)
	assert.Equal(t, StatusWatched, st)

	_, err = ParseStatus("dropped")
	assert.ErrorIs(t, err, ErrInvalid)
}
