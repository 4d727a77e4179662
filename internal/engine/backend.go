package engine

import (
	"context"
	"io"

	"github.com/roach88/animeboard/internal/model"
	"github.com/roach88/animeboard/internal/store"
)

// Backend is the authoritative row store a scope writes through.
// *store.Store implements it.
type Backend interface {
	ListPosts(ctx context.Context, opts store.ListOptions) ([]model.Post, error)
	GetPost(ctx context.Context, id string) (model.Post, error)
	CreatePost(ctx context.Context, p model.Post) (model.Post, error)
	EditPost(ctx context.Context, id, userID string, edit model.PostEdit) (model.Post, error)
	DeletePost(ctx context.Context, id, userID string) error
	SetLike(ctx context.Context, postID, userID string, liked bool) (model.Post, error)
	Upvote(ctx context.Context, postID string) (model.Post, error)

	ListComments(ctx context.Context, postID string) ([]model.Comment, error)
	AddComment(ctx context.Context, c model.Comment) (model.Comment, error)
	DeleteComment(ctx context.Context, id, userID string) error

	GetProfile(ctx context.Context, id string) (model.Profile, error)
	CreateProfile(ctx context.Context, p model.Profile) (model.Profile, error)
	SetAvatar(ctx context.Context, userID, url string) (model.Profile, error)

	ListNotifications(ctx context.Context, limit int) ([]model.Notification, error)
	AddNotification(ctx context.Context, n model.Notification) (model.Notification, error)

	ListInteractions(ctx context.Context, userID string) ([]model.Interaction, error)
	PutInteraction(ctx context.Context, row model.Interaction) error
	DeleteInteraction(ctx context.Context, userID string, animeID int) error

	ListBookmarks(ctx context.Context, userID string) ([]model.Bookmark, error)
	AddBookmark(ctx context.Context, userID, postID string) error
	RemoveBookmark(ctx context.Context, userID, postID string) error
}

// Uploader stores an image and returns its public URL.
// *objectstore.Uploader implements it.
type Uploader interface {
	Upload(ctx context.Context, userID string, r io.Reader) (string, error)
}

var _ Backend = (*store.Store)(nil)
