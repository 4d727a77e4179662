package model

import "time"

// Post is a discussion post owned by its author.
type Post struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title" validate:"required,max=300"`
	Content   string    `json:"content" yaml:"content" validate:"max=40000"`
	ImageURL  string    `json:"image_url,omitempty" yaml:"image_url,omitempty" validate:"omitempty,url"`
	Tags      []string  `json:"tags,omitempty" yaml:"tags,omitempty" validate:"max=10,dive,max=40"`
	Likes     LikeSet   `json:"likes" yaml:"likes"`
	Upvotes   int       `json:"upvotes" yaml:"upvotes" validate:"gte=0"`
	UserID    string    `json:"user_id" yaml:"user_id"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// EntityID implements reconcile ordering.
func (p Post) EntityID() string { return p.ID }

// Created implements reconcile ordering.
func (p Post) Created() time.Time { return p.CreatedAt }

// Clone returns a deep copy; the likes set is not shared.
func (p Post) Clone() Post {
	c := p
	c.Likes = p.Likes.Clone()
	if p.Tags != nil {
		c.Tags = append([]string(nil), p.Tags...)
	}
	return c
}

// LikeCount is derived from the likes set.
func (p Post) LikeCount() int { return p.Likes.Len() }

// PostEdit carries the author-editable fields of a post.
type PostEdit struct {
	Title    string `json:"title" validate:"required,max=300"`
	Content  string `json:"content" validate:"max=40000"`
	ImageURL string `json:"image_url,omitempty" validate:"omitempty,url"`
}

// Comment belongs to one post. Comments order by CreatedAt ascending.
type Comment struct {
	ID        string    `json:"id" yaml:"id"`
	PostID    string    `json:"post_id" yaml:"post_id"`
	UserID    string    `json:"user_id" yaml:"user_id"`
	Content   string    `json:"content" yaml:"content" validate:"required,max=10000"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

func (c Comment) EntityID() string    { return c.ID }
func (c Comment) Created() time.Time { return c.CreatedAt }

// Notification is append-only and delivered over the push bus.
type Notification struct {
	ID        string    `json:"id" yaml:"id"`
	Message   string    `json:"message" yaml:"message" validate:"required,max=1000"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

func (n Notification) EntityID() string    { return n.ID }
func (n Notification) Created() time.Time { return n.CreatedAt }

// Profile is one row per user; ID equals the user id.
type Profile struct {
	ID        string    `json:"id" yaml:"id"`
	Username  string    `json:"username" yaml:"username" validate:"required,max=64"`
	AvatarURL string    `json:"avatar_url,omitempty" yaml:"avatar_url,omitempty"`
	Bio       string    `json:"bio,omitempty" yaml:"bio,omitempty" validate:"max=500"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Bookmark is unique per (user, post).
type Bookmark struct {
	UserID    string    `json:"user_id" yaml:"user_id"`
	PostID    string    `json:"post_id" yaml:"post_id"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Status is the single active interaction a user holds with a subject.
type Status string

const (
	StatusWatched  Status = "watched"
	StatusFavorite Status = "favorite"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusWatched || s == StatusFavorite
}

// ParseStatus converts user input into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", Invalidf("unknown interaction status %q (want watched|favorite)", s)
	}
	return st, nil
}

// Interaction is keyed by (UserID, AnimeID). No row means absent.
type Interaction struct {
	UserID  string `json:"user_id" yaml:"user_id"`
	AnimeID int    `json:"anime_id" yaml:"anime_id"`
	Status  Status `json:"status" yaml:"status" validate:"oneof=watched favorite"`
}

// AnimeSummary is a read-only catalog record. Score and Episodes are
// optional upstream and stay nil when missing.
type AnimeSummary struct {
	ID       int      `json:"id"`
	Title    string   `json:"title"`
	Synopsis string   `json:"synopsis,omitempty"`
	Rating   *float64 `json:"rating,omitempty"`
	Episodes *int     `json:"episodes,omitempty"`
	Status   string   `json:"status,omitempty"`
	Aired    string   `json:"aired,omitempty"`
	Genres   []string `json:"genres,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
}

// AnimeDetail is the full record behind a catalog entry.
type AnimeDetail struct {
	AnimeSummary
	Background string   `json:"background,omitempty"`
	Duration   string   `json:"duration,omitempty"`
	Source     string   `json:"source,omitempty"`
	Studios    []string `json:"studios,omitempty"`
}

// CatalogPage is one externally-numbered page of summaries.
type CatalogPage struct {
	Number          int            `json:"number"`
	Items           []AnimeSummary `json:"items"`
	HasNextPage     bool           `json:"has_next_page"`
	LastVisiblePage int            `json:"last_visible_page,omitempty"`
}
