package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/animeboard/internal/bus"
	"github.com/roach88/animeboard/internal/model"
)

const postColumns = `id, title, content, image_url, tags, likes, upvotes, user_id, created_at`

// SortField orders ListPosts.
type SortField string

const (
	SortCreatedAt SortField = "created_at"
	SortUpvotes   SortField = "upvotes"
)

// ListOptions filters and orders ListPosts.
type ListOptions struct {
	Sort      SortField
	Ascending bool
	UserID    string // only this author's posts when set
	Search    string // case-insensitive title substring when set
	Limit     int    // 0 = no limit
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern matches term anywhere in a column, with LIKE
// metacharacters in term taken literally.
func likePattern(term string) string {
	return "%" + likeEscaper.Replace(term) + "%"
}

// CreatePost inserts p. A retry with the same id and author returns the
// stored row without a second change event; the same id owned by another
// author is model.ErrConflict.
func (s *Store) CreatePost(ctx context.Context, p model.Post) (model.Post, error) {
	if err := model.PreparePost(&p); err != nil {
		return model.Post{}, fmt.Errorf("create post: %w", err)
	}
	if p.ID == "" {
		return model.Post{}, fmt.Errorf("create post: %w", model.Invalidf("id required"))
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	p.Likes = model.NewLikeSet(p.Likes...)

	tags, err := marshalStrings(p.Tags)
	if err != nil {
		return model.Post{}, fmt.Errorf("create post: %w", err)
	}
	likes, err := marshalStrings(p.Likes)
	if err != nil {
		return model.Post{}, fmt.Errorf("create post: %w", err)
	}

	var stored model.Post
	err = s.writeTx(ctx, func(tx *sql.Tx, record func(change)) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO posts (`+postColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, p.ID, p.Title, p.Content, p.ImageURL, tags, likes, p.Upvotes, p.UserID, formatTime(p.CreatedAt))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()

		stored, err = getPost(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if n == 0 {
			if stored.UserID != p.UserID {
				return fmt.Errorf("post %s: %w", p.ID, model.ErrConflict)
			}
			return nil
		}
		record(change{topic: bus.TopicPosts, table: bus.TablePosts, op: bus.OpInsert, entityID: p.ID, newRow: stored})
		return nil
	})
	if err != nil {
		return model.Post{}, fmt.Errorf("create post: %w", err)
	}
	return stored, nil
}

// GetPost returns one post or model.ErrNotFound.
func (s *Store) GetPost(ctx context.Context, id string) (model.Post, error) {
	p, err := getPost(ctx, s.db, id)
	if err != nil {
		return model.Post{}, fmt.Errorf("get post: %w", err)
	}
	return p, nil
}

// ListPosts returns posts ordered per opts; ties break on id.
func (s *Store) ListPosts(ctx context.Context, opts ListOptions) ([]model.Post, error) {
	col := "created_at"
	if opts.Sort == SortUpvotes {
		col = "upvotes"
	}
	dir := "DESC"
	if opts.Ascending {
		dir = "ASC"
	}

	query := `SELECT ` + postColumns + ` FROM posts`
	var (
		where []string
		args  []any
	)
	if opts.UserID != "" {
		where = append(where, `user_id = ?`)
		args = append(args, opts.UserID)
	}
	if opts.Search != "" {
		where = append(where, `title LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(opts.Search))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += fmt.Sprintf(` ORDER BY %s %s, id COLLATE BINARY ASC`, col, dir)
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	posts := []model.Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("list posts: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return posts, nil
}

// EditPost updates the author-editable fields.
func (s *Store) EditPost(ctx context.Context, id, userID string, edit model.PostEdit) (model.Post, error) {
	if err := model.PrepareEdit(&edit); err != nil {
		return model.Post{}, fmt.Errorf("edit post: %w", err)
	}

	var updated model.Post
	err := s.writeTx(ctx, func(tx *sql.Tx, record func(change)) error {
		cur, err := getPost(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.UserID != userID {
			return fmt.Errorf("post %s: %w", id, model.ErrForbidden)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE posts SET title = ?, content = ?, image_url = ? WHERE id = ?`,
			edit.Title, edit.Content, edit.ImageURL, id,
		); err != nil {
			return err
		}
		updated = cur.Clone()
		updated.Title, updated.Content, updated.ImageURL = edit.Title, edit.Content, edit.ImageURL
		record(change{topic: bus.TopicPosts, table: bus.TablePosts, op: bus.OpUpdate, entityID: id, newRow: updated, oldRow: cur})
		return nil
	})
	if err != nil {
		return model.Post{}, fmt.Errorf("edit post: %w", err)
	}
	return updated, nil
}

// DeletePost removes a post with its comments and bookmarks. Deleting an
// absent post is model.ErrNotFound.
func (s *Store) DeletePost(ctx context.Context, id, userID string) error {
	err := s.writeTx(ctx, func(tx *sql.Tx, record func(change)) error {
		cur, err := getPost(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.UserID != userID {
			return fmt.Errorf("post %s: %w", id, model.ErrForbidden)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id); err != nil {
			return err
		}
		record(change{topic: bus.TopicPosts, table: bus.TablePosts, op: bus.OpDelete, entityID: id, oldRow: cur})
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	return nil
}

// SetLike makes userID's membership in the post's likes equal liked.
// The read-modify-write runs in one transaction so concurrent likes from
// different users never overwrite each other. Setting the current value
// is a no-op and publishes nothing.
func (s *Store) SetLike(ctx context.Context, postID, userID string, liked bool) (model.Post, error) {
	var out model.Post
	err := s.writeTx(ctx, func(tx *sql.Tx, record func(change)) error {
		cur, err := getPost(ctx, tx, postID)
		if err != nil {
			return err
		}
		if cur.Likes.Contains(userID) == liked {
			out = cur
			return nil
		}

		next := cur.Clone()
		if liked {
			next.Likes = cur.Likes.With(userID)
		} else {
			next.Likes = cur.Likes.Without(userID)
		}
		likes, err := marshalStrings(next.Likes)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE posts SET likes = ? WHERE id = ?`, likes, postID); err != nil {
			return err
		}
		out = next
		record(change{topic: bus.TopicPosts, table: bus.TablePosts, op: bus.OpUpdate, entityID: postID, newRow: next, oldRow: cur})
		return nil
	})
	if err != nil {
		return model.Post{}, fmt.Errorf("set like: %w", err)
	}
	return out, nil
}

// Upvote increments the post's upvote counter by one.
func (s *Store) Upvote(ctx context.Context, postID string) (model.Post, error) {
	var out model.Post
	err := s.writeTx(ctx, func(tx *sql.Tx, record func(change)) error {
		res, err := tx.ExecContext(ctx, `UPDATE posts SET upvotes = upvotes + 1 WHERE id = ?`, postID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.NotFoundf("post %s", postID)
		}
		out, err = getPost(ctx, tx, postID)
		if err != nil {
			return err
		}
		record(change{topic: bus.TopicPosts, table: bus.TablePosts, op: bus.OpUpdate, entityID: postID, newRow: out})
		return nil
	})
	if err != nil {
		return model.Post{}, fmt.Errorf("upvote: %w", err)
	}
	return out, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getPost(ctx context.Context, q querier, id string) (model.Post, error) {
	row := q.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Post{}, model.NotFoundf("post %s", id)
	}
	if err != nil {
		return model.Post{}, fmt.Errorf("scan post: %w", err)
	}
	return p, nil
}
