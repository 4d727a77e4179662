package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/animeboard/internal/bus"
	"github.com/roach88/animeboard/internal/model"
)

// AddComment inserts c. A retry with the same id returns the stored row
// and publishes nothing.
func (s *Store) AddComment(ctx context.Context, c model.Comment) (model.Comment, error) {
	if err := model.PrepareComment(&c); err != nil {
		return model.Comment{}, fmt.Errorf("add comment: %w", err)
	}
	if c.ID == "" || c.PostID == "" {
		return model.Comment{}, fmt.Errorf("add comment: %w", model.Invalidf("id and post_id required"))
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}

	var stored model.Comment
	err := s.writeTx(ctx, func(tx *sql.Tx, record func(change)) error {
		if _, err := getPost(ctx, tx, c.PostID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO comments (id, post_id, user_id, content, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, c.ID, c.PostID, c.UserID, c.Content, formatTime(c.CreatedAt))
		if err != nil {
			return err
		}
		stored, err = getComment(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		record(change{topic: bus.CommentsTopic(c.PostID), table: bus.TableComments, op: bus.OpInsert, entityID: c.ID, newRow: stored})
		return nil
	})
	if err != nil {
		return model.Comment{}, fmt.Errorf("add comment: %w", err)
	}
	return stored, nil
}

// DeleteComment removes a comment written by userID. Another author's
// comment is model.ErrForbidden; an absent one is model.ErrNotFound.
func (s *Store) DeleteComment(ctx context.Context, id, userID string) error {
	err := s.writeTx(ctx, func(tx *sql.Tx, record func(change)) error {
		cur, err := getComment(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.UserID != userID {
			return fmt.Errorf("comment %s: %w", id, model.ErrForbidden)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE id = ?`, id); err != nil {
			return err
		}
		record(change{topic: bus.CommentsTopic(cur.PostID), table: bus.TableComments, op: bus.OpDelete, entityID: id, oldRow: cur})
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

// ListComments returns a post's comments oldest first.
func (s *Store) ListComments(ctx context.Context, postID string) ([]model.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, post_id, user_id, content, created_at
		FROM comments
		WHERE post_id = ?
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	out := []model.Comment{}
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("list comments: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return out, nil
}

func getComment(ctx context.Context, q querier, id string) (model.Comment, error) {
	row := q.QueryRowContext(ctx, `SELECT id, post_id, user_id, content, created_at FROM comments WHERE id = ?`, id)
	c, err := scanComment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Comment{}, model.NotFoundf("comment %s", id)
	}
	if err != nil {
		return model.Comment{}, fmt.Errorf("scan comment: %w", err)
	}
	return c, nil
}
