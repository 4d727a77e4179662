package store

import (
	"context"
	"fmt"

	"github.com/roach88/animeboard/internal/model"
)

// PutInteraction upserts the user's status for an anime.
func (s *Store) PutInteraction(ctx context.Context, row model.Interaction) error {
	if err := model.Check(row); err != nil {
		return fmt.Errorf("put interaction: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_anime_interactions (user_id, anime_id, status)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, anime_id) DO UPDATE SET status = excluded.status
	`, row.UserID, row.AnimeID, string(row.Status))
	if err != nil {
		return fmt.Errorf("put interaction: %w", err)
	}
	return nil
}

// DeleteInteraction clears the user's status. Clearing an absent row is
// not an error: the requested end state already holds.
func (s *Store) DeleteInteraction(ctx context.Context, userID string, animeID int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_anime_interactions WHERE user_id = ? AND anime_id = ?`, userID, animeID)
	if err != nil {
		return fmt.Errorf("delete interaction: %w", err)
	}
	return nil
}

// ListInteractions returns the user's rows ordered by anime id.
func (s *Store) ListInteractions(ctx context.Context, userID string) ([]model.Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, anime_id, status FROM user_anime_interactions
		WHERE user_id = ?
		ORDER BY anime_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	out := []model.Interaction{}
	for rows.Next() {
		var (
			r      model.Interaction
			status string
		)
		if err := rows.Scan(&r.UserID, &r.AnimeID, &status); err != nil {
			return nil, fmt.Errorf("list interactions: %w", err)
		}
		r.Status = model.Status(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	return out, nil
}

// AddBookmark bookmarks a post for the user; repeating it is a no-op.
func (s *Store) AddBookmark(ctx context.Context, userID, postID string) error {
	if _, err := getPost(ctx, s.db, postID); err != nil {
		return fmt.Errorf("add bookmark: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bookmarks (user_id, post_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id, post_id) DO NOTHING
	`, userID, postID, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("add bookmark: %w", err)
	}
	return nil
}

// RemoveBookmark deletes the bookmark if present.
func (s *Store) RemoveBookmark(ctx context.Context, userID, postID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bookmarks WHERE user_id = ? AND post_id = ?`, userID, postID)
	if err != nil {
		return fmt.Errorf("remove bookmark: %w", err)
	}
	return nil
}

// ListBookmarks returns the user's bookmarks, newest first.
func (s *Store) ListBookmarks(ctx context.Context, userID string) ([]model.Bookmark, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, post_id, created_at FROM bookmarks
		WHERE user_id = ?
		ORDER BY created_at DESC, post_id COLLATE BINARY ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list bookmarks: %w", err)
	}
	defer rows.Close()

	out := []model.Bookmark{}
	for rows.Next() {
		var (
			b     model.Bookmark
			ctime string
		)
		if err := rows.Scan(&b.UserID, &b.PostID, &ctime); err != nil {
			return nil, fmt.Errorf("list bookmarks: %w", err)
		}
		if b.CreatedAt, err = parseTime(ctime); err != nil {
			return nil, fmt.Errorf("list bookmarks: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list bookmarks: %w", err)
	}
	return out, nil
}
