package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/animeboard/internal/bus"
	"github.com/roach88/animeboard/internal/model"
)

// GetProfile returns the profile for a user id or model.ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, id string) (model.Profile, error) {
	var (
		p     model.Profile
		ctime string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, avatar_url, bio, created_at FROM profiles WHERE id = ?`, id,
	).Scan(&p.ID, &p.Username, &p.AvatarURL, &p.Bio, &ctime)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Profile{}, fmt.Errorf("get profile: %w", model.NotFoundf("profile %s", id))
	}
	if err != nil {
		return model.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	if p.CreatedAt, err = parseTime(ctime); err != nil {
		return model.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// CreateProfile inserts p if the user has no profile yet and returns the
// stored row either way. Two racing creates converge on the first.
func (s *Store) CreateProfile(ctx context.Context, p model.Profile) (model.Profile, error) {
	if err := model.PrepareProfile(&p); err != nil {
		return model.Profile{}, fmt.Errorf("create profile: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, username, avatar_url, bio, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, p.ID, p.Username, p.AvatarURL, p.Bio, formatTime(p.CreatedAt))
	if err != nil {
		return model.Profile{}, fmt.Errorf("create profile: %w", err)
	}
	return s.GetProfile(ctx, p.ID)
}

// SetAvatar stores a new avatar URL for the user.
func (s *Store) SetAvatar(ctx context.Context, userID, url string) (model.Profile, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE profiles SET avatar_url = ? WHERE id = ?`, url, userID)
	if err != nil {
		return model.Profile{}, fmt.Errorf("set avatar: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Profile{}, fmt.Errorf("set avatar: %w", model.NotFoundf("profile %s", userID))
	}
	return s.GetProfile(ctx, userID)
}

// AddNotification appends a notification. Notifications are never
// updated or deleted.
func (s *Store) AddNotification(ctx context.Context, n model.Notification) (model.Notification, error) {
	if err := model.PrepareNotification(&n); err != nil {
		return model.Notification{}, fmt.Errorf("add notification: %w", err)
	}
	if n.ID == "" {
		return model.Notification{}, fmt.Errorf("add notification: %w", model.Invalidf("id required"))
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	err := s.writeTx(ctx, func(tx *sql.Tx, record func(change)) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (id, message, created_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, n.ID, n.Message, formatTime(n.CreatedAt))
		if err != nil {
			return err
		}
		if c, _ := res.RowsAffected(); c == 0 {
			return nil
		}
		record(change{topic: bus.TopicNotifications, table: bus.TableNotifications, op: bus.OpInsert, entityID: n.ID, newRow: n})
		return nil
	})
	if err != nil {
		return model.Notification{}, fmt.Errorf("add notification: %w", err)
	}
	return n, nil
}

// ListNotifications returns the newest limit notifications, oldest first.
// limit <= 0 returns all.
func (s *Store) ListNotifications(ctx context.Context, limit int) ([]model.Notification, error) {
	query := `SELECT id, message, created_at FROM notifications ORDER BY created_at DESC, id COLLATE BINARY DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var (
			n     model.Notification
			ctime string
		)
		if err := rows.Scan(&n.ID, &n.Message, &ctime); err != nil {
			return nil, fmt.Errorf("list notifications: %w", err)
		}
		if n.CreatedAt, err = parseTime(ctime); err != nil {
			return nil, fmt.Errorf("list notifications: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}

	// Reverse into oldest-first.
	res := make([]model.Notification, len(out))
	for i, n := range out {
		res[len(out)-1-i] = n
	}
	return res, nil
}
