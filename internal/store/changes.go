package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/animeboard/internal/bus"
)

type loggedChange struct {
	seq int64
	ev  bus.Event
}

// Changes returns logged change events with seq > after, in commit
// order, and the seq of the last one (after if none). topic filters when
// non-empty; limit <= 0 returns all.
func (s *Store) Changes(ctx context.Context, after int64, topic string, limit int) ([]bus.Event, int64, error) {
	logged, err := s.readChanges(ctx, after, topic, limit)
	if err != nil {
		return nil, after, err
	}
	last := after
	events := make([]bus.Event, 0, len(logged))
	for _, lc := range logged {
		events = append(events, lc.ev)
		last = lc.seq
	}
	return events, last, nil
}

// LastSeq returns the seq of the newest logged change, 0 when empty.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

// Replay re-publishes logged changes after seq through the store's
// publisher, with their original event ids. It returns the seq of the
// last change published.
func (s *Store) Replay(ctx context.Context, after int64, topic string) (int64, error) {
	if s.pub == nil {
		return after, fmt.Errorf("replay: no publisher configured")
	}
	logged, err := s.readChanges(ctx, after, topic, 0)
	if err != nil {
		return after, fmt.Errorf("replay: %w", err)
	}
	sent := after
	for _, lc := range logged {
		if err := s.pub.Publish(ctx, lc.ev); err != nil {
			return sent, fmt.Errorf("replay %s: %w", lc.ev.ID, err)
		}
		sent = lc.seq
	}
	return sent, nil
}

func (s *Store) readChanges(ctx context.Context, after int64, topic string, limit int) ([]loggedChange, error) {
	query := `
		SELECT seq, topic, table_name, op, entity_id, new_row, old_row, committed_at
		FROM changes WHERE seq > ?`
	args := []any{after}
	if topic != "" {
		query += ` AND topic = ?`
		args = append(args, topic)
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read changes: %w", err)
	}
	defer rows.Close()

	var out []loggedChange
	for rows.Next() {
		var (
			seq                         int64
			tpc, table, op, entity, ctm string
			newRow, oldRow              sql.NullString
		)
		if err := rows.Scan(&seq, &tpc, &table, &op, &entity, &newRow, &oldRow, &ctm); err != nil {
			return nil, fmt.Errorf("read changes: %w", err)
		}
		committed, err := parseTime(ctm)
		if err != nil {
			return nil, fmt.Errorf("read changes: %w", err)
		}
		out = append(out, loggedChange{seq: seq, ev: changeEvent(seq, tpc, table, bus.Op(op), entity, newRow, oldRow, committed)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read changes: %w", err)
	}
	return out, nil
}
