package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/animeboard/internal/bus"
	"github.com/roach88/animeboard/internal/model"
)

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// marshalRow encodes a row snapshot for the change log. nil stays NULL.
func marshalRow(row any) (sql.NullString, error) {
	if row == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(row)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal row: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func changeEvent(seq int64, topic, table string, op bus.Op, entityID string, newRow, oldRow sql.NullString, committed time.Time) bus.Event {
	ev := bus.Event{
		ID:         bus.EventID(table, op, entityID, seq),
		Topic:      topic,
		Table:      table,
		Op:         op,
		CommitTime: committed,
	}
	if newRow.Valid {
		ev.New = json.RawMessage(newRow.String)
	}
	if oldRow.Valid {
		ev.Old = json.RawMessage(oldRow.String)
	}
	return ev
}

func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(data string) ([]string, error) {
	if data == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal list: %w", err)
	}
	return out, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPost(sc scanner) (model.Post, error) {
	var (
		p                  model.Post
		tags, likes, ctime string
	)
	if err := sc.Scan(&p.ID, &p.Title, &p.Content, &p.ImageURL, &tags, &likes, &p.Upvotes, &p.UserID, &ctime); err != nil {
		return model.Post{}, err
	}
	var err error
	if p.Tags, err = unmarshalStrings(tags); err != nil {
		return model.Post{}, err
	}
	if len(p.Tags) == 0 {
		p.Tags = nil
	}
	ids, err := unmarshalStrings(likes)
	if err != nil {
		return model.Post{}, err
	}
	p.Likes = model.NewLikeSet(ids...)
	if p.CreatedAt, err = parseTime(ctime); err != nil {
		return model.Post{}, err
	}
	return p, nil
}

func scanComment(sc scanner) (model.Comment, error) {
	var (
		c     model.Comment
		ctime string
	)
	if err := sc.Scan(&c.ID, &c.PostID, &c.UserID, &c.Content, &ctime); err != nil {
		return model.Comment{}, err
	}
	var err error
	if c.CreatedAt, err = parseTime(ctime); err != nil {
		return model.Comment{}, err
	}
	return c, nil
}
