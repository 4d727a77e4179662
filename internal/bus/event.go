package bus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Op is the row operation an event reports.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Tables that publish changes.
const (
	TablePosts         = "posts"
	TableComments      = "comments"
	TableNotifications = "notifications"
)

// Well-known topics.
const (
	TopicNotifications = "notifications"
	TopicPosts         = "posts"
	commentsPrefix     = "comments:"
)

// DomainEvent separates event-id hashes from other content hashes.
const DomainEvent = "animeboard/event/v1"

// ErrClosed is returned by operations on a closed bus or stream.
var ErrClosed = errors.New("bus closed")

// ErrDropped marks a stream that the bus terminated (disconnect, slow
// consumer). The subscriber is expected to resubscribe.
var ErrDropped = errors.New("subscription dropped")

// Event is one delivered row change.
type Event struct {
	// ID is identical across redeliveries of the same change.
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Table      string          `json:"table"`
	Op         Op              `json:"op"`
	New        json.RawMessage `json:"new,omitempty"`
	Old        json.RawMessage `json:"old,omitempty"`
	CommitTime time.Time       `json:"commit_time"`
}

// Publisher accepts events for fan-out.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Stream is one live subscription. Events is closed when the stream ends;
// Err then reports why (nil after a local Close).
type Stream interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Subscriber opens streams by topic.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (Stream, error)
}

// CommentsTopic returns the topic for one post's comments.
func CommentsTopic(postID string) string {
	return commentsPrefix + postID
}

// PostIDFromTopic extracts the post id from a comments topic.
func PostIDFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, commentsPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(topic, commentsPrefix)
	return id, id != ""
}

// ValidTopic reports whether topic is one this system publishes.
func ValidTopic(topic string) bool {
	if topic == TopicNotifications || topic == TopicPosts {
		return true
	}
	_, ok := PostIDFromTopic(topic)
	return ok
}

// NewEvent builds an event for a row change. entityID and seq identify
// the change so that redeliveries carry the same ID.
func NewEvent(topic, table string, op Op, entityID string, seq int64, newRow, oldRow any) (Event, error) {
	ev := Event{
		ID:         EventID(table, op, entityID, seq),
		Topic:      topic,
		Table:      table,
		Op:         op,
		CommitTime: time.Now().UTC(),
	}
	if newRow != nil {
		data, err := json.Marshal(newRow)
		if err != nil {
			return Event{}, fmt.Errorf("marshal new row: %w", err)
		}
		ev.New = data
	}
	if oldRow != nil {
		data, err := json.Marshal(oldRow)
		if err != nil {
			return Event{}, fmt.Errorf("marshal old row: %w", err)
		}
		ev.Old = data
	}
	return ev, nil
}

// EventID hashes the change identity with domain separation:
// SHA256(domain + 0x00 + table|op|entity|seq).
func EventID(table string, op Op, entityID string, seq int64) string {
	h := sha256.New()
	h.Write([]byte(DomainEvent))
	h.Write([]byte{0x00})
	h.Write([]byte(table + "|" + string(op) + "|" + entityID + "|" + strconv.FormatInt(seq, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// DecodeNew unmarshals the new row into v.
func (e Event) DecodeNew(v any) error {
	if len(e.New) == 0 {
		return fmt.Errorf("event %s: no new row", e.ID)
	}
	return json.Unmarshal(e.New, v)
}

// DecodeOld unmarshals the old row into v.
func (e Event) DecodeOld(v any) error {
	if len(e.Old) == 0 {
		return fmt.Errorf("event %s: no old row", e.ID)
	}
	return json.Unmarshal(e.Old, v)
}
