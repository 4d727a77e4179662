package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/animeboard/internal/bus"
	"github.com/roach88/animeboard/internal/model"
)

var t0 = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

// capture records published events.
type capture struct {
	mu     sync.Mutex
	events []bus.Event
	err    error
}

func (c *capture) Publish(_ context.Context, ev bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *capture) all() []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Event(nil), c.events...)
}

func createTestStore(t *testing.T) (*Store, *capture) {
	t.Helper()
	pub := &capture{}
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithPublisher(pub), WithNow(func() time.Time { return t0 }))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, pub
}

func createTestPost(t *testing.T, s *Store, id, author string) model.Post {
	t.Helper()
	p, err := s.CreatePost(context.Background(), model.Post{ID: id, Title: "Title " + id, Content: "body", UserID: author, CreatedAt: t0})
	require.NoError(t, err)
	return p
}
