package testutil

import (
	"fmt"
	"sync"
)

// SeqIDs generates "{prefix}-1", "{prefix}-2", ... for deterministic ids.
//
// Thread-safety: safe for concurrent use.
type SeqIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSeqIDs creates a generator. An empty prefix uses "id".
func NewSeqIDs(prefix string) *SeqIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SeqIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SeqIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Count returns how many ids were generated.
func (g *SeqIDs) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}
