package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeqIDs_Sequence(t *testing.T) {
	g := NewSeqIDs("c")
	assert.Equal(t, "c-1", g.Generate())
	assert.Equal(t, "c-2", g.Generate())
	assert.Equal(t, 2, g.Count())
}

func TestSeqIDs_DefaultPrefix(t *testing.T) {
	assert.Equal(t, "id-1", NewSeqIDs("").Generate())
}
