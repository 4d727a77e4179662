package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/animeboard/internal/model"
)

var t0 = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func comment(id string, offset int) model.Comment {
	return model.Comment{ID: id, PostID: "p1", UserID: "u1", Content: id, CreatedAt: t0.Add(time.Duration(offset) * time.Second)}
}

func ids[T Entity](items []T) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.EntityID()
	}
	return out
}

func TestOrdered_InsertKeepsCreationOrder(t *testing.T) {
	o := NewOrdered[model.Comment]()

	assert.True(t, o.Insert(comment("c3", 3)))
	assert.True(t, o.Insert(comment("c1", 1)))
	assert.True(t, o.Insert(comment("c2", 2)))
	assert.True(t, o.Insert(comment("c4", 4)))

	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, ids(o.Items()))
}

func TestOrdered_TiesKeepArrivalOrder(t *testing.T) {
	o := NewOrdered[model.Comment]()

	o.Insert(comment("a", 5))
	o.Insert(comment("b", 5))
	o.Insert(comment("early", 1))
	o.Insert(comment("c", 5))

	assert.Equal(t, []string{"early", "a", "b", "c"}, ids(o.Items()))
}

func TestOrdered_DuplicateInsertIsNoop(t *testing.T) {
	o := NewOrdered[model.Comment]()
	o.Insert(comment("c1", 1))

	dup := comment("c1", 9)
	dup.Content = "changed"
	assert.False(t, o.Insert(dup))

	assert.Equal(t, 1, o.Len())
	got, _ := o.Get("c1")
	assert.Equal(t, "c1", got.Content)
}

func TestOrdered_RemoveAbsentIsNoop(t *testing.T) {
	o := NewOrdered[model.Comment]()
	o.Insert(comment("c1", 1))

	_, ok := o.Remove("missing")
	assert.False(t, ok)

	removed, ok := o.Remove("c1")
	assert.True(t, ok)
	assert.Equal(t, "c1", removed.ID)
	assert.False(t, o.Has("c1"))

	_, ok = o.Remove("c1")
	assert.False(t, ok)
}

func TestOrdered_ItemsIsACopy(t *testing.T) {
	o := NewOrdered[model.Comment]()
	o.Insert(comment("c1", 1))

	items := o.Items()
	items[0].Content = "mutated"

	got, _ := o.Get("c1")
	assert.Equal(t, "c1", got.Content)
}

func TestOrdered_Replace(t *testing.T) {
	o := NewOrdered[model.Comment]()
	o.Insert(comment("c1", 1))

	edited := comment("c1", 1)
	edited.Content = "edited"
	assert.True(t, o.Replace(edited))
	assert.False(t, o.Replace(comment("c2", 2)))

	got, _ := o.Get("c1")
	assert.Equal(t, "edited", got.Content)
}
