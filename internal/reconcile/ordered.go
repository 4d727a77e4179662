package reconcile

import (
	"sort"
	"time"
)

// Entity is anything held in an ordered collection.
type Entity interface {
	EntityID() string
	Created() time.Time
}

// Ordered is a list of entities unique by id, ordered by creation time
// ascending. Entities with equal timestamps keep arrival order.
type Ordered[T Entity] struct {
	items []T
	ids   map[string]struct{}
}

// NewOrdered creates an empty collection.
func NewOrdered[T Entity]() *Ordered[T] {
	return &Ordered[T]{ids: make(map[string]struct{})}
}

// Insert adds item at its ordered position. It returns false, leaving the
// collection unchanged, if an entity with the same id is present.
func (o *Ordered[T]) Insert(item T) bool {
	id := item.EntityID()
	if _, ok := o.ids[id]; ok {
		return false
	}
	o.ids[id] = struct{}{}

	at := item.Created()
	n := len(o.items)
	if n == 0 || !o.items[n-1].Created().After(at) {
		o.items = append(o.items, item)
		return true
	}

	// First position strictly after at, so ties stay in arrival order.
	pos := sort.Search(n, func(i int) bool { return o.items[i].Created().After(at) })
	var zero T
	o.items = append(o.items, zero)
	copy(o.items[pos+1:], o.items[pos:])
	o.items[pos] = item
	return true
}

// Remove deletes the entity with id. Removing an absent id is a no-op.
func (o *Ordered[T]) Remove(id string) (T, bool) {
	var zero T
	if _, ok := o.ids[id]; !ok {
		return zero, false
	}
	delete(o.ids, id)
	for i, it := range o.items {
		if it.EntityID() == id {
			removed := it
			o.items = append(o.items[:i], o.items[i+1:]...)
			return removed, true
		}
	}
	return zero, false
}

// Replace swaps the entity with the same id in place.
func (o *Ordered[T]) Replace(item T) bool {
	id := item.EntityID()
	if _, ok := o.ids[id]; !ok {
		return false
	}
	for i, it := range o.items {
		if it.EntityID() == id {
			o.items[i] = item
			return true
		}
	}
	return false
}

// Has reports whether id is present.
func (o *Ordered[T]) Has(id string) bool {
	_, ok := o.ids[id]
	return ok
}

// Get returns the entity with id.
func (o *Ordered[T]) Get(id string) (T, bool) {
	for _, it := range o.items {
		if it.EntityID() == id {
			return it, true
		}
	}
	var zero T
	return zero, false
}

// Len returns the number of entities.
func (o *Ordered[T]) Len() int { return len(o.items) }

// Items returns a copy of the ordered entities.
func (o *Ordered[T]) Items() []T {
	out := make([]T, len(o.items))
	copy(out, o.items)
	return out
}
