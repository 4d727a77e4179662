package model

import (
	"encoding/json"
	"slices"
)

// LikeSet is an insertion-ordered set of user ids.
//
// Values are treated as immutable: every mutating method returns a new
// set and leaves the receiver untouched, so a snapshot taken before an
// optimistic change can be restored verbatim.
type LikeSet []string

// NewLikeSet builds a set from ids, dropping duplicates and empty ids
// while keeping first-seen order.
func NewLikeSet(ids ...string) LikeSet {
	out := make(LikeSet, 0, len(ids))
	for _, id := range ids {
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Contains reports whether userID has liked.
func (s LikeSet) Contains(userID string) bool {
	return slices.Contains(s, userID)
}

// Len is the like count.
func (s LikeSet) Len() int { return len(s) }

// Clone returns an independent copy. A nil set clones to an empty set.
func (s LikeSet) Clone() LikeSet {
	out := make(LikeSet, len(s))
	copy(out, s)
	return out
}

// With returns the set with userID appended if absent.
func (s LikeSet) With(userID string) LikeSet {
	if s.Contains(userID) {
		return s.Clone()
	}
	return append(s.Clone(), userID)
}

// Without returns the set with userID removed.
func (s LikeSet) Without(userID string) LikeSet {
	out := make(LikeSet, 0, len(s))
	for _, id := range s {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

// Toggle flips userID's membership and reports whether it is now liked.
func (s LikeSet) Toggle(userID string) (LikeSet, bool) {
	if s.Contains(userID) {
		return s.Without(userID), false
	}
	return s.With(userID), true
}

// Equal compares membership and order.
func (s LikeSet) Equal(other LikeSet) bool {
	return slices.Equal(s, other)
}

// MarshalJSON always emits an array, never null.
func (s LikeSet) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(s))
}

// UnmarshalJSON accepts an array (or null) and enforces uniqueness.
func (s *LikeSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewLikeSet(ids...)
	return nil
}
