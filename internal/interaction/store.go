// Package interaction holds the per-(user, subject) status mapping.
//
// Each subject is a three-state machine:
//
//	absent ──set(s)──▶ s
//	s      ──set(s)──▶ absent      (toggle off)
//	s      ──set(t)──▶ t           (switch, t != s; never both)
//
// The store is owned by one scope and is not safe for concurrent use;
// the engine's single-writer loop serializes access.
package interaction

import (
	"sort"

	"github.com/roach88/animeboard/internal/model"
)

// Absent is the zero status: no row exists for the pair.
const Absent model.Status = ""

// WriteOp is the backing-store write a transition implies.
type WriteOp int

const (
	// WriteNone means the transition changed nothing.
	WriteNone WriteOp = iota
	// WriteUpsert creates or replaces the row with Transition.To.
	WriteUpsert
	// WriteDelete removes the row.
	WriteDelete
)

func (op WriteOp) String() string {
	switch op {
	case WriteUpsert:
		return "upsert"
	case WriteDelete:
		return "delete"
	default:
		return "none"
	}
}

// Transition describes one state change of a subject.
type Transition struct {
	UserID    string
	SubjectID int
	From      model.Status
	To        model.Status
}

// Write returns the backing write that makes the store agree with To.
func (t Transition) Write() WriteOp {
	switch {
	case t.From == t.To:
		return WriteNone
	case t.To == Absent:
		return WriteDelete
	default:
		return WriteUpsert
	}
}

// Row returns the row for an upsert transition.
func (t Transition) Row() model.Interaction {
	return model.Interaction{UserID: t.UserID, AnimeID: t.SubjectID, Status: t.To}
}

// Store maps subject ids to the current user's single active status.
type Store struct {
	userID   string
	statuses map[int]model.Status
	// deferred holds fetched statuses for subjects that had a pending
	// write when they were loaded. Absent means the row did not exist.
	deferred map[int]model.Status
}

// New creates an empty store for userID.
func New(userID string) *Store {
	return &Store{
		userID:   userID,
		statuses: make(map[int]model.Status),
		deferred: make(map[int]model.Status),
	}
}

// UserID returns the owner of this mapping.
func (s *Store) UserID() string { return s.userID }

// Set applies the toggle/switch state machine for subjectID.
// requested must be a valid status; anything else is a no-op.
func (s *Store) Set(subjectID int, requested model.Status) Transition {
	from := s.statuses[subjectID]
	t := Transition{UserID: s.userID, SubjectID: subjectID, From: from, To: from}
	if !requested.Valid() {
		return t
	}

	if from == requested {
		t.To = Absent
		delete(s.statuses, subjectID)
		return t
	}

	t.To = requested
	s.statuses[subjectID] = requested
	return t
}

// Get returns the status for subjectID, or Absent.
func (s *Store) Get(subjectID int) model.Status {
	return s.statuses[subjectID]
}

// Restore forces subjectID back to status. Used for rollback, so Absent
// deletes the entry rather than storing an empty status.
func (s *Store) Restore(subjectID int, status model.Status) {
	if status == Absent {
		delete(s.statuses, subjectID)
		return
	}
	s.statuses[subjectID] = status
}

// Load replaces the mapping with rows fetched from the backing store.
// Rows belonging to other users and invalid statuses are skipped.
//
// Subjects listed in busy have a pending write: they keep their current
// status and the fetched one (Absent when no row came back) is held
// until Flush or Discard.
func (s *Store) Load(rows []model.Interaction, busy []int) {
	fetched := make(map[int]model.Status, len(rows))
	for _, r := range rows {
		if r.UserID != s.userID || !r.Status.Valid() {
			continue
		}
		fetched[r.AnimeID] = r.Status
	}

	deferred := make(map[int]model.Status, len(busy))
	for _, id := range busy {
		deferred[id] = fetched[id]
		if cur, ok := s.statuses[id]; ok {
			fetched[id] = cur
		} else {
			delete(fetched, id)
		}
	}
	s.statuses = fetched
	s.deferred = deferred
}

// Flush applies the status held back for subjectID by Load.
func (s *Store) Flush(subjectID int) bool {
	st, ok := s.deferred[subjectID]
	if !ok {
		return false
	}
	delete(s.deferred, subjectID)
	s.Restore(subjectID, st)
	return true
}

// Discard drops the status held back for subjectID. A confirmed write
// supersedes the row fetched before it committed.
func (s *Store) Discard(subjectID int) {
	delete(s.deferred, subjectID)
}

// HasDeferred reports whether a fetched status is being held back.
func (s *Store) HasDeferred(subjectID int) bool {
	_, ok := s.deferred[subjectID]
	return ok
}

// Len returns the number of subjects with an active status.
func (s *Store) Len() int { return len(s.statuses) }

// Snapshot returns the rows currently held, ordered by subject id.
func (s *Store) Snapshot() []model.Interaction {
	out := make([]model.Interaction, 0, len(s.statuses))
	for id, st := range s.statuses {
		out = append(out, model.Interaction{UserID: s.userID, AnimeID: id, Status: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AnimeID < out[j].AnimeID })
	return out
}
