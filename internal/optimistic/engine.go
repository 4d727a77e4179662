// Package optimistic implements the two-phase mutation contract:
// apply locally now, then confirm or roll back once the backing write
// settles.
//
// Every mutation targets a key (an entity field such as "post:42/likes").
// Mutations on the same key stack in apply order. Rollback restores the
// snapshot captured at apply time, never a recomputation:
//
//   - If the failing mutation is the latest on its key, its Undo runs and
//     the key returns to exactly the value it had before that mutation.
//   - If a later mutation on the same key is still pending, the current
//     value belongs to that later mutation. The failing mutation hands its
//     Undo to its successor (so the successor's eventual rollback lands on
//     the true pre-failure value) and, if it implements Compensator,
//     removes its own relative effect from the current value.
//
// The engine is not safe for concurrent use. The owning scope calls it
// only from its single-writer loop.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownMutation is returned by Settle for ids the engine never issued
// (or has already forgotten).
var ErrUnknownMutation = errors.New("unknown mutation")

// ErrAlreadySettled is returned when a mutation is settled twice.
var ErrAlreadySettled = errors.New("mutation already settled")

// DefaultSettledRetention bounds how many settled ids are remembered for
// duplicate-settle detection.
const DefaultSettledRetention = 256

// IDGenerator issues local mutation ids.
type IDGenerator interface {
	Generate() string
}

// Undo restores a snapshot captured by Mutation.Apply.
type Undo func()

// Mutation is one optimistic change.
type Mutation interface {
	// Key names the entity field the mutation touches.
	Key() string
	// Apply changes local state synchronously and returns the predicted
	// state plus an Undo restoring the exact prior value.
	Apply() (predicted any, undo Undo)
	// Write performs the backing-store write. It runs off the owning loop.
	Write(ctx context.Context) error
}

// Compensator is implemented by mutations whose effect is relative (an
// increment). Compensate removes the effect from the current value when
// the mutation fails underneath a later pending mutation.
type Compensator interface {
	Compensate()
}

// State is the lifecycle of one applied mutation.
type State int

const (
	StatePending State = iota + 1
	StateConfirmed
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Result is returned by Apply.
type Result struct {
	LocalID   string
	Key       string
	Predicted any
}

// Outcome describes what Settle did.
type Outcome struct {
	LocalID string
	Key     string
	State   State
	// Restored is true when the rollback ran Undo on local state.
	Restored bool
	// KeyIdle is true when no mutation on Key remains pending.
	KeyIdle bool
	// Err is the write error for rolled-back mutations.
	Err error
}

type entry struct {
	id    string
	key   string
	m     Mutation
	undo  Undo
	state State
}

// Engine tracks pending mutations.
type Engine struct {
	ids     IDGenerator
	entries map[string]*entry
	stacks  map[string][]*entry // pending entries per key, apply order

	settled     []string // FIFO of settled ids still held in entries
	retainLimit int
}

// Option configures an Engine.
type Option func(*Engine)

// WithSettledRetention overrides DefaultSettledRetention.
func WithSettledRetention(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.retainLimit = n
		}
	}
}

// New creates an Engine issuing ids from ids.
func New(ids IDGenerator, opts ...Option) *Engine {
	e := &Engine{
		ids:         ids,
		entries:     make(map[string]*entry),
		stacks:      make(map[string][]*entry),
		retainLimit: DefaultSettledRetention,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply runs m.Apply and records the mutation as pending.
// The caller is responsible for running m.Write and calling Settle.
func (e *Engine) Apply(m Mutation) Result {
	predicted, undo := m.Apply()
	if undo == nil {
		undo = func() {}
	}

	ent := &entry{
		id:    e.ids.Generate(),
		key:   m.Key(),
		m:     m,
		undo:  undo,
		state: StatePending,
	}
	e.entries[ent.id] = ent
	e.stacks[ent.key] = append(e.stacks[ent.key], ent)

	return Result{LocalID: ent.id, Key: ent.key, Predicted: predicted}
}

// Mutation returns the pending mutation for localID.
func (e *Engine) Mutation(localID string) (Mutation, bool) {
	ent, ok := e.entries[localID]
	if !ok || ent.state != StatePending {
		return nil, false
	}
	return ent.m, true
}

// Settle confirms (writeErr == nil) or rolls back (writeErr != nil) the
// mutation. Settling is idempotent: a second call returns ErrAlreadySettled
// and leaves state untouched.
func (e *Engine) Settle(localID string, writeErr error) (Outcome, error) {
	ent, ok := e.entries[localID]
	if !ok {
		return Outcome{}, fmt.Errorf("settle %s: %w", localID, ErrUnknownMutation)
	}
	if ent.state != StatePending {
		return Outcome{LocalID: ent.id, Key: ent.key, State: ent.state, KeyIdle: e.idle(ent.key)},
			fmt.Errorf("settle %s: %w", localID, ErrAlreadySettled)
	}

	out := Outcome{LocalID: ent.id, Key: ent.key}
	stack := e.stacks[ent.key]
	idx := indexOf(stack, ent)

	if writeErr == nil {
		ent.state = StateConfirmed
	} else {
		ent.state = StateRolledBack
		out.Err = writeErr
		if idx == len(stack)-1 {
			ent.undo()
			out.Restored = true
		} else {
			// A later mutation owns the current value; pass the snapshot up.
			stack[idx+1].undo = ent.undo
			if c, ok := ent.m.(Compensator); ok {
				c.Compensate()
			}
		}
	}
	out.State = ent.state

	stack = append(stack[:idx], stack[idx+1:]...)
	if len(stack) == 0 {
		delete(e.stacks, ent.key)
		out.KeyIdle = true
	} else {
		e.stacks[ent.key] = stack
	}

	e.retire(ent)
	return out, nil
}

// State returns the lifecycle state of localID, or 0 if unknown.
func (e *Engine) State(localID string) State {
	if ent, ok := e.entries[localID]; ok {
		return ent.state
	}
	return 0
}

// Pending reports whether any mutation on key is still pending.
func (e *Engine) Pending(key string) bool {
	return len(e.stacks[key]) > 0
}

// PendingCount returns the total number of unsettled mutations.
func (e *Engine) PendingCount() int {
	n := 0
	for _, s := range e.stacks {
		n += len(s)
	}
	return n
}

// PendingIDs lists unsettled mutation ids.
func (e *Engine) PendingIDs() []string {
	var ids []string
	for _, s := range e.stacks {
		for _, ent := range s {
			ids = append(ids, ent.id)
		}
	}
	return ids
}

// PendingKeys lists the keys starting with prefix that have pending
// mutations, sorted.
func (e *Engine) PendingKeys(prefix string) []string {
	var keys []string
	for k, s := range e.stacks {
		if len(s) > 0 && strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (e *Engine) idle(key string) bool { return len(e.stacks[key]) == 0 }

// retire keeps a bounded window of settled entries for duplicate detection.
func (e *Engine) retire(ent *entry) {
	ent.m = nil
	ent.undo = nil
	e.settled = append(e.settled, ent.id)
	for len(e.settled) > e.retainLimit {
		delete(e.entries, e.settled[0])
		e.settled[0] = ""
		e.settled = e.settled[1:]
	}
}

func indexOf(stack []*entry, ent *entry) int {
	for i, s := range stack {
		if s == ent {
			return i
		}
	}
	return -1
}
