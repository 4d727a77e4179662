package optimistic

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/animeboard/internal/model"
)

// seqIDs issues m1, m2, ...
type seqIDs struct{ n int }

func (g *seqIDs) Generate() string {
	g.n++
	return fmt.Sprintf("m%d", g.n)
}

// postCell is a stand-in for a cached post row.
type postCell struct {
	likes   model.LikeSet
	upvotes int
}

func likeToggle(cell *postCell, userID string) Mutation {
	return Func{
		K: "post:p1/likes",
		ApplyFn: func() (any, Undo) {
			prev := cell.likes
			cell.likes, _ = cell.likes.Toggle(userID)
			return cell.likes, func() { cell.likes = prev }
		},
	}
}

func upvote(cell *postCell) Mutation {
	return CompensatingFunc{
		Func: Func{
			K: "post:p1/upvotes",
			ApplyFn: func() (any, Undo) {
				prev := cell.upvotes
				cell.upvotes++
				return cell.upvotes, func() { cell.upvotes = prev }
			},
		},
		CompensateFn: func() { cell.upvotes-- },
	}
}

var errWrite = errors.New("write failed")

func TestApply_PredictsImmediately(t *testing.T) {
	e := New(&seqIDs{})
	cell := &postCell{likes: model.LikeSet{}}

	res := e.Apply(likeToggle(cell, "U1"))

	assert.Equal(t, "m1", res.LocalID)
	assert.Equal(t, "post:p1/likes", res.Key)
	assert.Equal(t, model.LikeSet{"U1"}, res.Predicted)
	assert.Equal(t, model.LikeSet{"U1"}, cell.likes)
	assert.Equal(t, StatePending, e.State("m1"))
	assert.True(t, e.Pending("post:p1/likes"))
}

func TestSettle_ConfirmRetainsState(t *testing.T) {
	e := New(&seqIDs{})
	cell := &postCell{likes: model.LikeSet{}}
	res := e.Apply(likeToggle(cell, "U1"))

	out, err := e.Settle(res.LocalID, nil)
	require.NoError(t, err)

	assert.Equal(t, StateConfirmed, out.State)
	assert.False(t, out.Restored)
	assert.True(t, out.KeyIdle)
	assert.Equal(t, model.LikeSet{"U1"}, cell.likes)
	assert.False(t, e.Pending("post:p1/likes"))
}

func TestSettle_RollbackRestoresExactPriorValue(t *testing.T) {
	e := New(&seqIDs{})
	cell := &postCell{likes: model.LikeSet{"U2"}}
	prior := cell.likes

	res := e.Apply(likeToggle(cell, "U1"))
	require.Equal(t, 2, cell.likes.Len())

	out, err := e.Settle(res.LocalID, errWrite)
	require.NoError(t, err)

	assert.Equal(t, StateRolledBack, out.State)
	assert.True(t, out.Restored)
	assert.ErrorIs(t, out.Err, errWrite)
	assert.Equal(t, prior, cell.likes)
	assert.Equal(t, 1, cell.likes.Len())
}

func TestSettle_Twice(t *testing.T) {
	e := New(&seqIDs{})
	cell := &postCell{likes: model.LikeSet{}}
	res := e.Apply(likeToggle(cell, "U1"))

	_, err := e.Settle(res.LocalID, nil)
	require.NoError(t, err)

	// A late failure report for a confirmed mutation must not roll back.
	out, err := e.Settle(res.LocalID, errWrite)
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.Equal(t, StateConfirmed, out.State)
	assert.Equal(t, model.LikeSet{"U1"}, cell.likes)
}

func TestSettle_Unknown(t *testing.T) {
	e := New(&seqIDs{})
	_, err := e.Settle("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownMutation)
}

func TestSettle_StackedRollbackInApplyOrder(t *testing.T) {
	e := New(&seqIDs{})
	cell := &postCell{likes: model.LikeSet{}}

	first := e.Apply(likeToggle(cell, "U1"))  // [] -> [U1]
	second := e.Apply(likeToggle(cell, "U1")) // [U1] -> []

	// The earlier write fails while the later one is still pending: the
	// current value belongs to the later mutation and stays.
	out, err := e.Settle(first.LocalID, errWrite)
	require.NoError(t, err)
	assert.False(t, out.Restored)
	assert.False(t, out.KeyIdle)
	assert.Equal(t, model.LikeSet{}, cell.likes)

	// The later failure lands on the value before the first mutation.
	out, err = e.Settle(second.LocalID, errWrite)
	require.NoError(t, err)
	assert.True(t, out.Restored)
	assert.True(t, out.KeyIdle)
	assert.Equal(t, model.LikeSet{}, cell.likes)
}

func TestSettle_StackedRollbackReverseOrder(t *testing.T) {
	e := New(&seqIDs{})
	cell := &postCell{likes: model.LikeSet{"U2"}}

	first := e.Apply(likeToggle(cell, "U1"))  // [U2] -> [U2 U1]
	second := e.Apply(likeToggle(cell, "U3")) // -> [U2 U1 U3]

	_, err := e.Settle(second.LocalID, errWrite)
	require.NoError(t, err)
	assert.Equal(t, model.LikeSet{"U2", "U1"}, cell.likes)

	_, err = e.Settle(first.LocalID, errWrite)
	require.NoError(t, err)
	assert.Equal(t, model.LikeSet{"U2"}, cell.likes)
}

func TestSettle_CompensatesRelativeEffect(t *testing.T) {
	tests := []struct {
		name         string
		firstErr     error
		secondErr    error
		settleSecond bool
		wantUpvotes  int
	}{
		{"first fails, second confirms", errWrite, nil, false, 6},
		{"first fails, second fails", errWrite, errWrite, false, 5},
		{"second fails first, then first fails", errWrite, errWrite, true, 5},
		{"both confirm", nil, nil, false, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(&seqIDs{})
			cell := &postCell{upvotes: 5}

			first := e.Apply(upvote(cell))
			second := e.Apply(upvote(cell))
			require.Equal(t, 7, cell.upvotes)

			if tt.settleSecond {
				_, err := e.Settle(second.LocalID, tt.secondErr)
				require.NoError(t, err)
				_, err = e.Settle(first.LocalID, tt.firstErr)
				require.NoError(t, err)
			} else {
				_, err := e.Settle(first.LocalID, tt.firstErr)
				require.NoError(t, err)
				_, err = e.Settle(second.LocalID, tt.secondErr)
				require.NoError(t, err)
			}

			assert.Equal(t, tt.wantUpvotes, cell.upvotes)
		})
	}
}

func TestPending_KeysAreIndependent(t *testing.T) {
	e := New(&seqIDs{})
	cell := &postCell{likes: model.LikeSet{}}

	like := e.Apply(likeToggle(cell, "U1"))
	e.Apply(upvote(cell))

	assert.Equal(t, 2, e.PendingCount())
	_, err := e.Settle(like.LocalID, nil)
	require.NoError(t, err)

	assert.False(t, e.Pending("post:p1/likes"))
	assert.True(t, e.Pending("post:p1/upvotes"))
	assert.Len(t, e.PendingIDs(), 1)
	assert.Equal(t, []string{"post:p1/upvotes"}, e.PendingKeys("post:"))
	assert.Empty(t, e.PendingKeys("bookmark:"))
}

func TestRetention_ForgetsOldSettledIDs(t *testing.T) {
	e := New(&seqIDs{}, WithSettledRetention(2))
	cell := &postCell{likes: model.LikeSet{}}

	var ids []string
	for i := 0; i < 3; i++ {
		res := e.Apply(likeToggle(cell, "U1"))
		_, err := e.Settle(res.LocalID, nil)
		require.NoError(t, err)
		ids = append(ids, res.LocalID)
	}

	_, err := e.Settle(ids[0], nil)
	assert.ErrorIs(t, err, ErrUnknownMutation)
	_, err = e.Settle(ids[2], nil)
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestFunc_WriteDefaultsToNoop(t *testing.T) {
	f := Func{K: "k", ApplyFn: func() (any, Undo) { return nil, nil }}
	assert.NoError(t, f.Write(context.Background()))

	e := New(&seqIDs{})
	res := e.Apply(f)
	out, err := e.Settle(res.LocalID, errWrite)
	require.NoError(t, err)
	assert.True(t, out.Restored, "nil undo is replaced by a no-op")
}
