package interaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/animeboard/internal/model"
)

func TestSet_ToggleIdempotence(t *testing.T) {
	for _, st := range []model.Status{model.StatusWatched, model.StatusFavorite} {
		t.Run(string(st), func(t *testing.T) {
			s := New("u1")

			first := s.Set(42, st)
			assert.Equal(t, Absent, first.From)
			assert.Equal(t, st, first.To)
			assert.Equal(t, WriteUpsert, first.Write())

			second := s.Set(42, st)
			assert.Equal(t, st, second.From)
			assert.Equal(t, Absent, second.To)
			assert.Equal(t, WriteDelete, second.Write())

			assert.Equal(t, Absent, s.Get(42))
			assert.Equal(t, 0, s.Len())
		})
	}
}

func TestSet_StatusSwitch(t *testing.T) {
	s := New("u1")

	s.Set(7, model.StatusWatched)
	tr := s.Set(7, model.StatusFavorite)

	assert.Equal(t, model.StatusWatched, tr.From)
	assert.Equal(t, model.StatusFavorite, tr.To)
	assert.Equal(t, WriteUpsert, tr.Write())
	assert.Equal(t, model.StatusFavorite, s.Get(7))
	assert.Equal(t, 1, s.Len(), "switch must never hold two statuses")
	assert.Equal(t, []model.Interaction{{UserID: "u1", AnimeID: 7, Status: model.StatusFavorite}}, s.Snapshot())
}

func TestSet_SubjectsAreIndependent(t *testing.T) {
	s := New("u1")

	s.Set(1, model.StatusWatched)
	s.Set(2, model.StatusFavorite)
	s.Set(1, model.StatusWatched)

	assert.Equal(t, Absent, s.Get(1))
	assert.Equal(t, model.StatusFavorite, s.Get(2))
}

func TestSet_InvalidStatusIsNoop(t *testing.T) {
	s := New("u1")
	s.Set(3, model.StatusWatched)

	tr := s.Set(3, model.Status("dropped"))

	assert.Equal(t, WriteNone, tr.Write())
	assert.Equal(t, model.StatusWatched, s.Get(3))
}

func TestRestore_UndoesTransition(t *testing.T) {
	s := New("u1")
	s.Set(9, model.StatusWatched)

	tr := s.Set(9, model.StatusFavorite)
	s.Restore(tr.SubjectID, tr.From)
	assert.Equal(t, model.StatusWatched, s.Get(9))

	tr = s.Set(10, model.StatusWatched)
	s.Restore(tr.SubjectID, tr.From)
	assert.Equal(t, Absent, s.Get(10))
	assert.Equal(t, 1, s.Len())
}

func TestLoad_FiltersForeignAndInvalidRows(t *testing.T) {
	s := New("u1")
	s.Set(99, model.StatusWatched)

	s.Load([]model.Interaction{
		{UserID: "u1", AnimeID: 1, Status: model.StatusFavorite},
		{UserID: "u2", AnimeID: 2, Status: model.StatusWatched},
		{UserID: "u1", AnimeID: 3, Status: "bogus"},
	}, nil)

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, model.StatusFavorite, s.Get(1))
	assert.Equal(t, Absent, s.Get(99))
}

func TestLoad_BusySubjectsKeepPrediction(t *testing.T) {
	s := New("u1")
	s.Set(7, model.StatusWatched)
	s.Set(8, model.StatusFavorite)
	s.Load([]model.Interaction{
		{UserID: "u1", AnimeID: 8, Status: model.StatusWatched},
		{UserID: "u1", AnimeID: 9, Status: model.StatusFavorite},
	}, []int{7, 8})

	assert.Equal(t, model.StatusWatched, s.Get(7), "prediction survives the reload")
	assert.Equal(t, model.StatusFavorite, s.Get(8))
	assert.Equal(t, model.StatusFavorite, s.Get(9))
	assert.True(t, s.HasDeferred(7))
	assert.True(t, s.HasDeferred(8))
	assert.False(t, s.HasDeferred(9))

	s.Discard(7)
	assert.False(t, s.Flush(7))
	assert.Equal(t, model.StatusWatched, s.Get(7), "confirmed write keeps its status")

	assert.True(t, s.Flush(8))
	assert.Equal(t, model.StatusWatched, s.Get(8), "held-back row applies after rollback")
}

func TestLoad_BusySubjectAbsentLocally(t *testing.T) {
	s := New("u1")
	tr := s.Set(5, model.StatusWatched)
	s.Set(5, model.StatusWatched)
	require.Equal(t, Absent, s.Get(5))

	s.Load([]model.Interaction{{UserID: "u1", AnimeID: 5, Status: model.StatusWatched}}, []int{5})
	assert.Equal(t, Absent, s.Get(5), "pending toggle-off is not undone by the reload")
	assert.True(t, s.Flush(5))
	assert.Equal(t, tr.To, s.Get(5))
}

func TestLoad_BusySubjectWithoutRowHoldsAbsent(t *testing.T) {
	s := New("u1")
	s.Set(4, model.StatusFavorite)

	s.Load(nil, []int{4})
	assert.Equal(t, model.StatusFavorite, s.Get(4))
	assert.True(t, s.HasDeferred(4))
	assert.True(t, s.Flush(4))
	assert.Equal(t, Absent, s.Get(4))
}

func TestTransition_Row(t *testing.T) {
	tr := Transition{UserID: "u1", SubjectID: 5, From: Absent, To: model.StatusWatched}
	assert.Equal(t, model.Interaction{UserID: "u1", AnimeID: 5, Status: model.StatusWatched}, tr.Row())
	assert.Equal(t, "upsert", tr.Write().String())
}
