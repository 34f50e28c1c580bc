package room

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewPlayerState_Defaults(t *testing.T) {
	s := NewPlayerState("c1", "Alice")
	assert.Equal(t, "c1", s.ConnectionID)
	assert.Equal(t, "Alice", s.Username)
	assert.Equal(t, Vec3{}, s.Position)
	assert.Equal(t, Vec3{}, s.Rotation)
	assert.Equal(t, IdleAnimation, s.Animation)
}

func TestPlayerState_ApplyUpdate(t *testing.T) {
	s := NewPlayerState("c1", "Alice")
	s.ApplyUpdate(Vec3{1, 2, 3}, Vec3{0, 1.5, 0}, 7)
	assert.Equal(t, Vec3{1, 2, 3}, s.Position)
	assert.Equal(t, Vec3{0, 1.5, 0}, s.Rotation)
	assert.Equal(t, 7, s.Animation)
}

func TestVec3_Finite(t *testing.T) {
	assert.True(t, Vec3{1, -2, 3}.Finite())
	assert.False(t, Vec3{math.NaN(), 0, 0}.Finite())
	assert.False(t, Vec3{0, math.Inf(1), 0}.Finite())
}

func TestRoom_AddMember(t *testing.T) {
	r := newRoom("r1", 0)
	s, err := r.AddMember("c1", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", s.Username)
	assert.Equal(t, IdleAnimation, s.Animation)
	assert.Equal(t, 1, r.Len())
}

func TestRoom_AddMemberDuplicate(t *testing.T) {
	r := newRoom("r1", 0)
	_, err := r.AddMember("c1", "Alice")
	require.NoError(t, err)

	_, err = r.AddMember("c1", "Alice again")
	assert.ErrorIs(t, err, ErrAlreadyMember)

	s, err := r.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", s.Username, "rejected add must not overwrite state")
}

func TestRoom_AddMemberFull(t *testing.T) {
	r := newRoom("r1", 2)
	_, err := r.AddMember("c1", "A")
	require.NoError(t, err)
	_, err = r.AddMember("c2", "B")
	require.NoError(t, err)
	_, err = r.AddMember("c3", "C")
	assert.ErrorIs(t, err, ErrRoomFull)
	assert.Equal(t, 2, r.Len())
}

func TestRoom_RemoveMember(t *testing.T) {
	r := newRoom("r1", 0)
	_, _ = r.AddMember("c1", "A")
	_, _ = r.AddMember("c2", "B")

	s, empty, err := r.RemoveMember("c1")
	require.NoError(t, err)
	assert.Equal(t, "A", s.Username)
	assert.False(t, empty)

	_, empty, err = r.RemoveMember("c2")
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestRoom_RemoveMemberNotFound(t *testing.T) {
	r := newRoom("r1", 0)
	_, empty, err := r.RemoveMember("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, empty)
}

func TestRoom_UpdateNotFound(t *testing.T) {
	r := newRoom("r1", 0)
	_, err := r.Update("ghost", Vec3{1, 0, 0}, Vec3{}, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoom_SnapshotExcludesAndOrders(t *testing.T) {
	r := newRoom("r1", 0)
	for _, id := range []string{"z", "a", "m"} {
		_, err := r.AddMember(id, "user-"+id)
		require.NoError(t, err)
	}

	snap := r.Snapshot("a")
	require.Len(t, snap, 2)
	assert.Equal(t, "z", snap[0].ConnectionID)
	assert.Equal(t, "m", snap[1].ConnectionID)

	assert.Equal(t, []string{"z", "a", "m"}, r.MemberIDs(""))
}

func TestRoom_SnapshotIsCopy(t *testing.T) {
	r := newRoom("r1", 0)
	_, _ = r.AddMember("c1", "A")
	snap := r.Snapshot("")
	snap[0].Position = Vec3{9, 9, 9}

	s, err := r.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, Vec3{}, s.Position)
}

func TestRoom_ClosedRejectsJoin(t *testing.T) {
	r := newRoom("r1", 0)
	require.True(t, r.closeIfEmpty())
	_, err := r.AddMember("c1", "A")
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestRoom_CallbacksRunLocked(t *testing.T) {
	r := newRoom("r1", 0)
	_, err := r.AddMember("c1", "Alice")
	require.NoError(t, err)

	var calls int
	_, err = r.Join("c2", "Bob", func(self PlayerState, others []PlayerState) {
		calls++
		assert.False(t, r.mu.TryLock())
		assert.Equal(t, "c2", self.ConnectionID)
		require.Len(t, others, 1)
		assert.Equal(t, "c1", others[0].ConnectionID)
	})
	require.NoError(t, err)

	_, err = r.UpdateWith("c1", Vec3{1, 0, 0}, Vec3{}, 2, func(state PlayerState, others []string) {
		calls++
		assert.False(t, r.mu.TryLock())
		assert.Equal(t, Vec3{1, 0, 0}, state.Position)
		assert.Equal(t, []string{"c2"}, others)
	})
	require.NoError(t, err)

	r.Broadcast("c2", func(ids []string) {
		calls++
		assert.False(t, r.mu.TryLock())
		assert.Equal(t, []string{"c1"}, ids)
	})

	left, empty, err := r.Leave("c1", func(left PlayerState, remaining []string) {
		calls++
		assert.False(t, r.mu.TryLock())
		assert.Equal(t, "c1", left.ConnectionID)
		assert.Equal(t, []string{"c2"}, remaining)
	})
	require.NoError(t, err)
	assert.False(t, empty)
	assert.Equal(t, 2, left.Animation)
	assert.Equal(t, 4, calls)

	_, err = r.Join("c2", "Bob", func(PlayerState, []PlayerState) { t.Fatal("called on rejected join") })
	assert.ErrorIs(t, err, ErrAlreadyMember)
}

func TestRoom_ConcurrentUpdates(t *testing.T) {
	r := newRoom("r1", 0)
	const n = 50
	for i := 0; i < n; i++ {
		_, err := r.AddMember(fmt.Sprintf("c%d", i), fmt.Sprintf("P%d", i))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, _ = r.Update(fmt.Sprintf("c%d", i), Vec3{float64(i), 0, 0}, Vec3{}, i%8)
			_ = r.Snapshot(fmt.Sprintf("c%d", i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		s, err := r.Get(fmt.Sprintf("c%d", i))
		require.NoError(t, err)
		assert.Equal(t, float64(i), s.Position[0])
	}
}

func TestPropertyRoomLastWriteWins(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := newRoom("r1", 0)
		_, err := r.AddMember("c1", "A")
		require.NoError(t, err)

		coord := rapid.Float64Range(-1000, 1000)
		var want PlayerState
		n := rapid.IntRange(1, 20).Draw(t, "updates")
		for i := 0; i < n; i++ {
			pos := Vec3{coord.Draw(t, "px"), coord.Draw(t, "py"), coord.Draw(t, "pz")}
			rot := Vec3{coord.Draw(t, "rx"), coord.Draw(t, "ry"), coord.Draw(t, "rz")}
			anim := rapid.IntRange(0, 15).Draw(t, "anim")
			want, err = r.Update("c1", pos, rot, anim)
			require.NoError(t, err)
		}

		got, err := r.Get("c1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

func TestPropertyRoomMembershipMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := newRoom("r1", 0)
		model := make(map[string]bool)
		ids := []string{"c1", "c2", "c3", "c4", "c5"}

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(ids).Draw(t, "id")
			if rapid.Bool().Draw(t, "add") {
				_, err := r.AddMember(id, id)
				if model[id] {
					assert.ErrorIs(t, err, ErrAlreadyMember)
				} else {
					require.NoError(t, err)
					model[id] = true
				}
			} else {
				_, empty, err := r.RemoveMember(id)
				if model[id] {
					require.NoError(t, err)
					delete(model, id)
				} else {
					assert.ErrorIs(t, err, ErrNotFound)
				}
				assert.Equal(t, len(model) == 0, empty)
			}
			assert.Equal(t, len(model), r.Len())
			for _, s := range r.Snapshot(id) {
				assert.NotEqual(t, id, s.ConnectionID)
				assert.True(t, model[s.ConnectionID])
			}
		}
	})
}
