package timekey

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKey(r *rand.Rand, players int32) Key {
	return Key{
		Global: r.Int64N(6),
		Player: r.Int32N(players),
		Local:  r.Int32N(4) - 2,
	}
}

func TestOrder_GlobalDominates(t *testing.T) {
	o := NewOrder(3)

	assert.Equal(t, -1, o.Compare(Key{Global: 1, Player: 2, Local: 9}, Key{Global: 2}))
	assert.Equal(t, 1, o.Compare(Key{Global: 3}, Key{Global: 2, Player: 1, Local: 100}))
}

func TestOrder_RoundRobinRotatesFirstPlayer(t *testing.T) {
	o := NewOrder(2)

	// Tick 10: (10+0)%2 = 0 for player 0, so player 0 goes first.
	assert.True(t, o.Less(Key{Global: 10, Player: 0}, Key{Global: 10, Player: 1}))

	// Tick 11: (11+1)%2 = 0 for player 1, so player 1 goes first.
	assert.True(t, o.Less(Key{Global: 11, Player: 1}, Key{Global: 11, Player: 0}))
}

func TestOrder_LocalBreaksFinalTie(t *testing.T) {
	o := NewOrder(4)

	a := Key{Global: 7, Player: 2, Local: -1}
	b := Key{Global: 7, Player: 2, Local: 0}
	assert.Equal(t, -1, o.Compare(a, b))
	assert.Equal(t, 1, o.Compare(b, a))
	assert.Equal(t, 0, o.Compare(a, a))
}

func TestOrder_NonPositivePlayersTreatedAsOne(t *testing.T) {
	o := NewOrder(0)

	assert.Equal(t, -1, o.Compare(Key{Global: 1, Player: 0}, Key{Global: 1, Player: 1}))
}

func TestOrder_OutOfRangePlayersStillTotal(t *testing.T) {
	o := NewOrder(2)

	// Players 0 and 2 share a rank; Player breaks the tie.
	a := Key{Global: 4, Player: 0}
	b := Key{Global: 4, Player: 2}
	assert.Equal(t, -1, o.Compare(a, b))
	assert.Equal(t, 1, o.Compare(b, a))
}

func TestOrder_TotalOrderProperties(t *testing.T) {
	for _, players := range []int32{1, 2, 3, 5} {
		o := NewOrder(players)
		r := rand.New(rand.NewPCG(uint64(players), 42))

		for i := 0; i < 2000; i++ {
			a := randomKey(r, players)
			b := randomKey(r, players)
			c := randomKey(r, players)

			ab := o.Compare(a, b)
			ba := o.Compare(b, a)

			// Antisymmetry.
			require.Equal(t, ab, -ba, "a=%v b=%v", a, b)

			// Totality: equal only when identical.
			if a == b {
				require.Zero(t, ab)
			} else {
				require.NotZero(t, ab, "distinct keys compare equal: %v %v", a, b)
			}

			// Transitivity.
			if ab <= 0 && o.Compare(b, c) <= 0 {
				require.LessOrEqual(t, o.Compare(a, c), 0, "a=%v b=%v c=%v", a, b, c)
			}
		}
	}
}

func TestOrder_SortIsStableAcrossPeers(t *testing.T) {
	o := NewOrder(3)
	r := rand.New(rand.NewPCG(1, 2))

	keys := make([]Key, 0, 64)
	seen := map[Key]bool{}
	for len(keys) < 64 {
		k := randomKey(r, 3)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	a := slices.Clone(keys)
	b := slices.Clone(keys)
	slices.Reverse(b)
	slices.SortFunc(a, o.Compare)
	slices.SortFunc(b, o.Compare)

	assert.Equal(t, a, b)
}

func TestOrder_First(t *testing.T) {
	tests := []struct {
		players int32
		global  int64
		want    int32
	}{
		{1, 5, 0},
		{2, 10, 0},
		{2, 11, 1},
		{3, 7, 2},
		{3, 9, 0},
		{4, 6, 2},
	}
	for _, tt := range tests {
		o := NewOrder(tt.players)
		first := o.First(tt.global)
		assert.Equal(t, tt.global, first.Global)
		assert.Equal(t, tt.want, first.Player, "players=%d global=%d", tt.players, tt.global)

		for p := int32(0); p < tt.players; p++ {
			for _, local := range []int32{-2, 0, 3} {
				k := Key{Global: tt.global, Player: p, Local: local}
				assert.False(t, o.Less(k, first), "%v orders before first key %v", k, first)
			}
		}
		assert.True(t, o.Less(Key{Global: tt.global - 1, Player: tt.players - 1, Local: 99}, first))
	}
}

func TestKey_ScopeAndString(t *testing.T) {
	k := Key{Global: 12, Player: 1, Local: 3}

	assert.Equal(t, Scope{Global: 12, Player: 1}, k.Scope())
	assert.Equal(t, "12:1:3", k.String())
	assert.Equal(t, -1, CompareScope(Scope{Global: 1, Player: 5}, Scope{Global: 2}))
	assert.Equal(t, 1, CompareScope(Scope{Global: 2, Player: 1}, Scope{Global: 2}))
}
